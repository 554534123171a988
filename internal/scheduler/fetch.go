package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/remote"
)

// FetchTally counts the outcome of FetchLogs per host and per file.
type FetchTally struct {
	Hosts      int
	HostErrors int // hosts where the primary log failed to download
	Files      int // files downloaded
}

// FetchLogs downloads the logs of a previous run without a committee. Host
// i is assumed to run node i: its primary log plus up to maxWorkers worker
// and client logs. A missing primary log is reported, missing worker and
// client logs are expected.
func FetchLogs(ctx context.Context, tr remote.Transfer, hosts []config.Host, repo, dir string, maxWorkers int) (FetchTally, error) {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return FetchTally{}, err
	}

	tally := FetchTally{Hosts: len(hosts)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h config.Host) {
			defer wg.Done()
			names := []string{lifecycle.PrimaryLogName(i)}
			for j := 0; j < maxWorkers; j++ {
				names = append(names, lifecycle.WorkerLogName(i, j), lifecycle.ClientLogName(i, j))
			}

			got, primaryFailed := 0, false
			for k, name := range names {
				if ctx.Err() != nil {
					return
				}
				err := tr.Download(ctx, h, path.Join(repo, lifecycle.RemoteLog(name)), filepath.Join(dir, name))
				switch {
				case err == nil:
					got++
				case k == 0 && errors.Is(err, remote.ErrRemoteMissing):
					slog.Warn("primary log not found on host", "host", h.Hostname, "file", name)
				case k == 0:
					primaryFailed = true
					slog.Warn("primary log download failed", "host", h.Hostname, "file", name, "error", err)
				default:
					slog.Debug("log not downloaded", "host", h.Hostname, "file", name, "error", err)
				}
			}
			slog.Info("host logs fetched", "host", h.Hostname, "files", got)

			mu.Lock()
			tally.Files += got
			if primaryFailed {
				tally.HostErrors++
			}
			mu.Unlock()
		}(i, h)
	}
	wg.Wait()
	return tally, ctx.Err()
}
