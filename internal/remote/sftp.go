package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/corvohq/dagbench/internal/config"
)

// ErrTransferTimeout is returned when a file transfer exceeds its bound.
var ErrTransferTimeout = errors.New("transfer timed out")

// abortGrace is how long an aborted transfer may take to unwind before the
// host's transport is torn down under it.
const abortGrace = 5 * time.Second

// sftpChannel is the SSH channel carrying one SFTP session. Closing it
// unblocks every SFTP call waiting on it and leaves the shared transport
// alone.
type sftpChannel struct {
	ch   *ssh.Session
	once sync.Once
}

func (c *sftpChannel) Close() {
	c.once.Do(func() { c.ch.Close() })
}

// bounded runs fn and waits at most d for it. On expiry abort is called to
// unblock fn; if fn is still stuck after abortGrace the host's transport is
// dropped. fn has always returned by the time bounded does.
func (p *Pool) bounded(ctx context.Context, host config.Host, d time.Duration, abort func(), fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	abort()
	select {
	case <-done:
	case <-time.After(abortGrace):
		slog.Warn("transfer did not unwind; dropping transport", "host", host.String())
		p.drop(host)
		<-done
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w after %s", host, ErrTransferTimeout, d)
	}
	return ctx.Err()
}

// withSFTP opens a dedicated SFTP channel on host and runs fn on it, the
// whole exchange bounded by d.
func (p *Pool) withSFTP(ctx context.Context, host config.Host, d time.Duration, fn func(*sftp.Client) error) error {
	c, err := p.client(ctx, host)
	if err != nil {
		return err
	}
	var (
		open    atomic.Pointer[sftpChannel]
		aborted atomic.Bool
	)
	abort := func() {
		aborted.Store(true)
		if ch := open.Load(); ch != nil {
			ch.Close()
			return
		}
		p.drop(host)
	}
	return p.bounded(ctx, host, d, abort, func() error {
		sc, ch, err := openSFTP(c, &open)
		if err != nil {
			if !aborted.Load() {
				p.drop(host)
			}
			return fmt.Errorf("open sftp on %s: %w", host, err)
		}
		defer ch.Close()
		defer sc.Close()
		return fn(sc)
	})
}

// openSFTP starts the sftp subsystem on a new channel. The channel is
// published to open before the SFTP handshake so an abort can close it.
func openSFTP(c *ssh.Client, open *atomic.Pointer[sftpChannel]) (*sftp.Client, *sftpChannel, error) {
	sess, err := c.NewSession()
	if err != nil {
		return nil, nil, err
	}
	ch := &sftpChannel{ch: sess}
	open.Store(ch)
	if err := sess.RequestSubsystem("sftp"); err != nil {
		ch.Close()
		return nil, nil, err
	}
	w, err := sess.StdinPipe()
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	r, err := sess.StdoutPipe()
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	sc, err := sftp.NewClientPipe(r, w)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return sc, ch, nil
}

// Upload copies a local file to remotePath, relative paths being relative to
// the remote user's home directory. The transfer is bounded by the command
// timeout.
func (p *Pool) Upload(ctx context.Context, host config.Host, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	return p.withSFTP(ctx, host, p.cfg.CommandTimeout, func(sc *sftp.Client) error {
		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			if err := sc.MkdirAll(dir); err != nil {
				return fmt.Errorf("create remote dir %s on %s: %w", dir, host, err)
			}
		}
		dst, err := sc.Create(remotePath)
		if err != nil {
			return fmt.Errorf("create %s on %s: %w", remotePath, host, err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			dst.Close()
			return fmt.Errorf("upload %s to %s:%s: %w", localPath, host, remotePath, err)
		}
		return dst.Close()
	})
}

// Download copies remotePath to localPath. A missing remote file returns
// ErrRemoteMissing immediately; other failures are retried up to
// DownloadAttempts times.
func (p *Pool) Download(ctx context.Context, host config.Host, remotePath, localPath string) error {
	var err error
	for attempt := 1; attempt <= p.cfg.DownloadAttempts; attempt++ {
		err = p.downloadOnce(ctx, host, remotePath, localPath)
		if err == nil || errors.Is(err, ErrRemoteMissing) || ctx.Err() != nil {
			return err
		}
		slog.Warn("download failed", "host", host.String(), "file", remotePath, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}

// downloadOnce is one attempt bounded by the download timeout. A timed out
// copy whose local size already equals the remote size counts as complete.
func (p *Pool) downloadOnce(ctx context.Context, host config.Host, remotePath, localPath string) error {
	var remoteSize int64
	err := p.withSFTP(ctx, host, p.cfg.DownloadTimeout, func(sc *sftp.Client) error {
		info, err := sc.Stat(remotePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%s:%s: %w", host, remotePath, ErrRemoteMissing)
			}
			return fmt.Errorf("stat %s on %s: %w", remotePath, host, err)
		}
		remoteSize = info.Size()

		src, err := sc.Open(remotePath)
		if err != nil {
			return fmt.Errorf("open %s on %s: %w", remotePath, host, err)
		}
		defer src.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("create local dir: %w", err)
		}
		dst, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", localPath, err)
		}
		defer dst.Close()

		slog.Debug("downloading", "host", host.String(), "file", remotePath, "bytes", remoteSize)
		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("download %s from %s: %w", remotePath, host, err)
		}
		return nil
	})
	if errors.Is(err, ErrTransferTimeout) {
		if st, serr := os.Stat(localPath); serr == nil && remoteSize > 0 && st.Size() == remoteSize {
			slog.Warn("download timed out but file is complete", "host", host.String(), "file", remotePath, "bytes", st.Size())
			return nil
		}
	}
	return err
}
