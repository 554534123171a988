// Package logs reconciles the text logs of one benchmark run into
// throughput and latency metrics.
//
// Clients, primaries and workers run on independently clocked hosts and
// each log only part of the story: clients record when sample transactions
// were sent, workers record which batch carried them and how large each
// batch was, primaries record when batch digests were proposed and
// committed. Reconcile parses every log, merges the per-digest events
// keeping the earliest observation, and keeps the result around so metrics
// can be derived on demand.
package logs

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/corvohq/dagbench/internal/config"
)

// Result is the reconciled view of one run.
type Result struct {
	Faults         int
	CommitteeSize  int
	WorkersPerNode int
	// Collocate compares the set of primary IPs with the set of worker IPs,
	// not each node's placement.
	Collocate bool
	Misses    int

	Sizes  []int // per client, sorted file order
	Rates  []int
	Starts []float64

	Configs   []config.NodeParameters // per primary
	Proposals map[string]float64
	Commits   map[string]float64
	Batches   map[string]int // committed digest -> bytes

	pairs []samplePair
}

// samplePair joins a client's sent samples with the samples its worker put
// into batches.
type samplePair struct {
	client, worker string
	sent           map[uint64]float64
	received       map[uint64]string
}

// pairKey is the "i-j" part of client-i-j.log or worker-i-j.log. Nameless
// files pair by position.
func pairKey(f File, prefix string, i int) string {
	if f.Name == "" {
		return "#" + strconv.Itoa(i)
	}
	return strings.TrimSuffix(strings.TrimPrefix(f.Name, prefix), ".log")
}

func parseAll[T any](logs []string, parse func(string) (T, error)) ([]T, error) {
	out := make([]T, len(logs))
	errs := make([]error, len(logs))
	var wg sync.WaitGroup
	for i, l := range logs {
		wg.Add(1)
		go func(i int, l string) {
			defer wg.Done()
			out[i], errs[i] = parse(l)
		}(i, l)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Process loads the logs in dir and reconciles them.
func Process(dir string, faults int) (*Result, error) {
	b, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return Reconcile(b, faults)
}

// Reconcile parses and merges a bundle. Every role needs at least one log.
func Reconcile(b *Bundle, faults int) (*Result, error) {
	switch {
	case len(b.Clients) == 0:
		return nil, parseErr(ErrorCodeMissingRole, "", "no client logs")
	case len(b.Primaries) == 0:
		return nil, parseErr(ErrorCodeMissingRole, "", "no primary logs")
	case len(b.Workers) == 0:
		return nil, parseErr(ErrorCodeMissingRole, "", "no worker logs")
	}

	clients, err := parseAll(texts(b.Clients), ParseClient)
	if err != nil {
		return nil, err
	}
	primaries, err := parseAll(texts(b.Primaries), ParsePrimary)
	if err != nil {
		return nil, err
	}
	workers, err := parseAll(texts(b.Workers), ParseWorker)
	if err != nil {
		return nil, err
	}

	r := &Result{
		Faults:         faults,
		CommitteeSize:  len(primaries) + faults,
		WorkersPerNode: len(workers) / len(primaries),
		Batches:        map[string]int{},
	}
	sentBy := make(map[string]int, len(clients))
	for i, c := range clients {
		r.Sizes = append(r.Sizes, c.Size)
		r.Rates = append(r.Rates, c.Rate)
		r.Starts = append(r.Starts, c.Start)
		r.Misses += c.Misses
		sentBy[pairKey(b.Clients[i], "client-", i)] = i
	}

	proposals := make([]map[string]float64, 0, len(primaries))
	commits := make([]map[string]float64, 0, len(primaries))
	primaryIPs := map[string]struct{}{}
	for _, p := range primaries {
		proposals = append(proposals, p.Proposals)
		commits = append(commits, p.Commits)
		r.Configs = append(r.Configs, p.Config)
		primaryIPs[p.IP] = struct{}{}
	}
	r.Proposals = MergeEarliest(proposals...)
	r.Commits = MergeEarliest(commits...)

	workerIPs := map[string]struct{}{}
	paired := make(map[int]bool, len(clients))
	for i, w := range workers {
		for d, size := range w.Sizes {
			if _, ok := r.Commits[d]; ok {
				r.Batches[d] = size
			}
		}
		workerIPs[w.IP] = struct{}{}

		ci, ok := sentBy[pairKey(b.Workers[i], "worker-", i)]
		if !ok {
			slog.Warn("worker log has no matching client log; skipping its samples", "file", b.Workers[i].Name)
			continue
		}
		paired[ci] = true
		r.pairs = append(r.pairs, samplePair{
			client:   b.Clients[ci].Name,
			worker:   b.Workers[i].Name,
			sent:     clients[ci].Samples,
			received: w.Samples,
		})
	}
	for i, f := range b.Clients {
		if !paired[i] {
			slog.Warn("client log has no matching worker log; skipping its samples", "file", f.Name)
		}
	}
	// Set equality only approximates collocation: it cannot tell a
	// collocated layout from one where primaries and workers swap hosts.
	r.Collocate = sameSet(primaryIPs, workerIPs)

	if r.Misses != 0 {
		slog.Warn("clients missed their target rate", "times", r.Misses)
	}
	return r, nil
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
