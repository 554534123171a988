package logs

import (
	"fmt"
	"math"
	"sort"

	"github.com/corvohq/dagbench/internal/config"
)

// LatencyRecord is the end-to-end latency of one sample transaction. Times
// are POSIX seconds; relative times count from the earliest client start.
type LatencyRecord struct {
	TxID          uint64
	Start         float64
	End           float64
	Latency       float64
	StartRelative float64
	EndRelative   float64
}

// TxSize is the transaction size reported by the first client.
func (r *Result) TxSize() int {
	if len(r.Sizes) == 0 {
		return 0
	}
	return r.Sizes[0]
}

// InputRate is the sum of all client rates.
func (r *Result) InputRate() int {
	total := 0
	for _, v := range r.Rates {
		total += v
	}
	return total
}

func (r *Result) committedBytes() int {
	total := 0
	for _, v := range r.Batches {
		total += v
	}
	return total
}

func (r *Result) throughput(start float64) (tps, bps, duration float64) {
	if len(r.Commits) == 0 {
		return 0, 0, 0
	}
	end := math.Inf(-1)
	for _, t := range r.Commits {
		end = math.Max(end, t)
	}
	duration = end - start
	if duration <= 0 {
		return 0, 0, duration
	}
	bps = float64(r.committedBytes()) / duration
	if size := r.TxSize(); size > 0 {
		tps = bps / float64(size)
	}
	return tps, bps, duration
}

// ConsensusThroughput measures from the earliest proposal to the latest
// commit.
func (r *Result) ConsensusThroughput() (tps, bps, duration float64) {
	start := math.Inf(1)
	for _, t := range r.Proposals {
		start = math.Min(start, t)
	}
	if math.IsInf(start, 1) {
		return 0, 0, 0
	}
	return r.throughput(start)
}

// ConsensusLatency is the mean commit-minus-proposal time, in seconds, over
// digests both proposed and committed.
func (r *Result) ConsensusLatency() float64 {
	var sum float64
	n := 0
	for d, c := range r.Commits {
		p, ok := r.Proposals[d]
		if !ok {
			continue
		}
		sum += c - p
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (r *Result) systemStart() (float64, bool) {
	if len(r.Starts) == 0 {
		return 0, false
	}
	start := r.Starts[0]
	for _, s := range r.Starts[1:] {
		start = math.Min(start, s)
	}
	return start, true
}

// EndToEndThroughput measures from the earliest client start to the latest
// commit.
func (r *Result) EndToEndThroughput() (tps, bps, duration float64) {
	start, ok := r.systemStart()
	if !ok {
		return 0, 0, 0
	}
	return r.throughput(start)
}

// EndToEndLatency measures each committed sample of every client/worker pair
// from send to commit. It returns the mean latency in seconds and the
// per-sample records ordered by commit time.
//
// It panics if a worker reports a sample its paired client never sent.
func (r *Result) EndToEndLatency() (float64, []LatencyRecord) {
	system, ok := r.systemStart()
	if !ok {
		return 0, nil
	}
	var (
		records []LatencyRecord
		sum     float64
	)
	for _, p := range r.pairs {
		for tx, digest := range p.received {
			end, ok := r.Commits[digest]
			if !ok {
				continue
			}
			start, ok := p.sent[tx]
			if !ok {
				panic(fmt.Sprintf("logs: %s reports sample tx %d that %s never sent", p.worker, tx, p.client))
			}
			lat := end - start
			sum += lat
			records = append(records, LatencyRecord{
				TxID:          tx,
				Start:         start,
				End:           end,
				Latency:       lat,
				StartRelative: start - system,
				EndRelative:   end - system,
			})
		}
	}
	sort.Slice(records, func(a, b int) bool {
		if records[a].EndRelative != records[b].EndRelative {
			return records[a].EndRelative < records[b].EndRelative
		}
		return records[a].TxID < records[b].TxID
	})
	if len(records) == 0 {
		return 0, records
	}
	return sum / float64(len(records)), records
}

// Summary is the headline of a run, with latencies in milliseconds.
type Summary struct {
	Faults         int
	CommitteeSize  int
	WorkersPerNode int
	Collocate      bool
	InputRate      int
	TxSize         int
	Duration       float64 // end-to-end window, seconds
	Node           config.NodeParameters

	ConsensusTPS       float64
	ConsensusBPS       float64
	ConsensusLatencyMs float64
	EndToEndTPS        float64
	EndToEndBPS        float64
	EndToEndLatencyMs  float64

	Misses  int
	Samples int
}

// Summary derives every metric of the run.
func (r *Result) Summary() Summary {
	s := Summary{
		Faults:         r.Faults,
		CommitteeSize:  r.CommitteeSize,
		WorkersPerNode: r.WorkersPerNode,
		Collocate:      r.Collocate,
		InputRate:      r.InputRate(),
		TxSize:         r.TxSize(),
		Misses:         r.Misses,
	}
	if len(r.Configs) > 0 {
		s.Node = r.Configs[0]
	}
	s.ConsensusTPS, s.ConsensusBPS, _ = r.ConsensusThroughput()
	s.ConsensusLatencyMs = r.ConsensusLatency() * 1000
	s.EndToEndTPS, s.EndToEndBPS, s.Duration = r.EndToEndThroughput()
	lat, records := r.EndToEndLatency()
	s.EndToEndLatencyMs = lat * 1000
	s.Samples = len(records)
	return s
}
