package report

import (
	"fmt"
	"io"
	"math"
	"slices"
)

// Sample is the headline of one successful run of a configuration.
type Sample struct {
	Config             string
	ConsensusTPS       float64
	ConsensusLatencyMs float64
	EndToEndTPS        float64
	EndToEndLatencyMs  float64
}

// Stat is the median and p90 of one metric across repetitions.
type Stat struct {
	Median float64 `json:"median"`
	P90    float64 `json:"p90"`
}

// Aggregate summarizes the repetitions of one configuration.
type Aggregate struct {
	Config           string `json:"config"`
	Runs             int    `json:"runs"`
	ConsensusTPS     Stat   `json:"consensus_tps"`
	ConsensusLatency Stat   `json:"consensus_latency_ms"`
	EndToEndTPS      Stat   `json:"e2e_tps"`
	EndToEndLatency  Stat   `json:"e2e_latency_ms"`
}

func percentileIndex(n, p int) int {
	if n <= 1 {
		return 0
	}
	if p <= 0 {
		return 0
	}
	if p >= 100 {
		return n - 1
	}
	rank := int(math.Ceil(float64(p) / 100.0 * float64(n)))
	idx := rank - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

func stat(vals []float64) Stat {
	if len(vals) == 0 {
		return Stat{}
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	return Stat{
		Median: sorted[len(sorted)/2],
		P90:    sorted[percentileIndex(len(sorted), 90)],
	}
}

// AggregateSamples groups samples by configuration, in first-appearance
// order.
func AggregateSamples(samples []Sample) []Aggregate {
	type acc struct {
		ctps, clat, etps, elat []float64
	}
	var order []string
	groups := map[string]*acc{}
	for _, s := range samples {
		a, ok := groups[s.Config]
		if !ok {
			a = &acc{}
			groups[s.Config] = a
			order = append(order, s.Config)
		}
		a.ctps = append(a.ctps, s.ConsensusTPS)
		a.clat = append(a.clat, s.ConsensusLatencyMs)
		a.etps = append(a.etps, s.EndToEndTPS)
		a.elat = append(a.elat, s.EndToEndLatencyMs)
	}
	out := make([]Aggregate, 0, len(order))
	for _, cfg := range order {
		a := groups[cfg]
		out = append(out, Aggregate{
			Config:           cfg,
			Runs:             len(a.ctps),
			ConsensusTPS:     stat(a.ctps),
			ConsensusLatency: stat(a.clat),
			EndToEndTPS:      stat(a.etps),
			EndToEndLatency:  stat(a.elat),
		})
	}
	return out
}

// PrintAggregates writes one block per configuration.
func PrintAggregates(w io.Writer, aggs []Aggregate) {
	if len(aggs) == 0 {
		fmt.Fprintln(w, "  no successful runs")
		return
	}
	for _, a := range aggs {
		fmt.Fprintf(w, "%s (%d run(s))\n", a.Config, a.Runs)
		fmt.Fprintf(w, "  consensus tps    median: %s  p90: %s\n", rounded(a.ConsensusTPS.Median), rounded(a.ConsensusTPS.P90))
		fmt.Fprintf(w, "  consensus lat ms median: %s  p90: %s\n", rounded(a.ConsensusLatency.Median), rounded(a.ConsensusLatency.P90))
		fmt.Fprintf(w, "  e2e tps          median: %s  p90: %s\n", rounded(a.EndToEndTPS.Median), rounded(a.EndToEndTPS.P90))
		fmt.Fprintf(w, "  e2e lat ms       median: %s  p90: %s\n", rounded(a.EndToEndLatency.Median), rounded(a.EndToEndLatency.P90))
	}
}
