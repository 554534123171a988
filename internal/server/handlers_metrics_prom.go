package server

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/results"
)

var configLabels = []string{"faults", "nodes", "workers", "collocate", "rate", "tx_size", "attack"}

var (
	descConsensusTPS = prometheus.NewDesc("dagbench_consensus_tps",
		"Consensus throughput of the latest successful run, in tx/s.", configLabels, nil)
	descConsensusBPS = prometheus.NewDesc("dagbench_consensus_bps",
		"Consensus throughput of the latest successful run, in B/s.", configLabels, nil)
	descConsensusLatency = prometheus.NewDesc("dagbench_consensus_latency_ms",
		"Consensus latency of the latest successful run.", configLabels, nil)
	descE2ETPS = prometheus.NewDesc("dagbench_e2e_tps",
		"End-to-end throughput of the latest successful run, in tx/s.", configLabels, nil)
	descE2EBPS = prometheus.NewDesc("dagbench_e2e_bps",
		"End-to-end throughput of the latest successful run, in B/s.", configLabels, nil)
	descE2ELatency = prometheus.NewDesc("dagbench_e2e_latency_ms",
		"End-to-end latency of the latest successful run.", configLabels, nil)
	descFinished = prometheus.NewDesc("dagbench_run_finished_timestamp_seconds",
		"Unix time the latest successful run finished.", configLabels, nil)
	descHistoryUp = prometheus.NewDesc("dagbench_history_up",
		"1 when the run history could be read during the scrape.", nil, nil)
)

// runCollector exports the newest successful run of every configuration.
// The history is queried on each scrape.
type runCollector struct {
	history *results.DB
	timeout time.Duration
}

func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descConsensusTPS, descConsensusBPS, descConsensusLatency,
		descE2ETPS, descE2EBPS, descE2ELatency, descFinished, descHistoryUp,
	} {
		ch <- d
	}
}

func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	runs, err := c.history.Latest(ctx)
	if err != nil {
		slog.Warn("metrics scrape could not read history", "error", err)
		ch <- prometheus.MustNewConstMetric(descHistoryUp, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(descHistoryUp, prometheus.GaugeValue, 1)

	for _, r := range runs {
		labels := []string{
			strconv.Itoa(r.Faults),
			strconv.Itoa(r.Nodes),
			strconv.Itoa(r.Workers),
			lifecycle.PyBool(r.Collocate),
			strconv.Itoa(r.Rate),
			strconv.Itoa(r.TxSize),
			r.Attack,
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		gauge(descConsensusTPS, r.ConsensusTPS)
		gauge(descConsensusBPS, r.ConsensusBPS)
		gauge(descConsensusLatency, r.ConsensusLatencyMs)
		gauge(descE2ETPS, r.EndToEndTPS)
		gauge(descE2EBPS, r.EndToEndBPS)
		gauge(descE2ELatency, r.EndToEndLatencyMs)
		gauge(descFinished, float64(r.FinishedAt.Unix()))
	}
}
