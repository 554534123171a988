// Package report renders run summaries and latency exports.
package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/logs"
)

const rule = "-----------------------------------------\n"

// Round rounds half to even, the way existing result files were produced.
func Round(v float64) int64 {
	return int64(math.RoundToEven(v))
}

// Thousands formats n with comma separators.
func Thousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func count(v int) string { return Thousands(int64(v)) }

func rounded(v float64) string { return Thousands(Round(v)) }

// Format renders the SUMMARY block of one run.
func Format(s logs.Summary) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString(" SUMMARY:\n")
	b.WriteString(rule)
	b.WriteString(" + CONFIG:\n")
	fmt.Fprintf(&b, " Faults: %d node(s)\n", s.Faults)
	fmt.Fprintf(&b, " Committee size: %d node(s)\n", s.CommitteeSize)
	fmt.Fprintf(&b, " Worker(s) per node: %d worker(s)\n", s.WorkersPerNode)
	fmt.Fprintf(&b, " Collocate primary and workers: %s\n", lifecycle.PyBool(s.Collocate))
	fmt.Fprintf(&b, " Input rate: %s tx/s\n", count(s.InputRate))
	fmt.Fprintf(&b, " Transaction size: %s B\n", count(s.TxSize))
	fmt.Fprintf(&b, " Execution time: %s s\n", rounded(s.Duration))
	b.WriteString("\n")
	fmt.Fprintf(&b, " Header size: %s B\n", count(s.Node.HeaderSize))
	fmt.Fprintf(&b, " Max header delay: %s ms\n", count(s.Node.MaxHeaderDelay))
	fmt.Fprintf(&b, " GC depth: %s round(s)\n", count(s.Node.GCDepth))
	fmt.Fprintf(&b, " Sync retry delay: %s ms\n", count(s.Node.SyncRetryDelay))
	fmt.Fprintf(&b, " Sync retry nodes: %s node(s)\n", count(s.Node.SyncRetryNodes))
	fmt.Fprintf(&b, " batch size: %s B\n", count(s.Node.BatchSize))
	fmt.Fprintf(&b, " Max batch delay: %s ms\n", count(s.Node.MaxBatchDelay))
	b.WriteString("\n")
	b.WriteString(" + RESULTS:\n")
	fmt.Fprintf(&b, " Consensus TPS: %s tx/s\n", rounded(s.ConsensusTPS))
	fmt.Fprintf(&b, " Consensus BPS: %s B/s\n", rounded(s.ConsensusBPS))
	fmt.Fprintf(&b, " Consensus latency: %s ms\n", rounded(s.ConsensusLatencyMs))
	b.WriteString("\n")
	fmt.Fprintf(&b, " End-to-end TPS: %s tx/s\n", rounded(s.EndToEndTPS))
	fmt.Fprintf(&b, " End-to-end BPS: %s B/s\n", rounded(s.EndToEndBPS))
	fmt.Fprintf(&b, " End-to-end latency: %s ms\n", rounded(s.EndToEndLatencyMs))
	b.WriteString(rule)
	return b.String()
}

// Append adds the summary block to the result file at path. Earlier blocks
// are never rewritten.
func Append(path string, s logs.Summary) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create results dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open result file: %w", err)
	}
	if _, err := f.WriteString(Format(s)); err != nil {
		f.Close()
		return fmt.Errorf("append result: %w", err)
	}
	return f.Close()
}
