package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/corvohq/dagbench/internal/logs"
)

func float(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeCSV(path string, rows [][]string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create csv dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write csv %s: %w", path, err)
	}
	return f.Close()
}

// WriteLatencyCSV exports per-transaction end-to-end latencies.
func WriteLatencyCSV(path string, records []logs.LatencyRecord) error {
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, []string{"tx_id", "start_time", "end_time", "latency_ms", "start_time_relative_sec", "end_time_relative_sec"})
	for _, rec := range records {
		rows = append(rows, []string{
			strconv.FormatUint(rec.TxID, 10),
			float(rec.Start),
			float(rec.End),
			float(rec.Latency * 1000),
			float(rec.StartRelative),
			float(rec.EndRelative),
		})
	}
	return writeCSV(path, rows)
}

// WriteRoundsCSV exports per-round certificate arrival times. Every row is
// padded to the widest round.
func WriteRoundsCSV(path string, rounds []logs.Round) error {
	width := 0
	for _, rd := range rounds {
		width = max(width, len(rd.Certificates))
	}
	header := []string{"Node_ID", "Round", "Round_Start_Time", "Certificate_Count"}
	for j := 1; j <= width; j++ {
		header = append(header, fmt.Sprintf("Certificate_%d_Time_Delta_ms", j), fmt.Sprintf("Certificate_%d_Origin", j))
	}
	rows := [][]string{header}
	for _, rd := range rounds {
		row := []string{
			strconv.Itoa(rd.Node),
			strconv.Itoa(rd.Number),
			rd.Start,
			strconv.Itoa(len(rd.Certificates)),
		}
		for j := 0; j < width; j++ {
			if j < len(rd.Certificates) {
				c := rd.Certificates[j]
				row = append(row, strconv.FormatFloat(c.DeltaMs, 'f', 3, 64), c.Origin)
			} else {
				row = append(row, "", "")
			}
		}
		rows = append(rows, row)
	}
	return writeCSV(path, rows)
}
