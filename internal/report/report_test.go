package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/logs"
)

func testSummary() logs.Summary {
	return logs.Summary{
		Faults:             0,
		CommitteeSize:      4,
		WorkersPerNode:     1,
		Collocate:          true,
		InputRate:          50000,
		TxSize:             512,
		Duration:           29.6,
		Node:               config.DefaultNodeParameters(),
		ConsensusTPS:       49876.4,
		ConsensusBPS:       25536716.8,
		ConsensusLatencyMs: 612.5,
		EndToEndTPS:        49001.2,
		EndToEndBPS:        25088614.4,
		EndToEndLatencyMs:  1003.5,
	}
}

func TestThousands(t *testing.T) {
	for in, want := range map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-9876543: "-9,876,543",
	} {
		if got := Thousands(in); got != want {
			t.Errorf("Thousands(%d) = %q, want %q", in, got, want)
		}
	}
	if Round(2.5) != 2 || Round(3.5) != 4 {
		t.Errorf("Round does not round half to even")
	}
}

func TestFormat(t *testing.T) {
	want := "\n" +
		"-----------------------------------------\n" +
		" SUMMARY:\n" +
		"-----------------------------------------\n" +
		" + CONFIG:\n" +
		" Faults: 0 node(s)\n" +
		" Committee size: 4 node(s)\n" +
		" Worker(s) per node: 1 worker(s)\n" +
		" Collocate primary and workers: True\n" +
		" Input rate: 50,000 tx/s\n" +
		" Transaction size: 512 B\n" +
		" Execution time: 30 s\n" +
		"\n" +
		" Header size: 1,000 B\n" +
		" Max header delay: 200 ms\n" +
		" GC depth: 50 round(s)\n" +
		" Sync retry delay: 10,000 ms\n" +
		" Sync retry nodes: 3 node(s)\n" +
		" batch size: 500,000 B\n" +
		" Max batch delay: 200 ms\n" +
		"\n" +
		" + RESULTS:\n" +
		" Consensus TPS: 49,876 tx/s\n" +
		" Consensus BPS: 25,536,717 B/s\n" +
		" Consensus latency: 612 ms\n" +
		"\n" +
		" End-to-end TPS: 49,001 tx/s\n" +
		" End-to-end BPS: 25,088,614 B/s\n" +
		" End-to-end latency: 1,004 ms\n" +
		"-----------------------------------------\n"
	if got := Format(testSummary()); got != want {
		t.Errorf("Format mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestAppendNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "bench-0-4-1-True-50000-512.txt")
	first := testSummary()
	second := testSummary()
	second.ConsensusTPS = 1

	if err := Append(path, first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := Append(path, second); err != nil {
		t.Fatalf("Append: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	if !strings.HasPrefix(got, Format(first)) {
		t.Error("first block was overwritten")
	}
	if got != Format(first)+Format(second) {
		t.Errorf("file does not hold both blocks in order:\n%s", got)
	}
	if n := strings.Count(got, " SUMMARY:"); n != 2 {
		t.Errorf("blocks = %d, want 2", n)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestWriteLatencyCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latency.csv")
	err := WriteLatencyCSV(path, []logs.LatencyRecord{
		{TxID: 7, Start: 100.25, End: 101.5, Latency: 1.25, StartRelative: 0.25, EndRelative: 1.5},
	})
	if err != nil {
		t.Fatalf("WriteLatencyCSV: %v", err)
	}
	rows := readCSV(t, path)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if strings.Join(rows[0], ",") != "tx_id,start_time,end_time,latency_ms,start_time_relative_sec,end_time_relative_sec" {
		t.Errorf("header = %v", rows[0])
	}
	if strings.Join(rows[1], ",") != "7,100.25,101.5,1250,0.25,1.5" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestWriteRoundsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rounds.csv")
	err := WriteRoundsCSV(path, []logs.Round{
		{Node: 0, Number: 1, Start: "2021-06-01T12:00:01.000Z", Certificates: []logs.Certificate{
			{Origin: "alice", DeltaMs: 12.3456}, {Origin: "bob", DeltaMs: 0},
		}},
		{Node: 0, Number: 2, Start: "2021-06-01T12:00:02.000Z"},
	})
	if err != nil {
		t.Fatalf("WriteRoundsCSV: %v", err)
	}
	rows := readCSV(t, path)
	want := [][]string{
		{"Node_ID", "Round", "Round_Start_Time", "Certificate_Count", "Certificate_1_Time_Delta_ms", "Certificate_1_Origin", "Certificate_2_Time_Delta_ms", "Certificate_2_Origin"},
		{"0", "1", "2021-06-01T12:00:01.000Z", "2", "12.346", "alice", "0.000", "bob"},
		{"0", "2", "2021-06-01T12:00:02.000Z", "0", "", "", "", ""},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if strings.Join(rows[i], "|") != strings.Join(want[i], "|") {
			t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}
}

func TestAggregateSamples(t *testing.T) {
	var samples []Sample
	for _, v := range []float64{10, 30, 20, 50, 40} {
		samples = append(samples, Sample{Config: "n=4 rate=1000", ConsensusTPS: v, EndToEndLatencyMs: v * 10})
	}
	samples = append(samples, Sample{Config: "n=10 rate=1000", ConsensusTPS: 7})

	aggs := AggregateSamples(samples)
	if len(aggs) != 2 || aggs[0].Config != "n=4 rate=1000" {
		t.Fatalf("aggs = %+v", aggs)
	}
	a := aggs[0]
	if a.Runs != 5 || a.ConsensusTPS.Median != 30 || a.ConsensusTPS.P90 != 50 {
		t.Errorf("consensus tps = %+v runs = %d", a.ConsensusTPS, a.Runs)
	}
	if a.EndToEndLatency.Median != 300 {
		t.Errorf("e2e latency = %+v", a.EndToEndLatency)
	}
	if aggs[1].ConsensusTPS.Median != 7 || aggs[1].ConsensusTPS.P90 != 7 {
		t.Errorf("single run stats = %+v", aggs[1].ConsensusTPS)
	}

	var buf bytes.Buffer
	PrintAggregates(&buf, aggs)
	if !strings.Contains(buf.String(), "n=4 rate=1000 (5 run(s))") {
		t.Errorf("output = %s", buf.String())
	}
}
