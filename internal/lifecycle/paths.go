package lifecycle

import (
	"fmt"
	"path"
	"time"
)

// File and directory names shared with the node binary. They are relative
// to the repository checkout on a remote host, or to the working directory
// locally.
const (
	CommitteeFile  = ".committee.json"
	ParametersFile = ".parameters.json"
	LogsDir        = "logs"
	ResultsDir     = "results"
	ScriptsDir     = ".dagbench"
)

func KeyFile(i int) string {
	return fmt.Sprintf(".node-%d.json", i)
}

// PrimaryDB is the storage directory of node i's primary.
func PrimaryDB(i int) string {
	return fmt.Sprintf(".db-%d", i)
}

// WorkerDB is the storage directory of worker j of node i.
func WorkerDB(i, j int) string {
	return fmt.Sprintf(".db-%d-%d", i, j)
}

func PrimaryLogName(i int) string {
	return fmt.Sprintf("primary-%d.log", i)
}

func WorkerLogName(i, j int) string {
	return fmt.Sprintf("worker-%d-%d.log", i, j)
}

func ClientLogName(i, j int) string {
	return fmt.Sprintf("client-%d-%d.log", i, j)
}

// RemoteLog is the path of a log file relative to the repository checkout.
func RemoteLog(name string) string {
	return path.Join(LogsDir, name)
}

// ResultFile names the append-only result file of one run configuration.
func ResultFile(faults, nodes, workers int, collocate bool, rate, txSize int) string {
	return fmt.Sprintf("bench-%d-%d-%d-%s-%d-%d.txt", faults, nodes, workers, PyBool(collocate), rate, txSize)
}

// LatencyCSV names the per-transaction latency export written at t. A
// non-empty runID adds its first eight characters so repetitions finishing
// within the same second get their own file.
func LatencyCSV(t time.Time, runID string) string {
	name := "e2e_latency_" + t.Format("20060102_150405")
	if runID != "" {
		if len(runID) > 8 {
			runID = runID[:8]
		}
		name += "_" + runID
	}
	return name + ".csv"
}

// PyBool renders a boolean the way existing result files and reports spell
// it.
func PyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
