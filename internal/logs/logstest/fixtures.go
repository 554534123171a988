// Package logstest builds well-formed node logs for tests.
package logstest

import (
	"fmt"
	"strings"
)

// Digests used by Run.
const (
	DigestA = "ZGlnZXN0MQ=="
	DigestB = "ZGlnZXN0Mg=="
)

func line(sec float64, target, msg string) string {
	return fmt.Sprintf("[2021-06-01T12:00:%06.3fZ INFO  %s] %s\n", sec, target, msg)
}

// Client renders a client log sending the given sample transaction ids at
// 0.1 s intervals, starting at 0.1 s.
func Client(size, rate int, samples ...int) string {
	var b strings.Builder
	b.WriteString(line(0, "benchmark_client", fmt.Sprintf("Transactions size: %d B", size)))
	b.WriteString(line(0, "benchmark_client", fmt.Sprintf("Transactions rate: %d tx/s", rate)))
	b.WriteString(line(0, "benchmark_client", "Start sending transactions"))
	for i, tx := range samples {
		b.WriteString(line(0.1*float64(i+1), "benchmark_client", fmt.Sprintf("Sending sample transaction %d", tx)))
	}
	return b.String()
}

// Primary renders a primary log that proposes DigestA at 0.5 s and DigestB
// at 0.6 s and commits them at 1.5 s and 1.8 s.
func Primary(ip string) string {
	var b strings.Builder
	for _, m := range []string{
		"Header size set to 1000 B",
		"Max header delay set to 200 ms",
		"Garbage collection depth set to 50 rounds",
		"Sync retry delay set to 10000 ms",
		"Sync retry nodes set to 3 nodes",
		"Batch size set to 500000 B",
		"Max batch delay set to 200 ms",
	} {
		b.WriteString(line(0, "node::config", m))
	}
	b.WriteString(line(0, "node", "Primary 8jmLz successfully booted on "+ip))
	b.WriteString(line(0.5, "primary::proposer", "Created B1(8jmLz) -> "+DigestA))
	b.WriteString(line(0.6, "primary::proposer", "Created B2(8jmLz) -> "+DigestB))
	b.WriteString(line(1.5, "consensus", "Committed B1(8jmLz) -> "+DigestA))
	b.WriteString(line(1.8, "consensus", "Committed B2(8jmLz) -> "+DigestB))
	return b.String()
}

// Worker renders a worker log sealing DigestA (sample txs 0 and 1) and
// DigestB (sample tx 2).
func Worker(ip string) string {
	var b strings.Builder
	b.WriteString(line(0, "node", "Worker 0 successfully booted on "+ip))
	b.WriteString(line(0.4, "worker::processor", "Batch "+DigestA+" contains 512000 B"))
	b.WriteString(line(0.4, "worker::processor", "Batch "+DigestA+" contains sample tx 0"))
	b.WriteString(line(0.4, "worker::processor", "Batch "+DigestA+" contains sample tx 1"))
	b.WriteString(line(0.4, "worker::processor", "Batch "+DigestB+" contains 256000 B"))
	b.WriteString(line(0.4, "worker::processor", "Batch "+DigestB+" contains sample tx 2"))
	return b.String()
}
