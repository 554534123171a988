package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/logs"
	"github.com/corvohq/dagbench/internal/report"
	"github.com/corvohq/dagbench/internal/scheduler"
)

var (
	fetchMaxWorkers int
	fetchNoParse    bool
	parseFaults     int
	parseCSV        bool
	parseAppend     string
	parseRunID      string
	roundsOutput    string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Download the logs of the last run from every host, then parse them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		s, err := loadSettings()
		if err != nil {
			return err
		}
		pool, err := openPool(s, 0)
		if err != nil {
			return err
		}
		defer pool.Close()

		tally, err := scheduler.FetchLogs(ctx, pool, s.Hosts, s.Repo.Name, logsDir, fetchMaxWorkers)
		if err != nil {
			return err
		}
		fmt.Printf("Downloaded %d file(s) from %d host(s) into %s\n", tally.Files, tally.Hosts, logsDir)
		if tally.HostErrors > 0 {
			slog.Warn("some hosts failed", "hosts", tally.HostErrors)
		}
		if fetchNoParse {
			return nil
		}
		res, err := logs.Process(logsDir, parseFaults)
		if err != nil {
			return err
		}
		return reportResult(res)
	},
}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Reconcile a local logs directory (or an archived run) and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			res *logs.Result
			err error
		)
		if parseRunID == "" {
			res, err = logs.Process(logsDir, parseFaults)
		} else {
			var b *logs.Bundle
			if b, err = loadBundle(); err != nil {
				return err
			}
			res, err = logs.Reconcile(b, parseFaults)
		}
		if err != nil {
			return err
		}
		return reportResult(res)
	},
}

var roundsCmd = &cobra.Command{
	Use:   "rounds",
	Short: "Export the round and certificate timeline of every primary log as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := loadBundle()
		if err != nil {
			return err
		}
		rounds := logs.RoundsFromBundle(b)
		if len(rounds) == 0 {
			return fmt.Errorf("no round data in %d primary log(s)", len(b.Primaries))
		}
		if err := report.WriteRoundsCSV(roundsOutput, rounds); err != nil {
			return err
		}
		fmt.Printf("Wrote %d round(s) to %s\n", len(rounds), roundsOutput)
		return nil
	},
}

// loadBundle reads the archived run named by --run, or the logs directory.
func loadBundle() (*logs.Bundle, error) {
	if parseRunID == "" {
		return logs.LoadDir(logsDir)
	}
	arc, err := archive.Open(archiveStore, archiveDir, archive.Options{})
	if err != nil {
		return nil, err
	}
	defer arc.Close()
	return arc.Bundle(parseRunID)
}

func reportResult(res *logs.Result) error {
	summary := res.Summary()
	fmt.Print(report.Format(summary))

	if parseAppend != "" {
		if err := report.Append(parseAppend, summary); err != nil {
			return err
		}
		fmt.Printf("Appended to %s\n", parseAppend)
	}
	if parseCSV {
		_, records := res.EndToEndLatency()
		path := filepath.Join(resultsDir, lifecycle.LatencyCSV(time.Now(), parseRunID))
		if err := report.WriteLatencyCSV(path, records); err != nil {
			return err
		}
		fmt.Printf("Latency CSV exported to %s (%d transaction(s))\n", path, len(records))
	}
	return nil
}

func init() {
	logsCmd.Flags().IntVar(&fetchMaxWorkers, "max-workers", 1, "Worker and client logs to try per host")
	logsCmd.Flags().BoolVar(&fetchNoParse, "no-parse", false, "Only download")
	for _, c := range []*cobra.Command{logsCmd, parseCmd, roundsCmd} {
		c.Flags().StringVar(&logsDir, "logs-dir", "logs", "Local logs directory")
	}
	for _, c := range []*cobra.Command{logsCmd, parseCmd} {
		c.Flags().IntVar(&parseFaults, "faults", 0, "Number of crashed nodes in the parsed run")
		c.Flags().BoolVar(&parseCSV, "csv", true, "Write the end-to-end latency CSV")
		c.Flags().StringVar(&parseAppend, "append", "", "Also append the summary block to this result file")
		c.Flags().StringVar(&resultsDir, "results-dir", "results", "Directory for latency exports")
	}
	for _, c := range []*cobra.Command{parseCmd, roundsCmd} {
		c.Flags().StringVar(&parseRunID, "run", "", "Read an archived run instead of the logs directory")
		c.Flags().StringVar(&archiveStore, "archive-store", archive.KindPebble, "Log archive backend: bolt, badger or pebble")
		c.Flags().StringVar(&archiveDir, "archive-dir", filepath.Join(".dagbench", "archive"), "Directory of the log archive")
	}
	roundsCmd.Flags().StringVar(&roundsOutput, "output", filepath.Join("results", "round_certificate_analysis.csv"), "CSV output path")

	rootCmd.AddCommand(logsCmd, parseCmd, roundsCmd)
}
