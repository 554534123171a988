package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/logs"
	"github.com/corvohq/dagbench/internal/report"
	"github.com/corvohq/dagbench/internal/results"
	"github.com/corvohq/dagbench/internal/server"
)

var (
	historyLimit  int
	historyNodes  int
	historyRate   int
	historySweep  string
	outputJSON    bool
	bindAddr      string
	authPublicKey string
	serveArchive  bool
	rateLimit     server.RateLimitConfig

	shutdownTimeout = 5 * time.Second
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs and per-configuration aggregates",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := results.Open(historyDir)
		if err != nil {
			return err
		}
		defer db.Close()
		ctx := cmd.Context()

		runs, err := db.List(ctx, results.Filter{Limit: historyLimit, Nodes: historyNodes, Rate: historyRate, SweepID: historySweep})
		if err != nil {
			return err
		}
		aggs, err := db.Aggregate(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"runs": runs, "aggregates": aggs})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tRUN\tNODES\tRATE\tATTACK\tREP\tOK\tCONS TPS\tCONS LAT\tE2E TPS\tE2E LAT")
		for _, r := range runs {
			ok := lifecycle.PyBool(r.Success)
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), shortID(r.ID), r.Nodes,
				report.Thousands(int64(r.Rate)), r.Attack, r.Repetition, ok,
				report.Thousands(report.Round(r.ConsensusTPS)), report.Thousands(report.Round(r.ConsensusLatencyMs)),
				report.Thousands(report.Round(r.EndToEndTPS)), report.Thousands(report.Round(r.EndToEndLatencyMs)))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Aggregates (successful runs):")
		report.PrintAggregates(os.Stdout, aggs)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run history and archived logs over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := results.Open(historyDir)
		if err != nil {
			return err
		}
		defer db.Close()

		var arc *archive.Archive
		if serveArchive {
			arc, err = archive.Open(archiveStore, archiveDir, archive.Options{})
			if err != nil {
				return err
			}
			defer arc.Close()
		}

		cfg := server.DefaultConfig()
		cfg.Addr = bindAddr
		cfg.RateLimit = rateLimit
		if key := envOr("DAGBENCH_AUTH_PUBLIC_KEY", authPublicKey); key != "" {
			if cfg.AuthPublicKey, err = server.ParsePublicKey(key); err != nil {
				return err
			}
		}
		srv := server.New(db, arc, cfg)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and fill the log archive",
}

func withArchive(fn func(*archive.Archive, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		arc, err := archive.Open(archiveStore, archiveDir, archive.Options{})
		if err != nil {
			return err
		}
		defer arc.Close()
		return fn(arc, args)
	}
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs",
	RunE: withArchive(func(arc *archive.Archive, _ []string) error {
		ids, err := arc.Runs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}),
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the archived files of a run",
	Args:  cobra.ExactArgs(1),
	RunE: withArchive(func(arc *archive.Archive, args []string) error {
		m, err := arc.Manifest(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Run %s archived %s\n", m.RunID, m.CreatedAt.Local().Format(time.RFC3339))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tSIZE\tSTORED\tXXHASH64")
		for _, e := range m.Files {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, report.Thousands(e.Size), report.Thousands(e.Stored), e.XXHash)
		}
		return w.Flush()
	}),
}

var archiveCatCmd = &cobra.Command{
	Use:   "cat <run-id> <file>",
	Short: "Print an archived log file",
	Args:  cobra.ExactArgs(2),
	RunE: withArchive(func(arc *archive.Archive, args []string) error {
		body, err := arc.File(args[0], args[1])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(body)
		return err
	}),
}

var archivePutCmd = &cobra.Command{
	Use:   "put <run-id>",
	Short: "Archive the local logs directory under a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := results.Open(historyDir)
		if err != nil {
			return err
		}
		defer db.Close()
		return withArchive(func(arc *archive.Archive, args []string) error {
			m, err := archiveRun(cmd.Context(), db, arc, args[0], logsDir)
			if err != nil {
				return err
			}
			fmt.Printf("Archived %d file(s) for run %s\n", len(m.Files), m.RunID)
			return nil
		})(cmd, args)
	},
}

// archiveRun stores the run logs in dir under a run already recorded in the
// history and flags the run as archived.
func archiveRun(ctx context.Context, db *results.DB, arc *archive.Archive, runID, dir string) (*archive.Manifest, error) {
	run, err := db.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Archived {
		return nil, fmt.Errorf("run %s is already archived", runID)
	}
	b, err := logs.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(b.All()) == 0 {
		return nil, fmt.Errorf("no run logs in %s", dir)
	}
	m, err := arc.PutBundle(run.ID, b)
	if err != nil {
		return nil, err
	}
	if err := db.MarkArchived(ctx, run.ID); err != nil {
		return nil, err
	}
	return m, nil
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum runs to list (0 = all)")
	historyCmd.Flags().IntVar(&historyNodes, "nodes", 0, "Only runs with this committee size")
	historyCmd.Flags().IntVar(&historyRate, "rate", 0, "Only runs with this input rate")
	historyCmd.Flags().StringVar(&historySweep, "sweep", "", "Only runs of this sweep id")
	historyCmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")

	serveCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serveCmd.Flags().StringVar(&authPublicKey, "auth-public-key", "", "Base64 Ed25519 public key; enables bearer-token auth on /api (or set DAGBENCH_AUTH_PUBLIC_KEY)")
	serveCmd.Flags().BoolVar(&serveArchive, "archive", true, "Serve archived logs")
	serveCmd.Flags().BoolVar(&rateLimit.Enabled, "rate-limit", false, "Limit /api requests per client")
	serveCmd.Flags().Float64Var(&rateLimit.RPS, "rate-limit-rps", 50, "Sustained requests per second per client")
	serveCmd.Flags().Float64Var(&rateLimit.Burst, "rate-limit-burst", 100, "Request burst per client")
	serveCmd.Flags().Float64Var(&rateLimit.FileCost, "rate-limit-file-cost", 10, "Tokens charged for one archived log download")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")

	for _, c := range []*cobra.Command{historyCmd, serveCmd, archivePutCmd} {
		c.Flags().StringVar(&historyDir, "history-dir", ".dagbench", "Directory of the run history database")
	}
	archivePutCmd.Flags().StringVar(&logsDir, "logs-dir", "logs", "Local logs directory")
	for _, c := range []*cobra.Command{serveCmd, archiveCmd} {
		c.PersistentFlags().StringVar(&archiveStore, "archive-store", "pebble", "Log archive backend: bolt, badger or pebble")
		c.PersistentFlags().StringVar(&archiveDir, "archive-dir", filepath.Join(".dagbench", "archive"), "Directory of the log archive")
	}

	archiveCmd.AddCommand(archiveListCmd, archiveShowCmd, archiveCatCmd, archivePutCmd)
	rootCmd.AddCommand(historyCmd, serveCmd, archiveCmd)
}
