package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/resolver"
	"github.com/corvohq/dagbench/internal/results"
	"github.com/corvohq/dagbench/internal/scheduler"
)

var (
	paramsFile        string
	runDebug          bool
	bestEffortResolve bool
	runProgress       bool
	runRebuild        bool
	resultsDir        string
	logsDir           string
	historyDir        string
	archiveStore      string
	archiveDir        string
	noHistory         bool
	noArchive         bool

	flagFaults    int
	flagNodes     []int
	flagWorkers   int
	flagCollocate bool
	flagRates     []int
	flagTxSize    int
	flagDuration  int
	flagRuns      int
	flagAttack    []bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a benchmark sweep on the testbed",
	Long: `Runs every (nodes, rate, trigger_attack) combination of the sweep the
configured number of times. Parameters come from --params (JSON or YAML)
or the built-in defaults; individual flags override either.`,
	RunE: runSweep,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&paramsFile, "params", "", "Parameter file (JSON or YAML) with bench and node sections")
	f.BoolVar(&runDebug, "debug", false, "Run nodes with verbose logging")
	f.BoolVar(&bestEffortResolve, "best-effort-resolve", false, "Fall back to the first host when an address matches no host")
	f.BoolVar(&runProgress, "progress", false, "Count committed certificates while observing")
	f.BoolVar(&runRebuild, "rebuild", false, "Pull and rebuild on every host before each combination")
	f.StringVar(&resultsDir, "results-dir", "results", "Directory for result files and latency exports")
	f.StringVar(&logsDir, "logs-dir", "logs", "Local directory for downloaded logs")
	f.StringVar(&historyDir, "history-dir", ".dagbench", "Directory of the run history database")
	f.StringVar(&archiveStore, "archive-store", archive.KindPebble, "Log archive backend: bolt, badger or pebble")
	f.StringVar(&archiveDir, "archive-dir", filepath.Join(".dagbench", "archive"), "Directory of the log archive")
	f.BoolVar(&noHistory, "no-history", false, "Do not record runs in the history database")
	f.BoolVar(&noArchive, "no-archive", false, "Do not archive raw logs")

	addBenchFlags(f)

	rootCmd.AddCommand(runCmd)
}

// addBenchFlags registers the flags that override single bench parameters.
func addBenchFlags(f *pflag.FlagSet) {
	f.IntVar(&flagFaults, "faults", 0, "Number of crashed nodes")
	f.IntSliceVar(&flagNodes, "nodes", nil, "Committee sizes to sweep")
	f.IntVar(&flagWorkers, "workers", 1, "Workers per node")
	f.BoolVar(&flagCollocate, "collocate", true, "Run a node's primary and workers on one host")
	f.IntSliceVar(&flagRates, "rate", nil, "Input rates (tx/s) to sweep")
	f.IntVar(&flagTxSize, "tx-size", 512, "Transaction size in bytes")
	f.IntVar(&flagDuration, "duration", 90, "Seconds each run is observed")
	f.IntVar(&flagRuns, "runs", 1, "Repetitions of each combination")
	f.BoolSliceVar(&flagAttack, "trigger-attack", nil, "Network-interrupt toggle values to sweep")
}

// sweepParameters starts from the parameter file or the defaults and applies
// every flag the user set explicitly.
func sweepParameters(cmd *cobra.Command) (config.BenchParameters, config.NodeParameters, error) {
	bench, node := config.DefaultBenchParameters(), config.DefaultNodeParameters()
	if paramsFile != "" {
		p, err := config.LoadParameters(paramsFile)
		if err != nil {
			return bench, node, err
		}
		bench, node = p.Bench, p.Node
	}

	f := cmd.Flags()
	if f.Changed("faults") {
		bench.Faults = flagFaults
	}
	if f.Changed("nodes") {
		bench.Nodes = config.IntList(flagNodes)
	}
	if f.Changed("workers") {
		bench.Workers = flagWorkers
	}
	if f.Changed("collocate") {
		bench.Collocate = flagCollocate
	}
	if f.Changed("rate") {
		bench.Rate = config.IntList(flagRates)
	}
	if f.Changed("tx-size") {
		bench.TxSize = flagTxSize
	}
	if f.Changed("duration") {
		bench.Duration = flagDuration
	}
	if f.Changed("runs") {
		bench.Runs = flagRuns
	}
	if f.Changed("trigger-attack") {
		bench.TriggerAttack = nil
		for _, v := range flagAttack {
			bench.TriggerAttack = append(bench.TriggerAttack, config.AttackFromBool(v))
		}
	}
	if err := bench.Validate(); err != nil {
		return bench, node, err
	}
	return bench, node, node.Validate()
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	bench, node, err := sweepParameters(cmd)
	if err != nil {
		return err
	}
	s, err := loadSettings()
	if err != nil {
		return err
	}
	// Host pool size is checked before any connection is opened.
	if _, err := s.SelectHosts(bench); err != nil {
		return err
	}

	pool, err := openPool(s, 0)
	if err != nil {
		return err
	}
	defer pool.Close()

	deps := scheduler.Deps{
		Settings: s,
		Remote:   pool,
		Resolver: resolver.Resolver{BestEffort: bestEffortResolve},
	}
	if !noHistory {
		history, err := results.Open(historyDir)
		if err != nil {
			return err
		}
		defer history.Close()
		deps.History = history
	}
	if !noArchive {
		arc, err := archive.Open(archiveStore, archiveDir, archive.Options{})
		if err != nil {
			return err
		}
		defer arc.Close()
		deps.Archive = arc
	}

	cfg := scheduler.DefaultConfig()
	cfg.Bench = bench
	cfg.Node = node
	cfg.Debug = runDebug
	cfg.Rebuild = runRebuild
	cfg.Progress = runProgress
	cfg.LogsDir = logsDir
	cfg.ResultsDir = resultsDir

	slog.Info("starting sweep", "settings", settingsFile, "params", paramsFile,
		"archive", !noArchive, "archive_store", archiveStore, "history", !noHistory)
	tally, err := scheduler.New(deps, cfg).Run(ctx)
	fmt.Printf("\nSweep %s: %d succeeded, %d failed\n", tally.SweepID, tally.Succeeded, tally.Failed)
	for _, f := range tally.Failures {
		fmt.Printf("  FAILED %s\n", f)
	}
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return fmt.Errorf("sweep interrupted: %w", err)
		}
		return err
	}
	if tally.Failed > 0 {
		return fmt.Errorf("%d benchmark run(s) failed", tally.Failed)
	}
	return nil
}
