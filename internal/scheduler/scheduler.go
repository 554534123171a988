// Package scheduler drives a benchmark sweep across the testbed.
//
// Every (nodes, rate, attack) tuple is configured once and then run the
// configured number of times. A run goes through launch, observe, teardown
// and collect. Any failure inside a tuple force-kills the selected hosts and
// the sweep moves on to the next repetition or tuple.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/committee"
	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/keys"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/logs"
	"github.com/corvohq/dagbench/internal/observability"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/report"
	"github.com/corvohq/dagbench/internal/resolver"
	"github.com/corvohq/dagbench/internal/results"
)

// Config holds sweep configuration.
type Config struct {
	Bench config.BenchParameters
	Node  config.NodeParameters

	Debug    bool // run nodes with -vvv
	Rebuild  bool // pull and rebuild before each tuple
	Progress bool // count commits in the first primary's log while observing

	WorkDir    string // where key, committee and parameter files live (default ".")
	LogsDir    string // local logs directory (default "logs")
	ResultsDir string // result files and latency exports (default "results")

	ObserveSteps    int           // sleep increments per run (default 20)
	ProgressEvery   int           // log progress every N steps (default 5)
	KillGrace       time.Duration // wait after the pre-launch kill (default 2s)
	SettleDelay     time.Duration // wait before checking started instances (default 2s)
	TeardownTimeout time.Duration // bound on the kill after an interrupt (default 60s)

	// Out receives report blocks (default stdout).
	Out io.Writer
	// Sleep waits between observe steps; nil sleeps on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Node:            config.DefaultNodeParameters(),
		WorkDir:         ".",
		LogsDir:         lifecycle.LogsDir,
		ResultsDir:      lifecycle.ResultsDir,
		ObserveSteps:    20,
		ProgressEvery:   5,
		KillGrace:       2 * time.Second,
		SettleDelay:     2 * time.Second,
		TeardownTimeout: 60 * time.Second,
	}
}

// Deps are the collaborators of a sweep. History and Archive are optional.
type Deps struct {
	Settings *config.Settings
	Remote   remote.Executor
	Resolver resolver.Resolver
	Keys     *keys.Generator // nil builds a generator over WorkDir
	History  *results.DB
	Archive  *archive.Archive
}

// ErrInconsistentLogs wraps a reconciliation that found a worker and its
// client disagreeing about the samples of a run.
var ErrInconsistentLogs = errors.New("inconsistent logs")

// Failure is one failed tuple or repetition.
type Failure struct {
	Nodes      int
	Rate       int
	Attack     config.Attack
	Repetition int // 0 when the tuple failed before its first run
	Err        error
}

// Kind classifies the failure by the layer that produced it.
func (f Failure) Kind() string {
	switch {
	case config.IsConfigError(f.Err):
		return "config"
	case remote.IsRemoteError(f.Err), errors.Is(f.Err, remote.ErrTransferTimeout):
		return "remote"
	case logs.IsParseError(f.Err):
		return "parse"
	case errors.Is(f.Err, ErrInconsistentLogs):
		return "logs"
	case errors.Is(f.Err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}

func (f Failure) String() string {
	rep := "configure"
	if f.Repetition > 0 {
		rep = "run " + strconv.Itoa(f.Repetition)
	}
	return fmt.Sprintf("nodes=%d rate=%d attack=%s %s (%s): %v", f.Nodes, f.Rate, f.Attack, rep, f.Kind(), f.Err)
}

// Tally is the outcome of a sweep.
type Tally struct {
	SweepID   string
	Succeeded int
	Failed    int
	Failures  []Failure
}

// Scheduler runs one sweep.
type Scheduler struct {
	deps   Deps
	config Config
	ctl    *lifecycle.Controller
	keys   *keys.Generator
	repo   string
	now    func() time.Time

	hosts   []config.Host
	sweepID string
}

type tuple struct {
	nodes  int
	rate   int
	attack config.Attack
}

func (t tuple) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("nodes", t.nodes),
		attribute.Int("rate", t.rate),
		attribute.String("attack", t.attack.String()),
	}
}

// New creates a Scheduler. Zero-valued config fields take their defaults.
func New(deps Deps, config Config) *Scheduler {
	def := DefaultConfig()
	if config.WorkDir == "" {
		config.WorkDir = def.WorkDir
	}
	if config.LogsDir == "" {
		config.LogsDir = def.LogsDir
	}
	if config.ResultsDir == "" {
		config.ResultsDir = def.ResultsDir
	}
	if config.ObserveSteps == 0 {
		config.ObserveSteps = def.ObserveSteps
	}
	if config.ProgressEvery == 0 {
		config.ProgressEvery = def.ProgressEvery
	}
	if config.KillGrace == 0 {
		config.KillGrace = def.KillGrace
	}
	if config.SettleDelay == 0 {
		config.SettleDelay = def.SettleDelay
	}
	if config.TeardownTimeout == 0 {
		config.TeardownTimeout = def.TeardownTimeout
	}
	if config.Out == nil {
		config.Out = os.Stdout
	}
	if config.Sleep == nil {
		config.Sleep = sleep
	}

	repo := deps.Settings.Repo.Name
	gen := deps.Keys
	if gen == nil {
		gen = &keys.Generator{Dir: config.WorkDir, Remote: deps.Remote, Repo: repo}
	}
	return &Scheduler{
		deps:   deps,
		config: config,
		ctl: lifecycle.New(deps.Remote, deps.Resolver, lifecycle.Config{
			Repo:        repo,
			SettleDelay: config.SettleDelay,
		}),
		keys: gen,
		repo: repo,
		now:  time.Now,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the sweep. Invalid parameters and a host pool too small for
// the sweep are reported before any remote action. A cancelled context
// stops the sweep after a bounded kill of every selected host.
func (s *Scheduler) Run(ctx context.Context) (Tally, error) {
	bench := s.config.Bench
	if err := bench.Validate(); err != nil {
		return Tally{}, err
	}
	s.config.Bench = bench
	if err := s.config.Node.Validate(); err != nil {
		return Tally{}, err
	}
	hosts, err := s.deps.Settings.SelectHosts(bench)
	if err != nil {
		return Tally{}, err
	}
	s.hosts = hosts
	if s.keys.Host.Hostname == "" {
		s.keys.Host = hosts[0]
	}
	if s.keys.Repo == "" {
		s.keys.Repo = s.repo
	}

	s.sweepID = uuid.NewString()
	tally := Tally{SweepID: s.sweepID}
	ctx, span := observability.Start(ctx, "sweep",
		attribute.String("sweep_id", s.sweepID),
		attribute.Int("hosts", len(hosts)),
		attribute.Int("runs", bench.Runs))
	defer span.End()

	slog.Info("sweep started", "sweep_id", s.sweepID, "hosts", len(hosts),
		"nodes", []int(bench.Nodes), "rates", []int(bench.Rate), "runs", bench.Runs)

	for _, n := range bench.Nodes {
		for _, rate := range bench.Rate {
			for _, attack := range bench.Attacks() {
				if err := s.runTuple(ctx, tuple{nodes: n, rate: rate, attack: attack}, &tally); err != nil {
					s.killAll()
					slog.Warn("sweep interrupted", "sweep_id", s.sweepID,
						"succeeded", tally.Succeeded, "failed", tally.Failed)
					return tally, err
				}
			}
		}
	}

	slog.Info("sweep finished", "sweep_id", s.sweepID, "succeeded", tally.Succeeded, "failed", tally.Failed)
	for _, f := range tally.Failures {
		slog.Warn("failed benchmark", "detail", f.String())
	}
	return tally, nil
}

// runTuple returns an error only when the sweep must stop.
func (s *Scheduler) runTuple(ctx context.Context, t tuple, tally *Tally) error {
	ctx, span := observability.Start(ctx, "tuple", t.attrs()...)
	defer span.End()

	var c *committee.Committee
	err := s.phase(ctx, "configure", func(ctx context.Context) error {
		var err error
		c, err = s.configure(ctx, t)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(ctx, tally, Failure{Nodes: t.nodes, Rate: t.rate, Attack: t.attack, Err: err}, nil)
		return nil
	}

	prepared := false
	runs := s.config.Bench.Runs
	for rep := 1; rep <= runs; rep++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("running benchmark", "nodes", t.nodes, "rate", t.rate, "attack", t.attack, "run", fmt.Sprintf("%d/%d", rep, runs))
		if err := s.runOnce(ctx, t, rep, c, &prepared); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.fail(ctx, tally, Failure{Nodes: t.nodes, Rate: t.rate, Attack: t.attack, Repetition: rep, Err: err}, c)
			continue
		}
		tally.Succeeded++
	}
	return nil
}

func (s *Scheduler) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := observability.Start(ctx, name)
	err := fn(ctx)
	observability.End(span, err)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, tally *Tally, f Failure, c *committee.Committee) {
	tally.Failed++
	tally.Failures = append(tally.Failures, f)
	slog.Error("benchmark failed", "nodes", f.Nodes, "rate", f.Rate, "attack", f.Attack, "run", f.Repetition, "kind", f.Kind(), "error", f.Err)
	s.ctl.Kill(ctx, s.hosts, lifecycle.KillOptions{Committee: c, Faults: s.config.Bench.Faults})
}

func (s *Scheduler) killAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.TeardownTimeout)
	defer cancel()
	s.ctl.Kill(ctx, s.hosts, lifecycle.KillOptions{})
}

// configure makes sure keys exist, writes the committee and parameter files,
// uploads them with the keys to every selected host and returns the
// committee truncated to the tuple's node count.
func (s *Scheduler) configure(ctx context.Context, t tuple) (*committee.Committee, error) {
	bench := s.config.Bench
	total := bench.MaxNodes()

	outcome := s.keys.Ensure(ctx, total)
	if err := outcome.Err(); err != nil {
		return nil, err
	}
	if outcome.Kind == keys.RemoteFallbackUsed {
		slog.Warn("keys generated on remote host", "host", s.keys.Host.Hostname, "reason", outcome.Reason)
	}
	names := make([]string, len(outcome.Keys))
	for i, k := range outcome.Keys {
		names[i] = k.Name
	}

	layout, err := committee.Layout(s.hosts, total, bench.Workers, bench.Collocate)
	if err != nil {
		return nil, err
	}
	full, err := committee.New(names, layout, s.deps.Settings.BasePort)
	if err != nil {
		return nil, err
	}

	committeePath := filepath.Join(s.config.WorkDir, lifecycle.CommitteeFile)
	if err := full.Save(committeePath); err != nil {
		return nil, fmt.Errorf("write committee: %w", err)
	}
	paramsPath := filepath.Join(s.config.WorkDir, lifecycle.ParametersFile)
	if err := s.config.Node.Save(paramsPath); err != nil {
		return nil, fmt.Errorf("write parameters: %w", err)
	}

	files := map[string]string{
		committeePath: lifecycle.CommitteeFile,
		paramsPath:    lifecycle.ParametersFile,
	}
	for i := 0; i < total; i++ {
		files[filepath.Join(s.config.WorkDir, lifecycle.KeyFile(i))] = lifecycle.KeyFile(i)
	}
	if err := s.upload(ctx, files); err != nil {
		return nil, err
	}
	return full.Truncate(t.nodes)
}

func (s *Scheduler) upload(ctx context.Context, files map[string]string) error {
	outs := make([]remote.Result, len(s.hosts))
	var wg sync.WaitGroup
	for i, h := range s.hosts {
		wg.Add(1)
		go func(i int, h config.Host) {
			defer wg.Done()
			outs[i].Host = h
			for local, name := range files {
				if err := s.deps.Remote.Upload(ctx, h, local, path.Join(s.repo, name)); err != nil {
					outs[i].Err = fmt.Errorf("upload %s: %w", name, err)
					return
				}
			}
		}(i, h)
	}
	wg.Wait()

	var failed []remote.Result
	for _, r := range outs {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		return &remote.RemoteError{Command: "upload configuration", Failures: failed}
	}
	slog.Info("configuration uploaded", "hosts", len(s.hosts), "files", len(files))
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context, t tuple, rep int, c *committee.Committee, prepared *bool) (err error) {
	bench := s.config.Bench
	run := results.Run{
		ID:         uuid.NewString(),
		SweepID:    s.sweepID,
		StartedAt:  s.now(),
		Faults:     bench.Faults,
		Nodes:      t.nodes,
		Workers:    bench.Workers,
		Collocate:  bench.Collocate,
		Rate:       t.rate,
		TxSize:     bench.TxSize,
		Duration:   bench.Duration,
		Attack:     t.attack.String(),
		Repetition: rep,
	}
	defer func() {
		run.FinishedAt = s.now()
		run.Success = err == nil
		if err != nil {
			run.Error = err.Error()
		}
		s.record(context.WithoutCancel(ctx), run)
	}()

	if err := s.phase(ctx, "launch", func(ctx context.Context) error { return s.launch(ctx, t, c, prepared) }); err != nil {
		return err
	}
	if err := s.phase(ctx, "observe", func(ctx context.Context) error { return s.observe(ctx, c) }); err != nil {
		return err
	}
	if err := s.phase(ctx, "teardown", func(ctx context.Context) error {
		s.ctl.Kill(ctx, s.hosts, lifecycle.KillOptions{Committee: c, Faults: bench.Faults})
		return ctx.Err()
	}); err != nil {
		return err
	}
	return s.phase(ctx, "collect", func(ctx context.Context) error { return s.collect(ctx, t, c, &run) })
}

func (s *Scheduler) record(ctx context.Context, run results.Run) {
	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Record(ctx, run); err != nil {
		slog.Warn("could not record run in history", "run_id", run.ID, "error", err)
	}
}

// launch toggles the attack and rebuilds once per tuple, then clears any
// previous run and starts clients, primaries and workers in that order.
func (s *Scheduler) launch(ctx context.Context, t tuple, c *committee.Committee, prepared *bool) error {
	bench := s.config.Bench
	if !*prepared {
		if t.attack != config.AttackUnchanged {
			if err := s.setAttack(ctx, t.attack == config.AttackEnabled); err != nil {
				return err
			}
		}
		if s.config.Rebuild {
			slog.Info("updating and rebuilding", "hosts", len(s.hosts), "branch", s.deps.Settings.Repo.Branch)
			cmd := remote.Static(lifecycle.Update(s.deps.Settings.Repo))
			if _, err := remote.RunOnHosts(ctx, s.deps.Remote, s.hosts, cmd, remote.Strict); err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
		}
		*prepared = true
	}

	s.ctl.Kill(ctx, s.hosts, lifecycle.KillOptions{Committee: c, Faults: bench.Faults, DeleteLogs: true})
	if err := s.config.Sleep(ctx, s.config.KillGrace); err != nil {
		return err
	}

	s.ctl.StartRole(ctx, lifecycle.RoleClient, lifecycle.ClientInstances(c, bench.Faults, bench.TxSize, t.rate), s.hosts)
	s.ctl.StartRole(ctx, lifecycle.RolePrimary, lifecycle.PrimaryInstances(c, bench.Faults, s.config.Debug), s.hosts)
	s.ctl.StartRole(ctx, lifecycle.RoleWorker, lifecycle.WorkerInstances(c, bench.Faults, s.config.Debug), s.hosts)
	return ctx.Err()
}

func (s *Scheduler) setAttack(ctx context.Context, enabled bool) error {
	slog.Info("setting network interrupt toggle", "enabled", enabled)
	cmd := remote.Static(lifecycle.SetAttack(s.repo, enabled))
	outs, _ := remote.RunOnHosts(ctx, s.deps.Remote, s.hosts, cmd, remote.Tolerant)
	var failed []remote.Result
	for _, r := range outs {
		switch {
		case r.Err == nil && r.ExitCode == lifecycle.AttackFileMissing:
			slog.Warn("attack source not found; toggle unchanged", "host", r.Host.Hostname, "file", lifecycle.AttackFile(s.repo))
		case r.Failed():
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		return &remote.RemoteError{Command: cmd(failed[0].Host), Failures: failed}
	}
	return nil
}

// observe waits for the run duration in fixed steps.
func (s *Scheduler) observe(ctx context.Context, c *committee.Committee) error {
	steps := s.config.ObserveSteps
	duration := s.config.Bench.Duration
	step := time.Duration(math.Ceil(float64(duration)/float64(steps))) * time.Second
	slog.Info("observing benchmark", "duration_s", duration, "steps", steps)

	for i := 0; i < steps; i++ {
		if err := s.config.Sleep(ctx, step); err != nil {
			return err
		}
		if (i+1)%s.config.ProgressEvery != 0 {
			continue
		}
		attrs := []any{"progress_pct", (i + 1) * 100 / steps}
		if s.config.Progress {
			if n, ok := s.committed(ctx, c); ok {
				attrs = append(attrs, "committed", n)
			}
		}
		slog.Info("benchmark progress", attrs...)
	}
	return nil
}

// committed counts commit lines in the first non-faulty primary's log.
func (s *Scheduler) committed(ctx context.Context, c *committee.Committee) (int, bool) {
	addrs := c.PrimaryAddresses(s.config.Bench.Faults)
	if len(addrs) == 0 {
		return 0, false
	}
	h, err := s.deps.Resolver.Resolve(addrs[0], s.hosts)
	if err != nil {
		return 0, false
	}
	cmd := lifecycle.InRepo(s.repo, lifecycle.CountLines(lifecycle.RemoteLog(lifecycle.PrimaryLogName(0)), "Committed"))
	res := s.deps.Remote.Run(ctx, h, cmd)
	if res.Failed() {
		slog.Debug("progress poll failed", "host", h.Hostname, "error", res.Detail())
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, false
	}
	return n, true
}

// collect downloads the logs of every non-faulty instance, reconciles them
// and writes the report. Logs that contradict each other fail the run
// instead of the sweep.
func (s *Scheduler) collect(ctx context.Context, t tuple, c *committee.Committee, run *results.Run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrInconsistentLogs, p)
		}
	}()
	bench := s.config.Bench
	if err := logs.ClearDir(s.config.LogsDir); err != nil {
		return fmt.Errorf("clear logs dir: %w", err)
	}
	if err := os.MkdirAll(s.config.LogsDir, 0o755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	var instances []lifecycle.Instance
	instances = append(instances, lifecycle.PrimaryInstances(c, bench.Faults, false)...)
	instances = append(instances, lifecycle.WorkerInstances(c, bench.Faults, false)...)
	instances = append(instances, lifecycle.ClientInstances(c, bench.Faults, bench.TxSize, t.rate)...)
	s.download(ctx, instances)

	bundle, err := logs.LoadDir(s.config.LogsDir)
	if err != nil {
		return err
	}
	res, err := logs.Reconcile(bundle, bench.Faults)
	if err != nil {
		return err
	}
	summary := res.Summary()
	fmt.Fprint(s.config.Out, report.Format(summary))

	resultPath := filepath.Join(s.config.ResultsDir, lifecycle.ResultFile(bench.Faults, t.nodes, bench.Workers, bench.Collocate, t.rate, bench.TxSize))
	if err := report.Append(resultPath, summary); err != nil {
		return err
	}
	_, records := res.EndToEndLatency()
	csvPath := filepath.Join(s.config.ResultsDir, lifecycle.LatencyCSV(s.now(), run.ID))
	if err := report.WriteLatencyCSV(csvPath, records); err != nil {
		slog.Warn("could not write latency csv", "path", csvPath, "error", err)
	}
	run.SetMetrics(summary)
	run.ResultFile = resultPath

	if s.deps.Archive != nil {
		if _, err := s.deps.Archive.PutBundle(run.ID, bundle); err != nil {
			slog.Warn("could not archive logs", "run_id", run.ID, "error", err)
		} else {
			run.Archived = true
		}
	}
	slog.Info("run collected", "run_id", run.ID, "result_file", resultPath,
		"consensus_tps", report.Round(summary.ConsensusTPS), "e2e_latency_ms", report.Round(summary.EndToEndLatencyMs))
	return nil
}

func (s *Scheduler) download(ctx context.Context, instances []lifecycle.Instance) {
	var wg sync.WaitGroup
	for _, inst := range instances {
		h, err := s.deps.Resolver.Resolve(inst.Address, s.hosts)
		if err != nil {
			slog.Warn("no host for log", "instance", inst.Name, "address", inst.Address, "error", err)
			continue
		}
		wg.Add(1)
		go func(inst lifecycle.Instance, h config.Host) {
			defer wg.Done()
			local := filepath.Join(s.config.LogsDir, path.Base(inst.LogFile))
			err := s.deps.Remote.Download(ctx, h, path.Join(s.repo, inst.LogFile), local)
			switch {
			case err == nil:
			case inst.Role == lifecycle.RolePrimary:
				slog.Warn("primary log missing", "instance", inst.Name, "host", h.Hostname, "error", err)
			case errors.Is(err, remote.ErrRemoteMissing):
				slog.Debug("log not present", "instance", inst.Name, "host", h.Hostname)
			default:
				slog.Warn("log download failed", "instance", inst.Name, "host", h.Hostname, "error", err)
			}
		}(inst, h)
	}
	wg.Wait()
}
