package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/corvohq/dagbench/internal/archive"
	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/logs/logstest"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/remote/remotetest"
	"github.com/corvohq/dagbench/internal/results"
)

type testEnv struct {
	dir      string
	settings *config.Settings
	fake     *remotetest.Fake
	history  *results.DB
	archive  *archive.Archive
	out      bytes.Buffer
	sleeps   []time.Duration
	mu       sync.Mutex
}

func newTestEnv(t *testing.T, hosts int) *testEnv {
	t.Helper()
	env := &testEnv{dir: t.TempDir(), fake: remotetest.New()}
	env.settings = &config.Settings{
		KeyPath:  "id_ed25519",
		BasePort: 5000,
		Repo:     config.Repo{Name: "narwhal", URL: "https://example.com/narwhal.git", Branch: "main"},
	}
	for i := 0; i < hosts; i++ {
		h, err := config.NewHost(fmt.Sprintf("10.0.0.%d", i+1), "", 0, "")
		if err != nil {
			t.Fatal(err)
		}
		env.settings.Hosts = append(env.settings.Hosts, h)
		key := fmt.Sprintf(`{"name": "node-%d", "secret": "s%d"}`, i, i)
		if err := os.WriteFile(filepath.Join(env.dir, lifecycle.KeyFile(i)), []byte(key), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	env.fake.Handler = func(_ config.Host, cmd string) remote.Result {
		if strings.Contains(cmd, "nohup setsid") {
			return remote.Result{Stdout: "4242\n"}
		}
		return remote.Result{}
	}

	var err error
	if env.history, err = results.Open(filepath.Join(env.dir, "history")); err != nil {
		t.Fatalf("results.Open: %v", err)
	}
	t.Cleanup(func() { env.history.Close() })
	if env.archive, err = archive.Open(archive.KindPebble, filepath.Join(env.dir, "archive"), archive.Options{NoSync: true}); err != nil {
		t.Fatalf("archive.Open: %v", err)
	}
	t.Cleanup(func() { env.archive.Close() })
	return env
}

// putLogs makes the logs of a collocated n-node run downloadable.
func (env *testEnv) putLogs(n int) {
	for i := 0; i < n; i++ {
		h := env.settings.Hosts[i]
		ip := h.IP()
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.PrimaryLogName(i), logstest.Primary(ip))
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.WorkerLogName(i, 0), logstest.Worker(ip))
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.ClientLogName(i, 0), logstest.Client(512, 250, 0, 1, 2))
	}
}

func (env *testEnv) bench() config.BenchParameters {
	return config.BenchParameters{
		Faults:    0,
		Nodes:     config.IntList{4},
		Workers:   1,
		Collocate: true,
		Rate:      config.IntList{1000},
		TxSize:    512,
		Duration:  20,
		Runs:      1,
	}
}

func (env *testEnv) scheduler(bench config.BenchParameters, mutate func(*Config)) *Scheduler {
	cfg := Config{
		Bench:       bench,
		Node:        config.DefaultNodeParameters(),
		WorkDir:     env.dir,
		LogsDir:     filepath.Join(env.dir, "logs"),
		ResultsDir:  filepath.Join(env.dir, "results"),
		KillGrace:   time.Millisecond,
		SettleDelay: time.Millisecond,
		Out:         &env.out,
		Sleep: func(ctx context.Context, d time.Duration) error {
			env.mu.Lock()
			env.sleeps = append(env.sleeps, d)
			env.mu.Unlock()
			return ctx.Err()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(Deps{
		Settings: env.settings,
		Remote:   env.fake,
		History:  env.history,
		Archive:  env.archive,
	}, cfg)
}

func TestRunSweep(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	bench := env.bench()
	bench.Runs = 2

	tally, err := env.scheduler(bench, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tally.Succeeded != 2 || tally.Failed != 0 || tally.SweepID == "" {
		t.Fatalf("tally = %+v", tally)
	}

	// Configuration goes to every host: committee, parameters and 4 keys.
	if got := len(env.fake.Uploads()); got != 4*6 {
		t.Errorf("uploads = %d, want 24", got)
	}
	raw, err := os.ReadFile(filepath.Join(env.dir, lifecycle.CommitteeFile))
	if err != nil {
		t.Fatalf("committee file: %v", err)
	}
	if !strings.Contains(string(raw), `"node-3"`) || !strings.Contains(string(raw), "10.0.0.4:") {
		t.Errorf("committee file = %s", raw)
	}

	// Roles start as barriers: collapsing consecutive launches of one role
	// leaves exactly one client, primary, worker sequence per run.
	var order []string
	for _, c := range env.fake.Calls() {
		for _, role := range []string{"client", "primary", "worker"} {
			if strings.Contains(c.Command, "setsid bash .dagbench/"+role+"-") &&
				(len(order) == 0 || order[len(order)-1] != role) {
				order = append(order, role)
			}
		}
	}
	if got := strings.Join(order, ","); got != "client,primary,worker,client,primary,worker" {
		t.Errorf("launch order = %s", got)
	}
	if n := len(env.fake.CallsMatching("--rate 250")); n != 2*4 {
		t.Errorf("client launches at rate share 250 = %d, want 8", n)
	}
	if n := len(env.fake.CallsMatching("rm -rf logs")); n != 2*4 {
		t.Errorf("pre-launch kills deleting logs = %d, want 8", n)
	}

	resultPath := filepath.Join(env.dir, "results", "bench-0-4-1-True-1000-512.txt")
	body, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("result file: %v", err)
	}
	if n := strings.Count(string(body), " SUMMARY:"); n != 2 {
		t.Errorf("summary blocks = %d, want 2", n)
	}
	if !strings.Contains(env.out.String(), " Committee size: 4 node(s)") {
		t.Errorf("stdout report = %s", env.out.String())
	}
	csvs, _ := filepath.Glob(filepath.Join(env.dir, "results", "e2e_latency_*.csv"))
	if len(csvs) != 2 {
		t.Errorf("latency csvs = %v, want one per run", csvs)
	}

	runs, err := env.history.List(context.Background(), results.Filter{SweepID: tally.SweepID})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("history runs = %d, want 2", len(runs))
	}
	for _, r := range runs {
		if !r.Success || !r.Archived || r.ConsensusTPS <= 0 || r.ResultFile != resultPath {
			t.Errorf("history run = %+v", r)
		}
	}
	archived, err := env.archive.Runs()
	if err != nil || len(archived) != 2 {
		t.Errorf("archived runs = %v, %v", archived, err)
	}
	m, err := env.archive.Manifest(runs[0].ID)
	if err != nil || len(m.Files) != 12 {
		t.Errorf("manifest = %+v, %v", m, err)
	}
}

func TestObserveSteps(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	bench := env.bench()
	bench.Duration = 30

	if _, err := env.scheduler(bench, nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Kill grace, then 20 steps of ceil(30/20) = 2s.
	observe := 0
	for _, d := range env.sleeps {
		if d == 2*time.Second {
			observe++
		}
	}
	if observe != 20 {
		t.Errorf("observe steps = %d, want 20 (sleeps %v)", observe, env.sleeps)
	}
}

func TestProgressPolling(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	handler := env.fake.Handler
	env.fake.Handler = func(h config.Host, cmd string) remote.Result {
		if strings.Contains(cmd, "grep -c") {
			return remote.Result{Stdout: "42\n"}
		}
		return handler(h, cmd)
	}

	_, err := env.scheduler(env.bench(), func(c *Config) { c.Progress = true }).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	polls := env.fake.CallsMatching("grep -c 'Committed' 'logs/primary-0.log'")
	if len(polls) != 4 {
		t.Fatalf("progress polls = %d, want 4", len(polls))
	}
	if polls[0].Host.IP() != "10.0.0.1" {
		t.Errorf("poll host = %s, want the first primary's host", polls[0].Host)
	}
}

func TestFailedRunIsSkipped(t *testing.T) {
	env := newTestEnv(t, 4)
	// Primary logs are missing: the run fails to parse.
	for i := 0; i < 4; i++ {
		h := env.settings.Hosts[i]
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.WorkerLogName(i, 0), logstest.Worker(h.IP()))
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.ClientLogName(i, 0), logstest.Client(512, 250, 0))
	}
	bench := env.bench()
	bench.Rate = config.IntList{1000, 2000}

	tally, err := env.scheduler(bench, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tally.Succeeded != 0 || tally.Failed != 2 || len(tally.Failures) != 2 {
		t.Fatalf("tally = %+v", tally)
	}
	if tally.Failures[1].Rate != 2000 || tally.Failures[1].Repetition != 1 {
		t.Errorf("second failure = %+v", tally.Failures[1])
	}
	if !strings.Contains(tally.Failures[0].Err.Error(), "collect") {
		t.Errorf("failure = %v, want a collect error", tally.Failures[0].Err)
	}
	if tally.Failures[0].Kind() != "parse" || !strings.Contains(tally.Failures[0].String(), "(parse)") {
		t.Errorf("failure kind = %s in %s", tally.Failures[0].Kind(), tally.Failures[0])
	}

	runs, err := env.history.List(context.Background(), results.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].Success || runs[0].Error == "" {
		t.Errorf("history = %+v", runs)
	}
	if _, err := os.Stat(filepath.Join(env.dir, "results", "bench-0-4-1-True-1000-512.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("result file written for a failed run: %v", err)
	}
}

func TestInsufficientHostsBeforeRemoteAction(t *testing.T) {
	env := newTestEnv(t, 3)
	bench := env.bench()
	bench.Collocate = false

	_, err := env.scheduler(bench, nil).Run(context.Background())
	if !config.IsInsufficientHosts(err) {
		t.Fatalf("err = %v, want insufficient hosts", err)
	}
	if n := len(env.fake.Calls()) + len(env.fake.Uploads()); n != 0 {
		t.Errorf("remote actions = %d, want 0", n)
	}
}

func TestInvalidParameters(t *testing.T) {
	env := newTestEnv(t, 4)
	bench := env.bench()
	bench.Faults = 4

	_, err := env.scheduler(bench, nil).Run(context.Background())
	if !config.IsConfigError(err) {
		t.Fatalf("err = %v, want a configuration error", err)
	}
}

func TestInterruptKillsEverything(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := env.scheduler(env.bench(), func(c *Config) {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			if d == time.Second {
				cancel()
			}
			return ctx.Err()
		}
	})
	tally, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if tally.Failed != 0 {
		t.Errorf("interrupted run counted as failure: %+v", tally)
	}
	calls := env.fake.Calls()
	last := calls[len(calls)-4:]
	for _, c := range last {
		if !strings.Contains(c.Command, "pkill -9 -f") {
			t.Errorf("final command on %s = %q, want a kill", c.Host, c.Command)
		}
	}
}

func TestAttackToggle(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	handler := env.fake.Handler
	env.fake.Handler = func(h config.Host, cmd string) remote.Result {
		if strings.Contains(cmd, "TRIGGER_NETWORK_INTERRUPT") {
			return remote.Result{ExitCode: lifecycle.AttackFileMissing}
		}
		return handler(h, cmd)
	}
	bench := env.bench()
	bench.TriggerAttack = config.AttackList{config.AttackEnabled}
	bench.Runs = 2

	tally, err := env.scheduler(bench, func(c *Config) { c.Rebuild = true }).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Succeeded != 2 {
		t.Fatalf("missing attack source should only warn: %+v", tally)
	}
	if n := len(env.fake.CallsMatching("TRIGGER_NETWORK_INTERRUPT: bool = true/")); n != 4 {
		t.Errorf("attack toggles = %d, want one per host", n)
	}
	if n := len(env.fake.CallsMatching("cargo build --release --features benchmark")); n != 4 {
		t.Errorf("rebuilds = %d, want one per host per tuple", n)
	}
}

func TestRebuildFailureFailsRun(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	handler := env.fake.Handler
	env.fake.Handler = func(h config.Host, cmd string) remote.Result {
		if strings.Contains(cmd, "cargo build") && h.IP() == "10.0.0.2" {
			return remote.Result{ExitCode: 101, Stderr: "error[E0425]: cannot find value"}
		}
		return handler(h, cmd)
	}

	tally, err := env.scheduler(env.bench(), func(c *Config) { c.Rebuild = true }).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tally.Failed != 1 {
		t.Fatalf("tally = %+v", tally)
	}
	if !remote.IsRemoteError(tally.Failures[0].Err) || tally.Failures[0].Kind() != "remote" {
		t.Errorf("failure = %v (%s), want a remote error", tally.Failures[0].Err, tally.Failures[0].Kind())
	}
}

// putLogsWithout is putLogs minus the client log of node skip, the other
// clients sending the given samples.
func (env *testEnv) putLogsWithout(n, skip int, samples ...int) {
	for i := 0; i < n; i++ {
		h := env.settings.Hosts[i]
		ip := h.IP()
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.PrimaryLogName(i), logstest.Primary(ip))
		env.fake.PutFile(h, "narwhal/logs/"+lifecycle.WorkerLogName(i, 0), logstest.Worker(ip))
		if i != skip {
			env.fake.PutFile(h, "narwhal/logs/"+lifecycle.ClientLogName(i, 0), logstest.Client(512, 250, samples...))
		}
	}
}

func TestMissingClientLogPairsRemaining(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogsWithout(4, 0, 0, 1, 2)
	bench := env.bench()
	bench.Rate = config.IntList{1000, 2000}

	tally, err := env.scheduler(bench, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tally.Succeeded != 2 || tally.Failed != 0 {
		t.Fatalf("tally = %+v, want both rates measured", tally)
	}
	runs, err := env.history.List(context.Background(), results.Filter{SweepID: tally.SweepID})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if r.EndToEndLatencyMs <= 0 {
			t.Errorf("run %s e2e latency = %v, want the three paired clients measured", r.ID, r.EndToEndLatencyMs)
		}
	}
}

func TestInconsistentLogsFailRunNotSweep(t *testing.T) {
	env := newTestEnv(t, 4)
	// Workers report samples 0..2, clients only ever sent sample 0.
	env.putLogsWithout(4, 0, 0)
	bench := env.bench()
	bench.Rate = config.IntList{1000, 2000}

	var (
		tally Tally
		err   error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				t.Fatalf("Run panicked: %v", p)
			}
		}()
		tally, err = env.scheduler(bench, nil).Run(context.Background())
	}()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tally.Failed != 2 || len(tally.Failures) != 2 {
		t.Fatalf("tally = %+v, want both rates attempted and failed", tally)
	}
	if tally.Failures[1].Rate != 2000 {
		t.Errorf("second failure = %+v, want the 2000 tx/s tuple", tally.Failures[1])
	}
	for _, f := range tally.Failures {
		if !errors.Is(f.Err, ErrInconsistentLogs) || f.Kind() != "logs" {
			t.Errorf("failure = %v (%s), want inconsistent logs", f.Err, f.Kind())
		}
	}
	// Each failure kills every host before the next tuple.
	if n := len(env.fake.CallsMatching("pkill -9 -f")); n < 2*4 {
		t.Errorf("kills = %d, want at least one per host per failure", n)
	}
}

func TestCollectKeepsForeignFilesInLogsDir(t *testing.T) {
	env := newTestEnv(t, 4)
	env.putLogs(4)
	logsDir := filepath.Join(env.dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	keep := map[string]string{
		".node-0.json": `{"name": "node-0"}`,
		"notes.txt":    "ssh tunnel notes",
	}
	for name, body := range keep {
		if err := os.WriteFile(filepath.Join(logsDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := filepath.Join(logsDir, "client-9-0.log")
	if err := os.WriteFile(stale, []byte(logstest.Client(512, 250, 0)), 0o644); err != nil {
		t.Fatal(err)
	}

	tally, err := env.scheduler(env.bench(), func(c *Config) { c.LogsDir = logsDir }).Run(context.Background())
	if err != nil || tally.Succeeded != 1 {
		t.Fatalf("Run = %+v, %v", tally, err)
	}
	for name, body := range keep {
		got, err := os.ReadFile(filepath.Join(logsDir, name))
		if err != nil || string(got) != body {
			t.Errorf("%s after run = %q, %v", name, got, err)
		}
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale log from an earlier run survived: %v", err)
	}
}
