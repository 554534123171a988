// Package lifecycle starts, verifies and stops benchmark role instances on
// remote hosts.
//
// Every instance is launched detached through a small wrapper script so it
// outlives the SSH session that started it. Roles are started as barriers:
// StartRole returns only once every instance of the role has been launched
// and checked.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/corvohq/dagbench/internal/committee"
	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/resolver"
)

// State is the lifecycle state of one role instance.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Verified
	StartFailed
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Verified:
		return "verified"
	case StartFailed:
		return "start_failed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Role is a kind of process in a run.
type Role string

const (
	RoleClient  Role = "client"
	RolePrimary Role = "primary"
	RoleWorker  Role = "worker"
)

// Instance describes one process to launch.
type Instance struct {
	Name    string // script and log base name, e.g. "worker-0-1"
	Role    Role
	Address string // address used to find the owning host
	Command string
	LogFile string // relative to the checkout
	Store   string // storage directory removed before launch, may be empty
}

// Started is the outcome of launching an instance.
type Started struct {
	Instance Instance
	Host     config.Host
	PID      int
	State    State
	Err      error
}

// Config holds controller configuration.
type Config struct {
	Repo        string        // checkout directory on every host
	SettleDelay time.Duration // wait before checking liveness (default 2s)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{SettleDelay: 2 * time.Second}
}

// Controller launches and stops role instances.
type Controller struct {
	runner   remote.Runner
	resolver resolver.Resolver
	config   Config
}

// New creates a Controller.
func New(r remote.Runner, res resolver.Resolver, config Config) *Controller {
	if config.SettleDelay == 0 {
		config.SettleDelay = DefaultConfig().SettleDelay
	}
	return &Controller{runner: r, resolver: res, config: config}
}

func (c *Controller) scriptPath(inst Instance) string {
	return path.Join(ScriptsDir, inst.Name+".sh")
}

func wrapperScript(inst Instance) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", remote.ShellQuote(path.Dir(inst.LogFile)))
	if inst.Store != "" {
		fmt.Fprintf(&b, "rm -rf %s\n", remote.ShellQuote(inst.Store))
	}
	fmt.Fprintf(&b, "exec %s > %s 2>&1\n", inst.Command, remote.ShellQuote(inst.LogFile))
	return b.String()
}

// Start writes the wrapper script for inst on host and launches it detached.
func (c *Controller) Start(ctx context.Context, host config.Host, inst Instance) Started {
	st := Started{Instance: inst, Host: host, State: Starting}
	script := c.scriptPath(inst)
	cmd := strings.Join([]string{
		"cd " + remote.ShellQuote(c.config.Repo),
		"mkdir -p " + ScriptsDir,
		"printf '%s' " + remote.ShellQuote(wrapperScript(inst)) + " > " + script,
		"chmod +x " + script,
		"(nohup setsid bash " + script + " > /dev/null 2>&1 < /dev/null & echo $!)",
	}, " && ")

	res := c.runner.Run(ctx, host, cmd)
	if res.Failed() {
		st.State = StartFailed
		st.Err = fmt.Errorf("start %s on %s: %s", inst.Name, host, res.Detail())
		return st
	}
	lines := strings.Fields(res.Stdout)
	if len(lines) == 0 {
		st.State = StartFailed
		st.Err = fmt.Errorf("start %s on %s: no pid reported", inst.Name, host)
		return st
	}
	pid, err := strconv.Atoi(lines[len(lines)-1])
	if err != nil {
		st.State = StartFailed
		st.Err = fmt.Errorf("start %s on %s: bad pid %q", inst.Name, host, lines[len(lines)-1])
		return st
	}
	st.PID = pid
	st.State = Running
	slog.Debug("instance launched", "instance", inst.Name, "host", host.Hostname, "pid", pid)
	return st
}

// Verify waits the settle delay, then checks that every running instance is
// still alive. Dead instances become StartFailed and their diagnostics are
// logged; Verify never fails the run.
func (c *Controller) Verify(ctx context.Context, started []Started) []Started {
	select {
	case <-ctx.Done():
		return started
	case <-time.After(c.config.SettleDelay):
	}

	out := append([]Started(nil), started...)
	var wg sync.WaitGroup
	for i := range out {
		if out[i].State != Running {
			continue
		}
		wg.Add(1)
		go func(st *Started) {
			defer wg.Done()
			res := c.runner.Run(ctx, st.Host, "kill -0 "+strconv.Itoa(st.PID))
			if !res.Failed() {
				st.State = Verified
				return
			}
			st.State = StartFailed
			st.Err = fmt.Errorf("%s on %s exited during startup", st.Instance.Name, st.Host)
			slog.Warn("instance exited during startup",
				"instance", st.Instance.Name, "host", st.Host.Hostname, "pid", st.PID,
				"diagnostics", c.diagnose(ctx, *st))
		}(&out[i])
	}
	wg.Wait()
	return out
}

func (c *Controller) diagnose(ctx context.Context, st Started) string {
	cmd := strings.Join([]string{
		"cd " + remote.ShellQuote(c.config.Repo),
		"echo '--- script'",
		"tail -n 5 " + c.scriptPath(st.Instance),
		"echo '--- log'",
		"tail -n 20 " + remote.ShellQuote(st.Instance.LogFile),
		"(test -x node && echo 'node present' || echo 'node missing')",
		"(test -x benchmark_client && echo 'benchmark_client present' || echo 'benchmark_client missing')",
	}, " ; ")
	res := c.runner.Run(ctx, st.Host, cmd)
	if res.Err != nil {
		return res.Err.Error()
	}
	return strings.TrimSpace(res.Stdout)
}

// StartRole launches every instance of role concurrently on the host owning
// its address, then verifies them. Instances whose address cannot be
// resolved are skipped with a warning.
func (c *Controller) StartRole(ctx context.Context, role Role, instances []Instance, hosts []config.Host) []Started {
	type target struct {
		host config.Host
		inst Instance
	}
	targets := make([]target, 0, len(instances))
	for _, inst := range instances {
		h, err := c.resolver.Resolve(inst.Address, hosts)
		if err != nil {
			slog.Warn("skipping instance", "role", role, "instance", inst.Name, "address", inst.Address, "error", err)
			continue
		}
		targets = append(targets, target{host: h, inst: inst})
	}

	started := make([]Started, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			started[i] = c.Start(ctx, t.host, t.inst)
		}(i, t)
	}
	wg.Wait()
	for _, st := range started {
		if st.State == StartFailed {
			slog.Warn("instance failed to start", "instance", st.Instance.Name, "error", st.Err)
		}
	}

	started = c.Verify(ctx, started)
	verified := 0
	for _, st := range started {
		if st.State == Verified {
			verified++
		}
	}
	slog.Info("role started", "role", role, "instances", len(instances), "verified", verified)
	return started
}

// KillOptions selects what Kill cleans up besides the processes.
type KillOptions struct {
	Committee  *committee.Committee // when set, free the ports of non-faulty members
	Faults     int
	DeleteLogs bool
}

// Kill stops every role on hosts, frees committee ports, removes storage
// directories and optionally the logs. Failures are tolerated and logged.
func (c *Controller) Kill(ctx context.Context, hosts []config.Host, opts KillOptions) []remote.Result {
	ports := map[string][]int{}
	if opts.Committee != nil {
		for _, addr := range opts.Committee.Addresses(opts.Faults) {
			h, err := c.resolver.Resolve(addr, hosts)
			if err != nil {
				slog.Debug("port owner not found", "address", addr, "error", err)
				continue
			}
			ports[h.String()] = append(ports[h.String()], committee.Port(addr))
		}
	}

	cmd := func(h config.Host) string {
		parts := []string{KillProcesses()}
		for _, p := range ports[h.String()] {
			parts = append(parts, FreePort(p))
		}
		parts = append(parts, CleanStorage())
		if opts.DeleteLogs {
			parts = append(parts, CleanLogs())
		}
		parts = append(parts, "true")
		return InRepo(c.config.Repo, strings.Join(parts, " ; "))
	}

	results, _ := remote.RunOnHosts(ctx, c.runner, hosts, cmd, remote.Tolerant)
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
			slog.Warn("kill failed on host", "host", r.Host.Hostname, "error", r.Detail())
		}
	}
	slog.Info("killed benchmark processes", "hosts", len(hosts), "failed", failed, "delete_logs", opts.DeleteLogs)
	return results
}

// HostStatus is the number of running processes per role on one host.
type HostStatus struct {
	Host      config.Host
	Primaries int
	Workers   int
	Clients   int
	Err       error
}

// Running reports whether any role is running.
func (s HostStatus) Running() bool {
	return s.Primaries+s.Workers+s.Clients > 0
}

// Status probes every host for running role processes.
func (c *Controller) Status(ctx context.Context, hosts []config.Host) []HostStatus {
	results, _ := remote.RunOnHosts(ctx, c.runner, hosts, remote.Static(StatusProbe()), remote.Tolerant)
	out := make([]HostStatus, 0, len(results))
	for _, r := range results {
		st := HostStatus{Host: r.Host}
		if r.Failed() {
			st.Err = fmt.Errorf("%s", r.Detail())
			out = append(out, st)
			continue
		}
		for _, line := range strings.Split(r.Stdout, "\n") {
			k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok {
				continue
			}
			n, _ := strconv.Atoi(strings.TrimSpace(v))
			switch k {
			case "primary":
				st.Primaries = n
			case "worker":
				st.Workers = n
			case "client":
				st.Clients = n
			}
		}
		out = append(out, st)
	}
	return out
}

// ClientInstances builds one client per worker of every non-faulty
// authority. The input rate is shared evenly across all workers.
func ClientInstances(c *committee.Committee, faults, txSize, rate int) []Instance {
	groups := c.WorkersAddresses(faults)
	var all []string
	for _, g := range groups {
		for _, w := range g {
			all = append(all, w.Address)
		}
	}
	share := int(math.Ceil(float64(rate) / float64(c.TotalWorkers())))

	var out []Instance
	for i, g := range groups {
		for _, w := range g {
			name := strings.TrimSuffix(ClientLogName(i, w.ID), ".log")
			out = append(out, Instance{
				Name:    name,
				Role:    RoleClient,
				Address: w.Address,
				Command: RunClient(w.Address, txSize, share, all),
				LogFile: RemoteLog(ClientLogName(i, w.ID)),
			})
		}
	}
	return out
}

// PrimaryInstances builds the primaries of the non-faulty authorities.
func PrimaryInstances(c *committee.Committee, faults int, debug bool) []Instance {
	var out []Instance
	for i, addr := range c.PrimaryAddresses(faults) {
		out = append(out, Instance{
			Name:    strings.TrimSuffix(PrimaryLogName(i), ".log"),
			Role:    RolePrimary,
			Address: addr,
			Command: RunPrimary(KeyFile(i), CommitteeFile, PrimaryDB(i), ParametersFile, debug),
			LogFile: RemoteLog(PrimaryLogName(i)),
			Store:   PrimaryDB(i),
		})
	}
	return out
}

// WorkerInstances builds the workers of the non-faulty authorities.
func WorkerInstances(c *committee.Committee, faults int, debug bool) []Instance {
	var out []Instance
	for i, g := range c.WorkersAddresses(faults) {
		for _, w := range g {
			out = append(out, Instance{
				Name:    strings.TrimSuffix(WorkerLogName(i, w.ID), ".log"),
				Role:    RoleWorker,
				Address: w.Address,
				Command: RunWorker(KeyFile(i), CommitteeFile, WorkerDB(i, w.ID), ParametersFile, w.ID, debug),
				LogFile: RemoteLog(WorkerLogName(i, w.ID)),
				Store:   WorkerDB(i, w.ID),
			})
		}
	}
	return out
}
