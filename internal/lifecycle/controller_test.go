package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/corvohq/dagbench/internal/committee"
	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/remote/remotetest"
	"github.com/corvohq/dagbench/internal/resolver"
)

func testHosts(t *testing.T, ips ...string) []config.Host {
	t.Helper()
	out := make([]config.Host, 0, len(ips))
	for _, ip := range ips {
		h, err := config.NewHost(ip, "", 0, "")
		if err != nil {
			t.Fatalf("NewHost: %v", err)
		}
		out = append(out, h)
	}
	return out
}

func testController(r remote.Runner) *Controller {
	noLookup := func(string) ([]string, error) { return nil, nil }
	return New(r, resolver.Resolver{Lookup: noLookup}, Config{Repo: "narwhal", SettleDelay: time.Millisecond})
}

func testCommittee(t *testing.T, hosts []config.Host, nodes, workers int) *committee.Committee {
	t.Helper()
	layout, err := committee.Layout(hosts, nodes, workers, true)
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	names := make([]string, nodes)
	for i := range names {
		names[i] = "node" + string(rune('A'+i))
	}
	c, err := committee.New(names, layout, 5000)
	if err != nil {
		t.Fatalf("committee.New: %v", err)
	}
	return c
}

func TestStartParsesPID(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(_ config.Host, cmd string) remote.Result {
		return remote.Result{Stdout: "4242\n"}
	}
	c := testController(fake)
	host := testHosts(t, "10.0.0.1")[0]
	inst := Instance{Name: "primary-0", Role: RolePrimary, Command: "./node run primary", LogFile: "logs/primary-0.log", Store: ".db-0"}

	st := c.Start(context.Background(), host, inst)
	if st.State != Running || st.PID != 4242 {
		t.Fatalf("got state=%s pid=%d, want running/4242", st.State, st.PID)
	}
	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	for _, want := range []string{"cd 'narwhal'", "nohup setsid bash .dagbench/primary-0.sh", "echo $!", "rm -rf"} {
		if !strings.Contains(calls[0].Command, want) {
			t.Errorf("start command missing %q: %s", want, calls[0].Command)
		}
	}
}

func TestStartFailure(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(_ config.Host, cmd string) remote.Result {
		return remote.Result{ExitCode: 1, Stderr: "cd: narwhal: No such file or directory"}
	}
	st := testController(fake).Start(context.Background(), testHosts(t, "10.0.0.1")[0], Instance{Name: "x", LogFile: "logs/x.log"})
	if st.State != StartFailed || st.Err == nil {
		t.Fatalf("got state=%s err=%v, want start_failed", st.State, st.Err)
	}
}

func TestStartRoleVerifiesAndSkipsUnresolved(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(h config.Host, cmd string) remote.Result {
		switch {
		case strings.Contains(cmd, "nohup"):
			if h.IP() == "10.0.0.2" {
				return remote.Result{Stdout: "200\n"}
			}
			return remote.Result{Stdout: "100\n"}
		case cmd == "kill -0 200":
			return remote.Result{ExitCode: 1}
		case strings.HasPrefix(cmd, "kill -0"):
			return remote.Result{}
		}
		return remote.Result{Stdout: "diagnostics"}
	}
	c := testController(fake)
	hosts := testHosts(t, "10.0.0.1", "10.0.0.2")
	instances := []Instance{
		{Name: "primary-0", Address: "10.0.0.1:5000", Command: "a", LogFile: "logs/primary-0.log"},
		{Name: "primary-1", Address: "10.0.0.2:5005", Command: "b", LogFile: "logs/primary-1.log"},
		{Name: "primary-2", Address: "192.168.0.9:5010", Command: "c", LogFile: "logs/primary-2.log"},
	}

	started := c.StartRole(context.Background(), RolePrimary, instances, hosts)
	if len(started) != 2 {
		t.Fatalf("started = %d, want 2 (unresolved instance skipped)", len(started))
	}
	states := map[string]State{}
	for _, st := range started {
		states[st.Instance.Name] = st.State
	}
	if states["primary-0"] != Verified {
		t.Errorf("primary-0 state = %s, want verified", states["primary-0"])
	}
	if states["primary-1"] != StartFailed {
		t.Errorf("primary-1 state = %s, want start_failed", states["primary-1"])
	}
	if len(fake.CallsMatching("tail -n 20")) != 1 {
		t.Errorf("expected diagnostics for the failed instance only")
	}
}

func TestKillWithNothingRunning(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(_ config.Host, cmd string) remote.Result {
		// pkill exits 1 when nothing matched.
		return remote.Result{ExitCode: 1, Stderr: "no process found"}
	}
	c := testController(fake)
	hosts := testHosts(t, "10.0.0.1", "10.0.0.2")

	results := c.Kill(context.Background(), hosts, KillOptions{})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, call := range fake.Calls() {
		if !strings.Contains(call.Command, CleanStorage()) {
			t.Errorf("kill on %s does not clean storage: %s", call.Host.Hostname, call.Command)
		}
		if strings.Contains(call.Command, "mkdir -p logs") {
			t.Errorf("kill deleted logs without DeleteLogs: %s", call.Command)
		}
		if !strings.HasSuffix(call.Command, "true") {
			t.Errorf("kill command does not end in true: %s", call.Command)
		}
	}
}

func TestKillFreesOwnedPorts(t *testing.T) {
	fake := remotetest.New()
	c := testController(fake)
	hosts := testHosts(t, "10.0.0.1", "10.0.0.2")
	com := testCommittee(t, hosts, 2, 1)

	c.Kill(context.Background(), hosts, KillOptions{Committee: com, Faults: 1, DeleteLogs: true})

	for _, call := range fake.Calls() {
		switch call.Host.IP() {
		case "10.0.0.1":
			for p := 5000; p <= 5004; p++ {
				if !strings.Contains(call.Command, FreePort(p)) {
					t.Errorf("port %d not freed on 10.0.0.1", p)
				}
			}
		case "10.0.0.2":
			if strings.Contains(call.Command, "fuser") {
				t.Errorf("faulty node ports freed on 10.0.0.2: %s", call.Command)
			}
		}
		if !strings.Contains(call.Command, CleanLogs()) {
			t.Errorf("logs not deleted on %s", call.Host.Hostname)
		}
	}
}

func TestStatus(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(h config.Host, cmd string) remote.Result {
		if h.IP() == "10.0.0.2" {
			return remote.Result{Err: context.DeadlineExceeded}
		}
		return remote.Result{Stdout: "primary=1\nworker=2\nclient=2\n"}
	}
	got := testController(fake).Status(context.Background(), testHosts(t, "10.0.0.1", "10.0.0.2"))
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Primaries != 1 || got[0].Workers != 2 || got[0].Clients != 2 || !got[0].Running() {
		t.Errorf("status[0] = %+v", got[0])
	}
	if got[1].Err == nil {
		t.Errorf("status[1] has no error")
	}
}

func TestInstances(t *testing.T) {
	hosts := testHosts(t, "10.0.0.1", "10.0.0.2")
	com := testCommittee(t, hosts, 2, 2)

	clients := ClientInstances(com, 0, 512, 1000)
	if len(clients) != 4 {
		t.Fatalf("clients = %d, want 4", len(clients))
	}
	if !strings.Contains(clients[0].Command, "--rate 250") {
		t.Errorf("client command = %s, want rate share 250", clients[0].Command)
	}
	if clients[3].LogFile != "logs/client-1-1.log" || clients[3].Name != "client-1-1" {
		t.Errorf("client[3] = %+v", clients[3])
	}
	if n := strings.Count(clients[0].Command, ":"); n != 5 {
		t.Errorf("client command lists %d addresses, want 5 (self + 4 nodes)", n)
	}

	primaries := PrimaryInstances(com, 1, true)
	if len(primaries) != 1 || !strings.Contains(primaries[0].Command, "-vvv") || primaries[0].Store != ".db-0" {
		t.Errorf("primaries = %+v", primaries)
	}

	workers := WorkerInstances(com, 0, false)
	if len(workers) != 4 || !strings.HasSuffix(workers[1].Command, "worker --id 1") || workers[1].Store != ".db-0-1" {
		t.Errorf("workers = %+v", workers)
	}
}

func TestCommandBuilders(t *testing.T) {
	if got := ResultFile(1, 4, 1, true, 50000, 512); got != "bench-1-4-1-True-50000-512.txt" {
		t.Errorf("ResultFile = %s", got)
	}
	attack := SetAttack("narwhal", true)
	if !strings.Contains(attack, "bool = true/TRIGGER_NETWORK_INTERRUPT: bool = true/; s/TRIGGER_NETWORK_INTERRUPT: bool = false/TRIGGER_NETWORK_INTERRUPT: bool = true/") {
		t.Errorf("SetAttack = %s", attack)
	}
	if !strings.Contains(attack, "narwhal/adversary/src/attack.rs") {
		t.Errorf("SetAttack targets wrong file: %s", attack)
	}
	if got := RunClient("10.0.0.1:5003", 512, 250, []string{"a:1", "b:2"}); got != "./benchmark_client 10.0.0.1:5003 --size 512 --rate 250 --nodes a:1 b:2" {
		t.Errorf("RunClient = %s", got)
	}
	if !strings.Contains(KillProcesses(), "'[n]ode.*primary'") {
		t.Errorf("KillProcesses = %s", KillProcesses())
	}
}

func TestLatencyCSVNames(t *testing.T) {
	at := time.Date(2021, 6, 1, 12, 0, 5, 0, time.UTC)
	if got := LatencyCSV(at, ""); got != "e2e_latency_20210601_120005.csv" {
		t.Errorf("LatencyCSV without run = %s", got)
	}
	a := LatencyCSV(at, "3f2a9c1e-0000-4000-8000-000000000001")
	b := LatencyCSV(at, "7b11d0aa-0000-4000-8000-000000000002")
	if a != "e2e_latency_20210601_120005_3f2a9c1e.csv" {
		t.Errorf("LatencyCSV = %s", a)
	}
	if a == b {
		t.Errorf("runs in the same second share %s", a)
	}
}
