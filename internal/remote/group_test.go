package remote_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/remote/remotetest"
)

func host(t *testing.T, name, user string, port int) config.Host {
	t.Helper()
	h, err := config.NewHost(name, user, port, "")
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func TestGroupHostsCoversEveryHostOnce(t *testing.T) {
	hosts := []config.Host{
		host(t, "a", "root", 22),
		host(t, "b", "bench", 22),
		host(t, "c", "root", 22),
		host(t, "d", "root", 2222),
		host(t, "e", "bench", 22),
	}
	groups := remote.GroupHosts(hosts)
	if len(groups) != 3 {
		t.Fatalf("len(groups) = %d, want 3", len(groups))
	}
	seen := map[string]int{}
	for _, g := range groups {
		for _, h := range g.Hosts {
			seen[h.Hostname]++
			if h.Username != g.Key.Username || h.Port != g.Key.Port {
				t.Errorf("host %s (%s, %d) in group %+v", h.Hostname, h.Username, h.Port, g.Key)
			}
		}
	}
	for _, h := range hosts {
		if seen[h.Hostname] != 1 {
			t.Errorf("host %s seen %d times, want 1", h.Hostname, seen[h.Hostname])
		}
	}
	if groups[0].Hosts[0].Hostname != "a" || groups[0].Hosts[1].Hostname != "c" {
		t.Errorf("first group order = %v", groups[0].Hosts)
	}
}

func TestRunOnGroupStrict(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(h config.Host, cmd string) remote.Result {
		if h.Hostname == "b" {
			return remote.Result{ExitCode: 1, Stderr: "boom\n"}
		}
		return remote.Result{Stdout: "ok"}
	}
	hosts := []config.Host{host(t, "a", "", 0), host(t, "b", "", 0), host(t, "c", "", 0)}

	results, err := remote.RunOnGroup(context.Background(), fake, hosts, remote.Static("true"), remote.Strict)
	if err == nil {
		t.Fatal("expected error in strict mode")
	}
	re, ok := remote.AsRemoteError(err)
	if !ok {
		t.Fatalf("error type = %T, want *RemoteError", err)
	}
	if len(re.Failures) != 1 || re.Failures[0].Host.Hostname != "b" {
		t.Errorf("failures = %+v", re.Failures)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry stderr", err)
	}
	if len(results) != 3 || results[0].Stdout != "ok" || results[2].Host.Hostname != "c" {
		t.Errorf("results not in host order: %+v", results)
	}
}

func TestRunOnGroupTolerant(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(h config.Host, cmd string) remote.Result {
		return remote.Result{Err: errors.New("connection refused")}
	}
	hosts := []config.Host{host(t, "a", "", 0), host(t, "b", "", 0)}

	results, err := remote.RunOnGroup(context.Background(), fake, hosts, remote.Static("pkill node"), remote.Tolerant)
	if err != nil {
		t.Fatalf("tolerant mode returned %v", err)
	}
	for _, r := range results {
		if !r.Failed() {
			t.Errorf("result for %s not marked failed", r.Host.Hostname)
		}
	}
}

func TestRunOnHostsPerHostCommand(t *testing.T) {
	fake := remotetest.New()
	hosts := []config.Host{host(t, "a", "root", 22), host(t, "b", "bench", 2200)}
	_, err := remote.RunOnHosts(context.Background(), fake, hosts, func(h config.Host) string {
		return "echo " + h.Hostname
	}, remote.Strict)
	if err != nil {
		t.Fatalf("RunOnHosts: %v", err)
	}
	calls := fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.Command != "echo "+c.Host.Hostname {
			t.Errorf("host %s got command %q", c.Host.Hostname, c.Command)
		}
	}
}

func TestResultDetail(t *testing.T) {
	if got := (remote.Result{ExitCode: 3}).Detail(); got != "exit status 3" {
		t.Errorf("Detail() = %q", got)
	}
	if got := (remote.Result{Err: errors.New("dial")}).Detail(); got != "dial" {
		t.Errorf("Detail() = %q", got)
	}
}

func TestShellQuote(t *testing.T) {
	if got := remote.ShellQuote("it's"); got != `'it'"'"'s'` {
		t.Errorf("ShellQuote = %q", got)
	}
}
