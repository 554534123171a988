package remote

import (
	"context"
	"log/slog"
	"sync"

	"github.com/corvohq/dagbench/internal/config"
)

// GroupKey is the connection identity shared by the hosts of a group.
type GroupKey struct {
	Username string
	Port     int
}

// Group is a set of hosts sharing a connection identity.
type Group struct {
	Key   GroupKey
	Hosts []config.Host
}

// GroupHosts partitions hosts by (username, port). Groups and the hosts in
// them keep their first-appearance order.
func GroupHosts(hosts []config.Host) []Group {
	index := map[GroupKey]int{}
	var groups []Group
	for _, h := range hosts {
		k := GroupKey{Username: h.Username, Port: h.Port}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Hosts = append(groups[i].Hosts, h)
	}
	return groups
}

// RunOnGroup runs one command per host concurrently and returns the results
// in host order. In Strict mode any failed host yields a *RemoteError along
// with the full results.
func RunOnGroup(ctx context.Context, r Runner, hosts []config.Host, cmd CommandFunc, mode Mode) ([]Result, error) {
	results := make([]Result, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h config.Host) {
			defer wg.Done()
			res := r.Run(ctx, h, cmd(h))
			res.Host = h
			results[i] = res
		}(i, h)
	}
	wg.Wait()
	return results, check(results, cmd, mode)
}

// RunOnHosts groups hosts by connection identity and dispatches every group
// concurrently.
func RunOnHosts(ctx context.Context, r Runner, hosts []config.Host, cmd CommandFunc, mode Mode) ([]Result, error) {
	groups := GroupHosts(hosts)
	perGroup := make([][]Result, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			slog.Debug("running on host group", "username", g.Key.Username, "port", g.Key.Port, "hosts", len(g.Hosts), "mode", mode)
			perGroup[i], _ = RunOnGroup(ctx, r, g.Hosts, cmd, Tolerant)
		}(i, g)
	}
	wg.Wait()

	var results []Result
	for _, rs := range perGroup {
		results = append(results, rs...)
	}
	return results, check(results, cmd, mode)
}

func check(results []Result, cmd CommandFunc, mode Mode) error {
	var failed []Result
	for _, res := range results {
		if res.Failed() {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if mode == Tolerant {
		for _, f := range failed {
			slog.Debug("tolerated remote failure", "host", f.Host.String(), "error", f.Detail())
		}
		return nil
	}
	return &RemoteError{Command: cmd(failed[0].Host), Failures: failed}
}
