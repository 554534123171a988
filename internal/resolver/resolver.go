// Package resolver maps a role instance's network address back to the
// configured host that should run it.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/corvohq/dagbench/internal/config"
)

// ErrUnresolved is returned when no candidate host owns an address.
var ErrUnresolved = errors.New("address does not match any host")

// Resolver matches addresses against candidate hosts. The zero value uses
// net.LookupHost and never falls back.
type Resolver struct {
	// Lookup resolves a hostname to IP strings. Nil means net.LookupHost.
	Lookup func(host string) ([]string, error)

	// BestEffort returns the first candidate when nothing matches.
	BestEffort bool
}

// Resolve finds the host owning address ("ip:port" or a bare ip). Exact IP
// matches win over DNS matches.
func (r Resolver) Resolve(address string, candidates []config.Host) (config.Host, error) {
	ip := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		ip = h
	}
	if len(candidates) == 0 {
		return config.Host{}, fmt.Errorf("resolve %s: no candidate hosts: %w", address, ErrUnresolved)
	}

	for _, c := range candidates {
		if c.IP() == ip {
			return c, nil
		}
	}

	lookup := r.Lookup
	if lookup == nil {
		lookup = net.LookupHost
	}
	for _, c := range candidates {
		addrs, err := lookup(c.IP())
		if err != nil {
			slog.Debug("host lookup failed", "host", c.Hostname, "error", err)
			continue
		}
		for _, a := range addrs {
			if a == ip {
				return c, nil
			}
		}
	}

	if r.BestEffort {
		slog.Warn("could not resolve address; falling back to first host",
			"address", address, "host", candidates[0].Hostname)
		return candidates[0], nil
	}
	return config.Host{}, fmt.Errorf("resolve %s: %w", address, ErrUnresolved)
}
