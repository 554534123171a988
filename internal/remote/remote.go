// Package remote runs commands and moves files on testbed hosts over SSH.
//
// Hosts are partitioned by connection identity (username, port) and a
// command is issued once per host, each host over its own transport. A batch
// runs in one of two modes: Strict turns any host failure into a
// *RemoteError, Tolerant records failures in the per-host results and never
// returns an error.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/corvohq/dagbench/internal/config"
)

// Result is the outcome of one command on one host.
type Result struct {
	Host     config.Host
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Failed reports whether the command could not run or exited non-zero.
func (r Result) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// Detail is the lowest-level error text captured for a failed result.
func (r Result) Detail() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	if r.ExitCode != 0 {
		return fmt.Sprintf("exit status %d", r.ExitCode)
	}
	return ""
}

// Runner executes a shell command on a host.
type Runner interface {
	Run(ctx context.Context, host config.Host, command string) Result
}

// Transfer copies files to and from a host.
type Transfer interface {
	Upload(ctx context.Context, host config.Host, localPath, remotePath string) error
	Download(ctx context.Context, host config.Host, remotePath, localPath string) error
}

// Executor is a Runner that can also move files.
type Executor interface {
	Runner
	Transfer
}

// Mode selects how host failures in a batch are reported.
type Mode int

const (
	Strict Mode = iota
	Tolerant
)

func (m Mode) String() string {
	if m == Tolerant {
		return "tolerant"
	}
	return "strict"
}

// CommandFunc builds the command for one host.
type CommandFunc func(config.Host) string

// Static returns a CommandFunc issuing the same command on every host.
func Static(command string) CommandFunc {
	return func(config.Host) string { return command }
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
