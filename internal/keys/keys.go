// Package keys generates or reuses the node identity files of a committee.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/remote"
)

// Key is a node identity. Only the name is read; the secret stays opaque.
type Key struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// Load reads a key file.
func Load(path string) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Key{}, err
	}
	var k Key
	if err := json.Unmarshal(raw, &k); err != nil {
		return Key{}, fmt.Errorf("decode key %s: %w", path, err)
	}
	if strings.TrimSpace(k.Name) == "" {
		return Key{}, fmt.Errorf("key %s has no name", path)
	}
	return k, nil
}

// Kind says how a set of keys was obtained.
type Kind int

const (
	LocalSucceeded Kind = iota
	RemoteFallbackUsed
	Failed
)

func (k Kind) String() string {
	switch k {
	case LocalSucceeded:
		return "local"
	case RemoteFallbackUsed:
		return "remote_fallback"
	default:
		return "failed"
	}
}

// Outcome is the result of Ensure. Reason explains a fallback or failure.
type Outcome struct {
	Kind   Kind
	Reason string
	Keys   []Key
}

// Err returns the failure as an error, or nil.
func (o Outcome) Err() error {
	if o.Kind != Failed {
		return nil
	}
	return fmt.Errorf("key generation failed: %s", o.Reason)
}

// RunFunc runs a local program.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runLocal(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Generator creates missing key files in Dir, locally when the node binary
// is available and on Host otherwise.
type Generator struct {
	Dir    string  // local directory holding key files (default ".")
	Binary string  // local node binary (default "./node")
	Run    RunFunc // nil runs the binary with os/exec

	Remote remote.Executor
	Host   config.Host // fallback host, normally the first selected host
	Repo   string      // checkout directory on Host
}

func (g *Generator) dir() string {
	if g.Dir == "" {
		return "."
	}
	return g.Dir
}

func (g *Generator) missing(n int) []int {
	var out []int
	for i := 0; i < n; i++ {
		if _, err := os.Stat(filepath.Join(g.dir(), lifecycle.KeyFile(i))); errors.Is(err, fs.ErrNotExist) {
			out = append(out, i)
		}
	}
	return out
}

// Ensure makes sure key files 0..n-1 exist and loads them. Existing files
// are reused as-is.
func (g *Generator) Ensure(ctx context.Context, n int) Outcome {
	out := Outcome{Kind: LocalSucceeded}
	if missing := g.missing(n); len(missing) > 0 {
		err := g.generateLocal(ctx, missing)
		if err != nil {
			slog.Warn("local key generation failed; generating on remote host", "host", g.Host.Hostname, "error", err)
			if rerr := g.generateRemote(ctx, g.missing(n)); rerr != nil {
				return Outcome{Kind: Failed, Reason: fmt.Sprintf("local: %v; remote: %v", err, rerr)}
			}
			out = Outcome{Kind: RemoteFallbackUsed, Reason: err.Error()}
		}
		slog.Info("generated node keys", "count", len(missing), "how", out.Kind)
	}

	out.Keys = make([]Key, 0, n)
	for i := 0; i < n; i++ {
		k, err := Load(filepath.Join(g.dir(), lifecycle.KeyFile(i)))
		if err != nil {
			return Outcome{Kind: Failed, Reason: err.Error()}
		}
		out.Keys = append(out.Keys, k)
	}
	return out
}

func (g *Generator) generateLocal(ctx context.Context, missing []int) error {
	bin := g.Binary
	if bin == "" {
		bin = "./node"
	}
	run := g.Run
	if run == nil {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("node binary %s: %w", bin, err)
		}
		run = runLocal
	}
	for _, i := range missing {
		file := filepath.Join(g.dir(), lifecycle.KeyFile(i))
		if output, err := run(ctx, bin, "generate_keys", "--filename", file); err != nil {
			return fmt.Errorf("generate %s: %w: %s", file, err, strings.TrimSpace(string(output)))
		}
	}
	return nil
}

func (g *Generator) generateRemote(ctx context.Context, missing []int) error {
	if g.Remote == nil || g.Host.Hostname == "" {
		return errors.New("no remote host available")
	}
	cmds := []string{"cd " + remote.ShellQuote(g.Repo)}
	for _, i := range missing {
		cmds = append(cmds, lifecycle.GenerateKeys(lifecycle.KeyFile(i)))
	}
	res := g.Remote.Run(ctx, g.Host, strings.Join(cmds, " && "))
	if res.Failed() {
		return &remote.RemoteError{Command: "generate_keys", Failures: []remote.Result{res}}
	}
	for _, i := range missing {
		name := lifecycle.KeyFile(i)
		if err := g.Remote.Download(ctx, g.Host, path.Join(g.Repo, name), filepath.Join(g.dir(), name)); err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
	}
	return nil
}
