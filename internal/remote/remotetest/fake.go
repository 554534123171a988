// Package remotetest provides an in-memory remote.Executor for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/remote"
)

// Call records one command issued through the fake.
type Call struct {
	Host    config.Host
	Command string
}

// Copy records one upload.
type Copy struct {
	Host   config.Host
	Local  string
	Remote string
}

// Fake records commands and serves downloads from an in-memory file table.
type Fake struct {
	mu sync.Mutex

	// Handler answers a command; nil means success with empty output.
	Handler func(host config.Host, command string) remote.Result

	calls     []Call
	uploads   []Copy
	files     map[string][]byte
	downloads []string
}

func New() *Fake {
	return &Fake{files: map[string][]byte{}}
}

var _ remote.Executor = (*Fake)(nil)

func fileKey(host config.Host, path string) string {
	return host.IP() + ":" + path
}

// PutFile makes path downloadable from host.
func (f *Fake) PutFile(host config.Host, path string, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileKey(host, path)] = []byte(content)
}

func (f *Fake) Run(_ context.Context, host config.Host, command string) remote.Result {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Host: host, Command: command})
	h := f.Handler
	f.mu.Unlock()
	if h == nil {
		return remote.Result{Host: host}
	}
	res := h(host, command)
	res.Host = host
	return res
}

func (f *Fake) Upload(_ context.Context, host config.Host, localPath, remotePath string) error {
	raw, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("fake upload: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, Copy{Host: host, Local: localPath, Remote: remotePath})
	f.files[fileKey(host, remotePath)] = raw
	return nil
}

func (f *Fake) Download(_ context.Context, host config.Host, remotePath, localPath string) error {
	f.mu.Lock()
	raw, ok := f.files[fileKey(host, remotePath)]
	f.downloads = append(f.downloads, fileKey(host, remotePath))
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s:%s: %w", host, remotePath, remote.ErrRemoteMissing)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, raw, 0o644)
}

// Calls returns a copy of the recorded commands.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsMatching returns recorded commands containing substr.
func (f *Fake) CallsMatching(substr string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.Contains(c.Command, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Uploads returns a copy of the recorded uploads.
func (f *Fake) Uploads() []Copy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Copy(nil), f.uploads...)
}

// Downloads returns the "ip:path" keys of attempted downloads.
func (f *Fake) Downloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downloads...)
}
