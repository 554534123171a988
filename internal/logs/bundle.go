package logs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is one raw log of a run.
type File struct {
	Name string
	Text string
}

// Bundle holds the raw logs of one run grouped by role, each in sorted file
// name order.
type Bundle struct {
	Clients   []File
	Primaries []File
	Workers   []File
}

func texts(files []File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Text
	}
	return out
}

// All returns every file of the bundle.
func (b *Bundle) All() []File {
	out := make([]File, 0, len(b.Clients)+len(b.Primaries)+len(b.Workers))
	out = append(out, b.Clients...)
	out = append(out, b.Primaries...)
	return append(out, b.Workers...)
}

func readGlob(dir, pattern string) ([]File, error) {
	names, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]File, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read log %s: %w", name, err)
		}
		out = append(out, File{Name: filepath.Base(name), Text: string(raw)})
	}
	return out, nil
}

// Patterns are the file name globs of the logs a run leaves behind.
var Patterns = []string{"client-*.log", "primary-*.log", "worker-*.log"}

// ClearDir removes the run logs matching Patterns from dir and leaves every
// other file alone. A missing dir is not an error.
func ClearDir(dir string) error {
	for _, pattern := range Patterns {
		names, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove log %s: %w", name, err)
			}
		}
	}
	return nil
}

// LoadDir reads client-*.log, primary-*.log and worker-*.log from dir.
func LoadDir(dir string) (*Bundle, error) {
	var (
		b   Bundle
		err error
	)
	if b.Clients, err = readGlob(dir, Patterns[0]); err != nil {
		return nil, err
	}
	if b.Primaries, err = readGlob(dir, Patterns[1]); err != nil {
		return nil, err
	}
	if b.Workers, err = readGlob(dir, Patterns[2]); err != nil {
		return nil, err
	}
	return &b, nil
}

// Group sorts files into a bundle by their role prefix. Files of no known
// role are ignored.
func Group(files []File) *Bundle {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b Bundle
	for _, f := range sorted {
		switch {
		case strings.HasPrefix(f.Name, "client-"):
			b.Clients = append(b.Clients, f)
		case strings.HasPrefix(f.Name, "primary-"):
			b.Primaries = append(b.Primaries, f)
		case strings.HasPrefix(f.Name, "worker-"):
			b.Workers = append(b.Workers, f)
		}
	}
	return &b
}
