// Package archive stores the raw logs of every run in an embedded key-value
// store so a run can be re-parsed after its logs directory was overwritten.
//
// Bodies are zstd-compressed under f|{run}\x00{file}. Each run has a JSON
// manifest under m|{run} and its id is appended to the index at i|runs.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/corvohq/dagbench/internal/kv"
	"github.com/corvohq/dagbench/internal/logs"
)

// ErrNotFound is returned for an unknown run or file.
var ErrNotFound = errors.New("not found in archive")

const bodyVersion = 1

// Entry describes one archived file.
type Entry struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Stored int64  `json:"stored"`
	XXHash string `json:"xxhash64"`
}

// Manifest lists the files archived for a run.
type Manifest struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Files     []Entry   `json:"files"`
}

// Entry returns the manifest entry for name.
func (m *Manifest) Entry(name string) (Entry, bool) {
	for _, e := range m.Files {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Options tunes Open.
type Options struct {
	NoSync bool
}

// Archive is safe for concurrent use; writes are serialized.
type Archive struct {
	kind string
	st   store
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	mu   sync.Mutex
}

// Open opens or creates an archive of the given kind under dir.
func Open(kind, dir string, opts Options) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	st, err := openStore(kind, dir, opts.NoSync)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	slog.Debug("log archive opened", "kind", kind, "dir", dir)
	return &Archive{kind: kind, st: st, enc: enc, dec: dec}, nil
}

// Kind returns the backend name.
func (a *Archive) Kind() string { return a.kind }

// Close releases the backend.
func (a *Archive) Close() error {
	a.dec.Close()
	if err := a.enc.Close(); err != nil {
		a.st.Close()
		return err
	}
	return a.st.Close()
}

// PutRun stores every file of a run and records it in the run index.
// Archiving the same run again replaces its files.
func (a *Archive) PutRun(runID string, files []logs.File) (*Manifest, error) {
	if runID == "" {
		return nil, fmt.Errorf("archive run: empty run id")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m := &Manifest{RunID: runID, CreatedAt: time.Now().UTC()}
	for _, f := range files {
		body := a.encodeBody([]byte(f.Text))
		if err := a.st.Set(kv.FileKey(runID, f.Name), body); err != nil {
			return nil, fmt.Errorf("archive %s/%s: %w", runID, f.Name, err)
		}
		m.Files = append(m.Files, Entry{
			Name:   f.Name,
			Size:   int64(len(f.Text)),
			Stored: int64(len(body)),
			XXHash: strconv.FormatUint(xxhash.Sum64String(f.Text), 16),
		})
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := a.st.Set(kv.ManifestKey(runID), raw); err != nil {
		return nil, fmt.Errorf("store manifest %s: %w", runID, err)
	}

	runs, err := a.runs()
	if err != nil {
		return nil, err
	}
	for _, id := range runs {
		if id == runID {
			return m, nil
		}
	}
	idx, err := json.Marshal(append(runs, runID))
	if err != nil {
		return nil, fmt.Errorf("encode run index: %w", err)
	}
	if err := a.st.Set(kv.RunIndexKey(), idx); err != nil {
		return nil, fmt.Errorf("store run index: %w", err)
	}
	return m, nil
}

// PutBundle archives every log of a bundle.
func (a *Archive) PutBundle(runID string, b *logs.Bundle) (*Manifest, error) {
	return a.PutRun(runID, b.All())
}

// Manifest returns the manifest of a run.
func (a *Archive) Manifest(runID string) (*Manifest, error) {
	raw, err := a.st.Get(kv.ManifestKey(runID))
	if errors.Is(err, errMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", runID, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", runID, err)
	}
	return &m, nil
}

// File returns the decompressed text of one archived file after checking
// it against the manifest fingerprint.
func (a *Archive) File(runID, name string) ([]byte, error) {
	m, err := a.Manifest(runID)
	if err != nil {
		return nil, err
	}
	entry, ok := m.Entry(name)
	if !ok {
		return nil, ErrNotFound
	}
	raw, err := a.st.Get(kv.FileKey(runID, name))
	if errors.Is(err, errMissing) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", runID, name, err)
	}
	body, err := a.decodeBody(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", runID, name, err)
	}
	if sum := strconv.FormatUint(xxhash.Sum64(body), 16); sum != entry.XXHash {
		return nil, fmt.Errorf("%s/%s: fingerprint %s does not match manifest %s", runID, name, sum, entry.XXHash)
	}
	return body, nil
}

// Bundle rebuilds the role-grouped log bundle of an archived run.
func (a *Archive) Bundle(runID string) (*logs.Bundle, error) {
	m, err := a.Manifest(runID)
	if err != nil {
		return nil, err
	}
	var files []logs.File
	for _, e := range m.Files {
		body, err := a.File(runID, e.Name)
		if err != nil {
			return nil, err
		}
		files = append(files, logs.File{Name: e.Name, Text: string(body)})
	}
	return logs.Group(files), nil
}

// Runs returns archived run ids, oldest first.
func (a *Archive) Runs() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs()
}

func (a *Archive) runs() ([]string, error) {
	raw, err := a.st.Get(kv.RunIndexKey())
	if errors.Is(err, errMissing) || (err == nil && len(raw) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}
	return ids, nil
}

// encodeBody frames a compressed body: {version:1B}{raw_size:8BE}{zstd}
func (a *Archive) encodeBody(raw []byte) []byte {
	out := kv.PutUint8(nil, bodyVersion)
	out = kv.PutUint64BE(out, uint64(len(raw)))
	return a.enc.EncodeAll(raw, out)
}

func (a *Archive) decodeBody(b []byte) ([]byte, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("short body (%d bytes)", len(b))
	}
	if b[0] != bodyVersion {
		return nil, fmt.Errorf("unknown body version %d", b[0])
	}
	size := kv.GetUint64BE(b[1:9])
	out, err := a.dec.DecodeAll(b[9:], make([]byte, 0, size))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != size {
		return nil, fmt.Errorf("decoded %d bytes, want %d", len(out), size)
	}
	return out, nil
}
