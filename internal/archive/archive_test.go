package archive

import (
	"errors"
	"strings"
	"testing"

	"github.com/corvohq/dagbench/internal/logs"
)

var kinds = []string{KindBolt, KindBadger, KindPebble}

func openTestArchive(t *testing.T, kind string) *Archive {
	t.Helper()
	a, err := Open(kind, t.TempDir(), Options{NoSync: true})
	if err != nil {
		t.Fatalf("Open(%s): %v", kind, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func testFiles() []logs.File {
	return []logs.File{
		{Name: "primary-0.log", Text: strings.Repeat("[2021-06-01T12:00:01.000Z INFO primary] Created B1 -> abc=\n", 200)},
		{Name: "worker-0-0.log", Text: "[2021-06-01T12:00:01.000Z INFO worker] Batch abc= contains 512 B\n"},
		{Name: "client-0-0.log", Text: ""},
	}
}

func TestPutRunRoundTrip(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			a := openTestArchive(t, kind)
			m, err := a.PutRun("run-1", testFiles())
			if err != nil {
				t.Fatalf("PutRun: %v", err)
			}
			if len(m.Files) != 3 {
				t.Fatalf("manifest files = %d, want 3", len(m.Files))
			}
			first := m.Files[0]
			if first.Size != int64(len(testFiles()[0].Text)) {
				t.Errorf("size = %d", first.Size)
			}
			if first.Stored >= first.Size {
				t.Errorf("stored %d bytes for %d raw, want compression", first.Stored, first.Size)
			}

			got, err := a.Manifest("run-1")
			if err != nil {
				t.Fatalf("Manifest: %v", err)
			}
			if got.RunID != "run-1" || len(got.Files) != 3 || got.Files[1].XXHash != m.Files[1].XXHash {
				t.Errorf("manifest = %+v", got)
			}

			for _, f := range testFiles() {
				body, err := a.File("run-1", f.Name)
				if err != nil {
					t.Fatalf("File(%s): %v", f.Name, err)
				}
				if string(body) != f.Text {
					t.Errorf("File(%s) body mismatch", f.Name)
				}
			}
		})
	}
}

func TestMissing(t *testing.T) {
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			a := openTestArchive(t, kind)
			if _, err := a.Manifest("nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Manifest(nope) = %v, want ErrNotFound", err)
			}
			if _, err := a.PutRun("run-1", testFiles()); err != nil {
				t.Fatal(err)
			}
			if _, err := a.File("run-1", "primary-9.log"); !errors.Is(err, ErrNotFound) {
				t.Errorf("File(missing) = %v, want ErrNotFound", err)
			}
			runs, err := a.Runs()
			if err != nil || len(runs) != 1 {
				t.Errorf("Runs() = %v, %v", runs, err)
			}
		})
	}
}

func TestRunIndexOrderAndDedup(t *testing.T) {
	a := openTestArchive(t, KindPebble)
	if runs, err := a.Runs(); err != nil || len(runs) != 0 {
		t.Fatalf("empty archive Runs() = %v, %v", runs, err)
	}
	for _, id := range []string{"b", "a", "b", "c"} {
		if _, err := a.PutRun(id, testFiles()[:1]); err != nil {
			t.Fatalf("PutRun(%s): %v", id, err)
		}
	}
	runs, err := a.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(runs, ",") != "b,a,c" {
		t.Errorf("runs = %v, want [b a c]", runs)
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(KindBolt, dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.PutRun("run-1", testFiles()); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	a, err = Open(KindBolt, dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer a.Close()
	b, err := a.Bundle("run-1")
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if len(b.Primaries) != 1 || len(b.Workers) != 1 || len(b.Clients) != 1 {
		t.Errorf("bundle = %d/%d/%d", len(b.Clients), len(b.Primaries), len(b.Workers))
	}
}

func TestCorruptBodyDetected(t *testing.T) {
	a := openTestArchive(t, KindBadger)
	if _, err := a.PutRun("run-1", testFiles()); err != nil {
		t.Fatal(err)
	}
	// Overwrite the worker body with a different, well-formed one.
	if err := a.st.Set([]byte("f|run-1\x00worker-0-0.log"), a.encodeBody([]byte("tampered"))); err != nil {
		t.Fatal(err)
	}
	if _, err := a.File("run-1", "worker-0-0.log"); err == nil || !strings.Contains(err.Error(), "fingerprint") {
		t.Errorf("File(tampered) = %v, want fingerprint mismatch", err)
	}
	if err := a.st.Set([]byte("f|run-1\x00worker-0-0.log"), []byte{9, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.File("run-1", "worker-0-0.log"); err == nil {
		t.Error("File(short body) succeeded")
	}
}

func TestOpenRejectsUnknownKind(t *testing.T) {
	if _, err := Open("leveldb", t.TempDir(), Options{}); err == nil {
		t.Error("Open(leveldb) succeeded")
	}
}
