package kv

import (
	"bytes"
	"testing"
)

func TestFileKeyLayout(t *testing.T) {
	k := FileKey("run-1", "primary-0.log")
	if !bytes.HasPrefix(k, FilePrefix("run-1")) {
		t.Fatal("file key should start with its run prefix")
	}
	if got := string(k[len(FilePrefix("run-1")):]); got != "primary-0.log" {
		t.Errorf("file name = %q, want %q", got, "primary-0.log")
	}
	if got := string(k); got != "f|run-1\x00primary-0.log" {
		t.Errorf("key = %q", got)
	}
}

func TestFilePrefixIsolatesRuns(t *testing.T) {
	// run-1 must not match run-10.
	if bytes.HasPrefix(FileKey("run-10", "a.log"), FilePrefix("run-1")) {
		t.Error("prefix of run-1 matched a key of run-10")
	}
}

func TestManifestAndIndexKeys(t *testing.T) {
	if got := string(ManifestKey("abc")); got != "m|abc" {
		t.Errorf("ManifestKey = %q", got)
	}
	if got := string(RunIndexKey()); got != "i|runs" {
		t.Errorf("RunIndexKey = %q", got)
	}
}
