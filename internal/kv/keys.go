package kv

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixFile     = "f|" // f|{run_id}\x00{file_name}
	PrefixManifest = "m|" // m|{run_id}
	KeyRunIndex    = "i|runs"
)

const sep = '\x00'

// FileKey returns the archive key of one log body: f|{run_id}\x00{file_name}
func FileKey(runID, name string) []byte {
	return append(FilePrefix(runID), name...)
}

// FilePrefix returns the scan prefix for every file of a run: f|{run_id}\x00
func FilePrefix(runID string) []byte {
	k := append([]byte(PrefixFile), runID...)
	return append(k, sep)
}

// ManifestKey returns the key of a run's manifest: m|{run_id}
func ManifestKey(runID string) []byte {
	return append([]byte(PrefixManifest), runID...)
}

// RunIndexKey returns the key holding the ordered list of archived runs.
func RunIndexKey() []byte {
	return []byte(KeyRunIndex)
}
