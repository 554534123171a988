package logs

// Event is one timestamped observation of a key, e.g. a digest proposed or
// committed at Time.
type Event[K comparable] struct {
	Key  K
	Time float64
}

// FoldEarliest folds events into a map keeping the earliest time per key.
func FoldEarliest[K comparable](events []Event[K]) map[K]float64 {
	out := make(map[K]float64, len(events))
	for _, e := range events {
		if t, ok := out[e.Key]; !ok || e.Time < t {
			out[e.Key] = e.Time
		}
	}
	return out
}

// MergeEarliest combines maps keeping the earliest time per key. The inputs
// are not modified. The merge is commutative and idempotent.
func MergeEarliest[K comparable](maps ...map[K]float64) map[K]float64 {
	n := 0
	for _, m := range maps {
		n += len(m)
	}
	out := make(map[K]float64, n)
	for _, m := range maps {
		for k, v := range m {
			if t, ok := out[k]; !ok || v < t {
				out[k] = v
			}
		}
	}
	return out
}
