package kv

import "testing"

func TestPutGetUint64BE(t *testing.T) {
	for _, v := range []uint64{0, 1, 1<<32 - 1, 1 << 32, 1<<64 - 1} {
		b := PutUint64BE([]byte{0xAA}, v)
		if len(b) != 9 {
			t.Fatalf("PutUint64BE: got %d bytes, want 9", len(b))
		}
		if got := GetUint64BE(b[1:]); got != v {
			t.Errorf("round-trip %d: got %d", v, got)
		}
	}
	if b := PutUint8(nil, 7); len(b) != 1 || b[0] != 7 {
		t.Errorf("PutUint8 = %v", b)
	}
}
