// Package kv encodes the keys and fixed-width fields of the log archive.
package kv

import "encoding/binary"

// PutUint8 appends a single byte to dst.
func PutUint8(dst []byte, v uint8) []byte {
	return append(dst, v)
}

// PutUint64BE appends v as 8 big-endian bytes.
func PutUint64BE(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// GetUint64BE reads a big-endian uint64 from the first 8 bytes of b.
func GetUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
