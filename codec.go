package bplusdb

import "bytes"

// Codec serializes and deserializes fixed-length records and orders them
// by the byte representation of the key. Every codec instance must report
// a constant ByteLength; the tree rejects variable-length codecs at
// construction (see NewTree).
type Codec[T any] interface {
	// ByteLength returns the fixed serialized size in bytes.
	ByteLength() int
	// Serialize encodes v into buf, which is at least ByteLength() bytes.
	Serialize(buf []byte, v T)
	// Deserialize decodes a value from buf, which is at least ByteLength() bytes.
	Deserialize(buf []byte) T
	// Compare orders two serialized records lexicographically.
	Compare(a, b []byte) int
}

// FixedBytesCodec codes byte slices of a fixed width. Shorter inputs are
// zero-padded on Serialize; callers that need variable-width keys must
// use a different store, per Non-goals.
type FixedBytesCodec struct {
	Width int
}

func (c FixedBytesCodec) ByteLength() int { return c.Width }

func (c FixedBytesCodec) Serialize(buf []byte, v []byte) {
	n := copy(buf[:c.Width], v)
	for i := n; i < c.Width; i++ {
		buf[i] = 0
	}
}

func (c FixedBytesCodec) Deserialize(buf []byte) []byte {
	out := make([]byte, c.Width)
	copy(out, buf[:c.Width])
	return out
}

func (c FixedBytesCodec) Compare(a, b []byte) int {
	return bytes.Compare(a[:c.Width], b[:c.Width])
}

// Uint64Codec codes uint64 values as 8-byte big-endian records, which sort
// byte-lexicographically in numeric order.
type Uint64Codec struct{}

func (Uint64Codec) ByteLength() int { return 8 }

func (Uint64Codec) Serialize(buf []byte, v uint64) {
	buf[0] = byte(v >> 56)
	buf[1] = byte(v >> 48)
	buf[2] = byte(v >> 40)
	buf[3] = byte(v >> 32)
	buf[4] = byte(v >> 24)
	buf[5] = byte(v >> 16)
	buf[6] = byte(v >> 8)
	buf[7] = byte(v)
}

func (Uint64Codec) Deserialize(buf []byte) uint64 {
	return uint64(buf[0])<<56 | uint64(buf[1])<<48 | uint64(buf[2])<<40 | uint64(buf[3])<<32 |
	uint64(buf[4])<<24 | uint64(buf[5])<<16 | uint64(buf[6])<<8 | uint64(buf[7])
}

func (Uint64Codec) Compare(a, b []byte) int {
	return bytes.Compare(a[:8], b[:8])
}

// Int64Codec codes signed int64 values as 8-byte big-endian records with
// the sign bit flipped, so the byte-lexicographic order matches numeric
// order across negative and positive values.
type Int64Codec struct{}

func (Int64Codec) ByteLength() int { return 8 }

func (Int64Codec) Serialize(buf []byte, v int64) {
	u := uint64(v) ^ (1 << 63)
	Uint64Codec{}.Serialize(buf, u)
}

func (Int64Codec) Deserialize(buf []byte) int64 {
	u := Uint64Codec{}.Deserialize(buf) ^ (1 << 63)
	return int64(u)
}

func (Int64Codec) Compare(a, b []byte) int {
	return bytes.Compare(a[:8], b[:8])
}
