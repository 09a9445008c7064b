package cachetable

import "encoding/binary"

// bucketIndex derives the deterministic bucket index for key under
// bucketCount buckets, per §3 of the spec: take four bytes
// {k[0], k[len/2], k[1], k[len-1]} interpreted as a little-endian u32,
// modulo bucketCount. The function must be identical on every node in the
// cluster; it is not cryptographic and collisions are expected and handled
// by the bucket-local map.
//
// Callers must ensure len(key) >= 4; ErrInvalidKey is the caller-facing
// rejection for shorter keys.
func bucketIndex(key string, bucketCount uint32) uint32 {
	n := len(key)
	var b [4]byte
	b[0] = key[0]
	b[1] = key[n/2]
	b[2] = key[1]
	b[3] = key[n-1]
	return binary.LittleEndian.Uint32(b[:]) % bucketCount
}
