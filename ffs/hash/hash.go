// Package hash implements the bucket hash for directory paths: FNV-1a
// 32-bit scanned from the last byte of the input toward the first.
//
// Paths in real source trees share long prefixes (the workspace root),
// so a head-first scan would cluster sibling directories into the same
// few buckets. Scanning tail-first lets the suffix drive dispersion.
package hash

import "unicode/utf16"

const (
	offset32 = 0x811c9dc5
	prime32  = 16777619
)

// Sum32 hashes the raw bytes of b from the tail to the head.
func Sum32(b []byte) uint32 {
	h := uint32(offset32)
	for i := len(b) - 1; i >= 0; i-- {
		h ^= uint32(b[i])
		h *= prime32
	}
	return h
}

// SumPath hashes an absolute directory path. The input is the path's
// UTF-16 little-endian byte representation, two bytes per code unit,
// matching the on-image name encoding.
func SumPath(path string) uint32 {
	units := utf16.Encode([]rune(path))
	h := uint32(offset32)
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		h ^= uint32(u >> 8)
		h *= prime32
		h ^= uint32(u & 0xff)
		h *= prime32
	}
	return h
}

// Bucket maps a directory path to its bucket index.
func Bucket(path string, buckets uint32) uint32 {
	return SumPath(path) % buckets
}
