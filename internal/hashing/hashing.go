// Package hashing computes the 64-bit stream hashes used by the index and the
// scavenge state. A hash identifies a stream only while no other stream name
// shares it; the collisions package tracks the exceptions.
package hashing

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hasher maps a stream name to a 64-bit hash.
type Hasher interface {
	Hash(name string) uint64
}

// HasherFunc adapts a function to Hasher.
type HasherFunc func(name string) uint64

func (f HasherFunc) Hash(name string) uint64 { return f(name) }

// Stream is the production stream hasher: the low 32 bits of xxhash in the
// high word and murmur3 in the low word.
var Stream Hasher = HasherFunc(StreamHash)

// StreamHash combines two independent 32-bit hashes of name.
func StreamHash(name string) uint64 {
	low := uint32(xxhash.Sum64String(name))
	high := murmur3.Sum32([]byte(name))
	return Combine(low, high)
}

// Combine packs two 32-bit hashes as low<<32 | high.
func Combine(low, high uint32) uint64 {
	return uint64(low)<<32 | uint64(high)
}

// HumanReadable hashes a name to its first byte. Every name sharing a first
// letter collides, which makes collision handling observable in tests and
// debugging sessions.
var HumanReadable Hasher = HasherFunc(func(name string) uint64 {
	if name == "" {
		return 0
	}
	return uint64(name[0])
})
