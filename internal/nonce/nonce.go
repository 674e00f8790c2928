// Package nonce computes the hash chain that ties a superblock's random
// seed to a subindex's identity and, in turn, to each save slot's
// integrity nonce (spec.md §3 invariants 3-5). It wraps
// github.com/spaolacci/murmur3 (MurmurHash3-128, low 64 bits kept), the
// nonce source spec.md §2 names as an out-of-scope external collaborator
// — this package is the concrete default that makes the chain runnable.
package nonce

import "github.com/spaolacci/murmur3"

// Source hashes an arbitrary byte input down to 64 bits. It is the seam
// tests substitute a deterministic fake through, per the Design Notes'
// instruction to replace process-wide singletons with explicit,
// passed-in context.
type Source interface {
	Hash(data []byte) uint64
}

// Murmur3 is the production Source: MurmurHash3-128 via
// spaolacci/murmur3, keeping the low 64 bits as spec.md §2 specifies.
type Murmur3 struct{}

func (Murmur3) Hash(data []byte) uint64 {
	lo, _ := murmur3.Sum128(data)
	return lo
}

// PrimaryHash derives the superblock's master_nonce from its random
// nonce_seed (Invariant 3: master_nonce = hash_64(nonce_seed)).
func PrimaryHash(src Source, seed []byte) uint64 {
	return src.Hash(seed)
}

// SecondaryHash derives a dependent nonce from a parent nonce and an
// arbitrary encoded payload (Invariants 4 and 5): it hashes the parent
// nonce's 8 little-endian bytes concatenated with payload.
func SecondaryHash(src Source, parent uint64, payload []byte) uint64 {
	buf := make([]byte, 8+len(payload))
	for i := 0; i < 8; i++ {
		buf[i] = byte(parent >> (8 * i))
	}
	copy(buf[8:], payload)
	return src.Hash(buf)
}

// SecondaryHashWithFallback implements Invariant 5's quirk: if
// SecondaryHash(master, payload) is zero, recompute using the two's
// complement of master instead. This is preserved exactly as spec.md §9
// flags it, for cross-compatibility with the original format, even
// though a greenfield design would just retry with a fixed salt.
func SecondaryHashWithFallback(src Source, master uint64, payload []byte) uint64 {
	h := SecondaryHash(src, master, payload)
	if h != 0 {
		return h
	}
	return SecondaryHash(src, ^master+1, payload)
}
