// Package integrity provides tamper-evident hashing and Merkle tree
// construction for seeds and corpus checkpoints. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
)

// Digest version prefix. Every digest produced here carries it so the
// encoding can evolve without ambiguity.
const digestPrefix = "v1:"

// ContentDigest hashes seed source text. Clients that admit seeds without
// computing their own source digest use this.
func ContentDigest(src []byte) string {
	sum := sha256.Sum256(src)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// SeedDigest produces the versioned digest of a seed's identity fields.
// Each field is length-prefixed so free-form values cannot collide.
func SeedDigest(id uint64, target, sourceDigest, origin string, lineage []uint64) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are bounded by admission limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(strconv.FormatUint(id, 10))
	writeField(target)
	writeField(sourceDigest)
	writeField(origin)
	parents := make([]string, len(lineage))
	for i, p := range lineage {
		parents[i] = strconv.FormatUint(p, 10)
	}
	writeField(strings.Join(parents, ","))
	return digestPrefix + hex.EncodeToString(h.Sum(nil))
}

// UnionDigest hashes a sorted list of branch IDs.
func UnionDigest(branches []uint32) string {
	h := sha256.New()
	var buf [4]byte
	for _, b := range branches {
		binary.BigEndian.PutUint32(buf[:], b)
		h.Write(buf[:])
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			j := min(i+1, len(level)-1)
			next = append(next, hashPair(level[i], level[j]))
		}
		level = next
	}
	return level[0]
}
