package tane

import "time"

// Checkpoint is the public representation of a committed corpus
// checkpoint. It carries no internal package types, so extension code
// outside the module can use it.
type Checkpoint struct {
	Target      string
	Retained    []uint64
	Retired     []uint64
	Pending     []uint64
	UnionSize   int
	UnionDigest string
	MerkleRoot  string
	QuietRounds int
	CreatedAt   time.Time
}
