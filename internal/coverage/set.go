// Package coverage turns raw per-run harness traces into canonical coverage
// observations over a target library's branch universe.
package coverage

import (
	"encoding/json"
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// Set is a set of branch IDs backed by a bitmap. The zero value is an empty
// set ready to use. Sets are not safe for concurrent mutation.
type Set struct {
	b *bitset.BitSet
}

// NewSet returns a set holding ids.
func NewSet(ids ...uint32) *Set {
	s := &Set{}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Range returns the set {lo..hi} inclusive.
func Range(lo, hi uint32) *Set {
	s := &Set{}
	for id := lo; id <= hi; id++ {
		s.Add(id)
		if id == hi {
			break
		}
	}
	return s
}

func (s *Set) bits() *bitset.BitSet {
	if s == nil || s.b == nil {
		return nil
	}
	return s.b
}

// Add inserts id.
func (s *Set) Add(id uint32) {
	if s.b == nil {
		s.b = bitset.New(uint(id) + 1)
	}
	s.b.Set(uint(id))
}

// Has reports whether id is in the set.
func (s *Set) Has(id uint32) bool {
	b := s.bits()
	return b != nil && b.Test(uint(id))
}

// Len is the number of branches in the set.
func (s *Set) Len() int {
	b := s.bits()
	if b == nil {
		return 0
	}
	return int(b.Count()) //nolint:gosec // bounded by universe size
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool { return s.Len() == 0 }

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	b := s.bits()
	if b == nil {
		return &Set{}
	}
	return &Set{b: b.Clone()}
}

// UnionWith adds every member of other to s and returns the number of
// members that were new.
func (s *Set) UnionWith(other *Set) int {
	ob := other.bits()
	if ob == nil {
		return 0
	}
	if s.b == nil {
		s.b = ob.Clone()
		return int(ob.Count()) //nolint:gosec // bounded by universe size
	}
	before := s.b.Count()
	s.b.InPlaceUnion(ob)
	return int(s.b.Count() - before) //nolint:gosec // bounded by universe size
}

// CountNotIn returns |s \ other| without allocating a result set.
func (s *Set) CountNotIn(other *Set) int {
	b := s.bits()
	if b == nil {
		return 0
	}
	ob := other.bits()
	if ob == nil {
		return int(b.Count()) //nolint:gosec // bounded by universe size
	}
	return int(b.DifferenceCardinality(ob)) //nolint:gosec // bounded by universe size
}

// Difference returns s \ other as a new set.
func (s *Set) Difference(other *Set) *Set {
	b := s.bits()
	if b == nil {
		return &Set{}
	}
	ob := other.bits()
	if ob == nil {
		return &Set{b: b.Clone()}
	}
	return &Set{b: b.Difference(ob)}
}

// SubsetOf reports whether every member of s is in other.
func (s *Set) SubsetOf(other *Set) bool {
	return s.CountNotIn(other) == 0
}

// Equal reports whether s and other have the same members.
func (s *Set) Equal(other *Set) bool {
	return s.Len() == other.Len() && s.SubsetOf(other)
}

// Max returns the largest member and false when the set is empty.
func (s *Set) Max() (uint32, bool) {
	ids := s.IDs()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[len(ids)-1], true
}

// Each calls fn for every member in ascending order until fn returns false.
func (s *Set) Each(fn func(id uint32) bool) {
	b := s.bits()
	if b == nil {
		return
	}
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		if !fn(uint32(i)) { //nolint:gosec // ids were inserted as uint32
			return
		}
	}
}

// IDs returns the members in ascending order.
func (s *Set) IDs() []uint32 {
	ids := make([]uint32, 0, s.Len())
	s.Each(func(id uint32) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// MarshalJSON encodes the set as a sorted array of branch IDs.
func (s *Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

// UnmarshalJSON decodes a sorted or unsorted array of branch IDs.
func (s *Set) UnmarshalJSON(data []byte) error {
	var ids []uint32
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("coverage: decode set: %w", err)
	}
	*s = Set{}
	for _, id := range ids {
		s.Add(id)
	}
	return nil
}

// MarshalBinary encodes the set in the bitmap's compact binary form, used by
// the storage layer.
func (s *Set) MarshalBinary() ([]byte, error) {
	b := s.bits()
	if b == nil {
		b = bitset.New(0)
	}
	return b.MarshalBinary()
}

// UnmarshalBinary decodes the output of MarshalBinary.
func (s *Set) UnmarshalBinary(data []byte) error {
	b := &bitset.BitSet{}
	if err := b.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("coverage: decode set: %w", err)
	}
	s.b = b
	return nil
}
