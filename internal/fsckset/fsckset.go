// Package fsckset provides a compact UID set for checking or rebuilding
// an index against its backend: one bitmap for every UID the
// record array currently holds, and one for every UID the backend claims
// should exist, so duplicates and orphans on either side show up as a
// handful of set operations instead of a nested loop.
package fsckset

import "github.com/RoaringBitmap/roaring/v2"

// Set is a set of message UIDs.
type Set struct {
	bm *roaring.Bitmap
}

// New returns an empty Set.
func New() *Set {
	return &Set{bm: roaring.New()}
}

// Add inserts uid into the set. It reports whether uid was already
// present, so callers can detect a duplicate UID in the record array in
// the same pass that builds the set.
func (s *Set) Add(uid uint32) (wasPresent bool) {
	wasPresent = s.bm.Contains(uid)
	s.bm.Add(uid)
	return wasPresent
}

// Contains reports whether uid is in the set.
func (s *Set) Contains(uid uint32) bool {
	return s.bm.Contains(uid)
}

// Len returns the number of distinct UIDs in the set.
func (s *Set) Len() uint64 {
	return s.bm.GetCardinality()
}

// MinusIterate calls fn for every UID in s that is not in other, in
// ascending order. Used to find records present in the index but missing
// from the backend (orphans) or vice versa (missing messages).
func (s *Set) MinusIterate(other *Set, fn func(uid uint32)) {
	diff := roaring.AndNot(s.bm, other.bm)
	it := diff.Iterator()
	for it.HasNext() {
		fn(it.Next())
	}
}
