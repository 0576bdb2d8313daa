package mailidx

// holes.go implements the free list that tracks expunged record slots
// and the sequence-number/UID lookup path built on top of it.
//
// A hole is a run of consecutive record slots whose UID is 0. The header
// remembers only the first hole (FirstHolePosition, FirstHoleRecords);
// holes further into the file are found by scanning forward from there.
// This keeps the header fixed-size while still letting sequence lookups
// skip the whole run in one step instead of stepping through each hole.
// Append never reuses a hole; only CompressRecords reclaims them.

// firstHoleIndex returns the record index of the first hole, or -1 if
// FirstHoleRecords is zero.
func (idx *Index) firstHoleIndex(h *Header) int64 {
	if h.FirstHoleRecords == 0 {
		return -1
	}
	return (h.FirstHolePosition - HeaderSize) / RecordSize
}

// markHole records that record index idx is now free, updating
// FirstHolePosition/FirstHoleRecords if it extends or precedes the
// existing first hole run, or becomes the new first hole entirely.
// Otherwise (a second hole appears that isn't adjacent to the first run),
// the free list can no longer describe every hole with one run, so
// HeaderFlagCompress is set instead: the record array needs a full
// defragmentation pass (CompressRecords) before the free list is trusted
// again.
func (idx *Index) markHole(recordIdx int64) {
	h := idx.mapping.header()
	pos := idx.mapping.recordOffset(recordIdx)
	cur := idx.firstHoleIndex(&h)
	switch {
	case cur < 0:
		h.FirstHolePosition = pos
		h.FirstHoleRecords = 1
		idx.mapping.setHeader(&h)
		idx.absorbTrailingHolesLocked(&h)
	case recordIdx == cur-1:
		h.FirstHolePosition = pos
		h.FirstHoleRecords++
		idx.mapping.setHeader(&h)
	case recordIdx == cur+int64(h.FirstHoleRecords):
		h.FirstHoleRecords++
		idx.mapping.setHeader(&h)
		idx.absorbTrailingHolesLocked(&h)
	case recordIdx < cur:
		// A second hole, before the tracked run: the new one becomes the
		// first hole, and the file needs a compress pass to merge them.
		h.FirstHolePosition = pos
		h.FirstHoleRecords = 1
		h.Flags |= HeaderFlagCompress
		idx.mapping.setHeader(&h)
		idx.dirtyFlags = true
	default:
		h.Flags |= HeaderFlagCompress
		idx.mapping.setHeader(&h)
		idx.dirtyFlags = true
	}
}

// absorbTrailingHolesLocked extends h.FirstHoleRecords forward while the
// slots immediately following the first hole run are themselves holes,
// so a run built up one expunge at a time stays merged instead of
// tripping the non-adjacent case on the very next hole.
func (idx *Index) absorbTrailingHolesLocked(h *Header) {
	n := idx.mapping.numRecords()
	next := idx.firstHoleIndex(h) + int64(h.FirstHoleRecords)
	grew := false
	for next < n && idx.mapping.recordAt(next).IsHole() {
		h.FirstHoleRecords++
		next++
		grew = true
	}
	if grew {
		idx.mapping.setHeader(h)
	}
}

// lookupSeq finds the record for the given 1-based sequence number,
// returning its record index, or -1 if seq is past the last live record.
// Before the first hole, sequence and record index coincide, so the
// lookup is a single read. Past it, the whole first hole run is skipped
// in one step and the scan resumes from the cursor left by the previous
// lookup when that cursor is still behind the target. Dovecot's
// mail-index.c does the same "resume from last position if it helps"
// trick to make a forward iteration over sequence numbers roughly linear
// rather than quadratic.
func (idx *Index) lookupSeq(seq uint32) (Record, int64, error) {
	if seq == 0 {
		return Record{}, -1, nil
	}
	n := idx.mapping.numRecords()
	naive := int64(seq) - 1
	if naive >= n {
		return Record{}, -1, nil
	}

	h := idx.mapping.header()
	firstHole := idx.firstHoleIndex(&h)
	if firstHole < 0 || naive < firstHole {
		// Every slot before the first hole is live, so the record at the
		// naive position is the answer. Finding a hole there means the
		// hole bookkeeping no longer describes the file.
		r := idx.mapping.recordAt(naive)
		if r.IsHole() {
			idx.setHeaderFlag(HeaderFlagRebuild)
			return Record{}, -1, newError(ErrCorruption, "hole at sequence %d before the tracked first hole, rebuild requested", seq)
		}
		idx.lastLookupOffset = idx.mapping.recordOffset(naive)
		idx.lastLookupSeq = seq
		return r, naive, nil
	}

	// Skip the first hole run in one step: the record right after it (if
	// live) has sequence firstHole+1.
	startIdx := firstHole + int64(h.FirstHoleRecords)
	startSeq := uint32(firstHole) + 1
	if idx.lastLookupOffset >= 0 && idx.lastLookupSeq <= seq {
		if cursorIdx := (idx.lastLookupOffset - HeaderSize) / RecordSize; cursorIdx > startIdx {
			startIdx = cursorIdx
			startSeq = idx.lastLookupSeq
		}
	}
	s := startSeq
	for i := startIdx; i < n; i++ {
		r := idx.mapping.recordAt(i)
		if r.IsHole() {
			continue
		}
		if s == seq {
			idx.lastLookupOffset = idx.mapping.recordOffset(i)
			idx.lastLookupSeq = s
			return r, i, nil
		}
		s++
	}
	return Record{}, -1, nil
}

// sequenceOfLocked computes the 1-based sequence number of the live
// record at recordIdx: an index translation before the first hole, a
// forward count of live records from the end of the hole run after it.
// This is lookupSeq's arithmetic run in reverse.
func (idx *Index) sequenceOfLocked(recordIdx int64) uint32 {
	h := idx.mapping.header()
	firstHole := idx.firstHoleIndex(&h)
	if firstHole < 0 || recordIdx < firstHole {
		return uint32(recordIdx) + 1
	}
	seq := uint32(firstHole) + 1
	for i := firstHole + int64(h.FirstHoleRecords); i < recordIdx; i++ {
		if !idx.mapping.recordAt(i).IsHole() {
			seq++
		}
	}
	return seq
}

// lookupUID finds the record for the given UID, consulting the hash
// sidecar when present and falling back to a linear scan of the record
// array otherwise (or if the sidecar claims a stale slot, which can
// happen if a hash rebuild is pending).
func (idx *Index) lookupUID(uid UID) (Record, int64, bool) {
	if idx.hash != nil {
		if recordIdx, ok, err := idx.hash.Lookup(uid); err == nil && ok {
			if recordIdx >= 0 && recordIdx < idx.mapping.numRecords() {
				if r := idx.mapping.recordAt(recordIdx); r.UID == uid {
					return r, recordIdx, true
				}
			}
		}
	}
	n := idx.mapping.numRecords()
	for i := int64(0); i < n; i++ {
		r := idx.mapping.recordAt(i)
		if r.UID == uid {
			return r, i, true
		}
	}
	return Record{}, -1, false
}

// resetLookupCursor invalidates the sequence-lookup resume cursor. Called
// after any mutation that changes which slots hold live records ahead of
// the cursor (expunge, rebuild), since the cursor's seq-to-offset mapping
// would otherwise become wrong rather than merely suboptimal.
func (idx *Index) resetLookupCursor() {
	idx.lastLookupOffset = -1
	idx.lastLookupSeq = 0
}
