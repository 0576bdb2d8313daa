package mailidx

import (
	"context"
	"fmt"
)

// setHeaderFlag ORs flag into the header's flags word and marks the header
// dirty for a deferred msync rather than flushing immediately; a burst of
// flag sets (e.g. fsck requested, then rebuild requested) costs one flush
// at unlock instead of many.
func (idx *Index) setHeaderFlag(flag HeaderFlag) {
	h := idx.mapping.header()
	h.Flags |= flag
	idx.mapping.setHeader(&h)
	idx.dirtyFlags = true
}

func (idx *Index) clearHeaderFlag(flag HeaderFlag) {
	h := idx.mapping.header()
	h.Flags &^= flag
	idx.mapping.setHeader(&h)
	idx.dirtyFlags = true
}

// flushDeferredFlagsLocked msyncs the mapping if there are unflushed
// header writes. Called before downgrading away from an exclusive lock so
// another process acquiring the lock next always observes current flags.
func (idx *Index) flushDeferredFlagsLocked() error {
	if !idx.dirtyFlags {
		return nil
	}
	if err := idx.mapping.sync(); err != nil {
		return fmt.Errorf("flush header: %w", err)
	}
	idx.dirtyFlags = false
	return nil
}

// Append adds a new message with the given initial flags and cached
// field payloads (nil when the caller has none), assigning it the next
// UID. Of fields, the subset Header.CacheFields advertises is written to
// the data store as one blob the new record points at; the rest is
// dropped, since no reader would know to expect it. Append requires an
// exclusive lock. The record is always written past the current end of
// the record array; holes left by earlier expunges are only ever
// reclaimed by CompressRecords, never reused by Append.
func (idx *Index) Append(ctx context.Context, flags MsgFlag, fields Fields) (_ UID, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockExclusive); err != nil {
		return 0, err
	}
	return idx.appendLocked(flags, fields)
}

// appendLocked is Append's body without the mu.Lock/requireLock, so the
// recovery pipeline (already holding idx.mu under stateRebuilding) can
// reuse it while repopulating the record array.
func (idx *Index) appendLocked(flags MsgFlag, fields Fields) (UID, error) {
	h := idx.mapping.header()
	if h.NextUID >= capacityThreshold {
		idx.setHeaderFlag(HeaderFlagRebuild)
		if h.NextUID == ^UID(0) {
			return 0, newError(ErrCapacity, "next uid has reached its maximum value")
		}
	}
	uid := h.NextUID
	rec := Record{UID: uid, MsgFlags: flags}

	if len(fields) > 0 && idx.data != nil {
		blob, bits := encodeFieldBlob(fields, h.CacheFields)
		if bits != 0 {
			pos, size, err := idx.data.Append(blob)
			if err != nil {
				return 0, fmt.Errorf("append cached fields: %w", err)
			}
			rec.CachedFields = bits
			rec.DataPosition = pos
			rec.DataSize = size
		}
	}

	recordIdx, err := idx.mapping.appendRecord(&rec)
	if err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}

	h.NextUID = uid + 1
	h.MessagesCount++
	if flags&MsgFlagSeen != 0 {
		h.SeenMessagesCount++
	} else if h.FirstUnseenUIDLowwater == 0 || uid < h.FirstUnseenUIDLowwater {
		h.FirstUnseenUIDLowwater = uid
	}
	if flags&MsgFlagDeleted != 0 {
		h.DeletedMessagesCount++
		if h.FirstDeletedUIDLowwater == 0 || uid < h.FirstDeletedUIDLowwater {
			h.FirstDeletedUIDLowwater = uid
		}
	}
	idx.mapping.setHeader(&h)

	if idx.hash != nil {
		if err := idx.hash.Insert(uid, recordIdx); err != nil {
			idx.log.Errorx("hash insert failed, flagging for rebuild", err)
			idx.setHeaderFlag(HeaderFlagRebuildHash)
		}
	}
	if idx.metrics != nil {
		idx.metrics.Appends.Inc()
	}
	return uid, nil
}

// Expunge removes the message with the given UID, turning its slot into a
// hole and recording the event in the modify log so other open handles
// notice it without rescanning. external marks the expunge as applied on
// behalf of an outside source (a backend sync) rather than this handle's
// own caller; it is carried through to the modify log and watchers
// untouched. Expunge requires an exclusive lock.
func (idx *Index) Expunge(ctx context.Context, uid UID, external bool) (rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockExclusive); err != nil {
		return err
	}

	rec, recordIdx, ok := idx.lookupUID(uid)
	if !ok {
		return fmt.Errorf("mailidx: uid %d not found", uid)
	}
	// The sequence number must be taken before the slot becomes a hole;
	// it is what journal consumers key expunge events on.
	seq := idx.sequenceOfLocked(recordIdx)

	h := idx.mapping.header()
	h.MessagesCount--
	if rec.MsgFlags&MsgFlagSeen != 0 {
		h.SeenMessagesCount--
	}
	if rec.MsgFlags&MsgFlagDeleted != 0 {
		h.DeletedMessagesCount--
	}
	idx.mapping.setHeader(&h)

	idx.mapping.setRecordAt(recordIdx, &holeRecord)
	idx.markHole(recordIdx)

	// The lookup cursor maps a sequence number to a record offset; an
	// expunge at or before the cursor shifts that mapping by one.
	if idx.lastLookupOffset >= 0 {
		switch off := idx.mapping.recordOffset(recordIdx); {
		case off == idx.lastLookupOffset:
			idx.resetLookupCursor()
		case off < idx.lastLookupOffset:
			idx.lastLookupSeq--
		}
	}

	if idx.hash != nil {
		if err := idx.hash.Remove(uid); err != nil {
			idx.log.Errorx("hash remove failed, flagging for rebuild", err)
			idx.setHeaderFlag(HeaderFlagRebuildHash)
		}
	}
	if h.MessagesCount == 0 {
		// Last message gone: drop the record array entirely and start the
		// data file over rather than leaving a file full of holes.
		h = idx.mapping.header()
		h.FirstHolePosition = 0
		h.FirstHoleRecords = 0
		h.Flags &^= HeaderFlagCompress
		idx.mapping.setHeader(&h)
		if err := idx.mapping.remap(HeaderSize); err != nil {
			return fmt.Errorf("truncate empty record array: %w", err)
		}
		idx.resetLookupCursor()
		if idx.data != nil {
			if err := idx.data.Reset(); err != nil {
				idx.log.Errorx("resetting data store after last expunge failed", err)
			}
		}
	} else if rec.DataSize > 0 && idx.data != nil {
		if err := idx.data.AddDeletedSpace(rec.DataPosition, rec.DataSize); err != nil {
			idx.log.Errorx("recording deleted data space failed", err)
		}
	}
	if idx.modifyLog != nil && seq != 0 {
		if err := idx.modifyLog.Append(ModifyLogEntry{Kind: ModifyLogExpunge, Seq: seq, UID: uid, External: external}); err != nil {
			idx.log.Errorx("append to modify log failed", err)
		}
	}
	idx.notifier.broadcast(Change{Kind: ChangeExpunge, Seq: seq, UID: uid, External: external})
	if idx.metrics != nil {
		idx.metrics.Expunges.Inc()
	}
	return nil
}

// UpdateFlags replaces the MsgFlags of the message with the given UID,
// maintaining the seen/deleted counters and lowwater marks, and recording
// the change in the modify log. external marks the change as applied on
// behalf of an outside source, same as for Expunge. UpdateFlags requires
// an exclusive lock.
func (idx *Index) UpdateFlags(ctx context.Context, uid UID, flags MsgFlag, external bool) (rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockExclusive); err != nil {
		return err
	}

	rec, recordIdx, ok := idx.lookupUID(uid)
	if !ok {
		return fmt.Errorf("mailidx: uid %d not found", uid)
	}
	if rec.MsgFlags == flags {
		return nil
	}
	seq := idx.sequenceOfLocked(recordIdx)

	h := idx.mapping.header()
	wasSeen, nowSeen := rec.MsgFlags&MsgFlagSeen != 0, flags&MsgFlagSeen != 0
	wasDeleted, nowDeleted := rec.MsgFlags&MsgFlagDeleted != 0, flags&MsgFlagDeleted != 0
	switch {
	case wasSeen && !nowSeen:
		h.SeenMessagesCount--
		if h.FirstUnseenUIDLowwater == 0 || uid < h.FirstUnseenUIDLowwater {
			h.FirstUnseenUIDLowwater = uid
		}
	case !wasSeen && nowSeen:
		h.SeenMessagesCount++
		if h.SeenMessagesCount == h.MessagesCount {
			// That was the last unseen message; future unseen scans can
			// start no lower than here.
			h.FirstUnseenUIDLowwater = uid
		}
	}
	switch {
	case wasDeleted && !nowDeleted:
		h.DeletedMessagesCount--
	case !wasDeleted && nowDeleted:
		h.DeletedMessagesCount++
		if h.FirstDeletedUIDLowwater == 0 || uid < h.FirstDeletedUIDLowwater {
			h.FirstDeletedUIDLowwater = uid
		}
	}
	idx.mapping.setHeader(&h)

	rec.MsgFlags = flags
	idx.mapping.setRecordAt(recordIdx, &rec)

	if idx.modifyLog != nil {
		if err := idx.modifyLog.Append(ModifyLogEntry{Kind: ModifyLogFlagChange, Seq: seq, UID: uid, MsgFlags: flags, External: external}); err != nil {
			idx.log.Errorx("append to modify log failed", err)
		}
	}
	idx.notifier.broadcast(Change{Kind: ChangeFlags, Seq: seq, UID: uid, MsgFlags: flags, External: external})
	if idx.metrics != nil {
		idx.metrics.FlagUpdates.Inc()
	}
	return nil
}

// Lookup returns the record for the given UID. It requires at least a
// shared lock.
func (idx *Index) Lookup(uid UID) (_ Record, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return Record{}, err
	}
	rec, _, ok := idx.lookupUID(uid)
	if !ok {
		return Record{}, fmt.Errorf("mailidx: uid %d not found", uid)
	}
	return rec, nil
}

// LookupSeq returns the record at the given 1-based sequence number. It
// requires at least a shared lock.
func (idx *Index) LookupSeq(seq uint32) (_ Record, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return Record{}, err
	}
	rec, i, err := idx.lookupSeq(seq)
	if err != nil {
		return Record{}, err
	}
	if i < 0 {
		return Record{}, fmt.Errorf("mailidx: sequence %d not found", seq)
	}
	return rec, nil
}

// Next returns the first live record after rec in record-array order, ok
// false at end of file. It requires at least a shared lock.
func (idx *Index) Next(rec Record) (_ Record, _ bool, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return Record{}, false, err
	}
	_, recordIdx, ok := idx.lookupUID(rec.UID)
	if !ok {
		return Record{}, false, fmt.Errorf("mailidx: uid %d not found", rec.UID)
	}
	n := idx.mapping.numRecords()
	for i := recordIdx + 1; i < n; i++ {
		r := idx.mapping.recordAt(i)
		if !r.IsHole() {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// LookupUIDRange returns the first live record whose UID falls within
// [first, last], preferring a handful of direct hash probes when the span
// is narrow before falling back to a linear scan of the record array,
// which is kept in ascending UID order by the append-only growth policy
// and so can stop as soon as it passes last. It requires at least a
// shared lock.
func (idx *Index) LookupUIDRange(first, last UID) (_ Record, _ bool, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return Record{}, false, err
	}
	if idx.hash != nil && last >= first && uint32(last-first)+1 <= 5 {
		for uid := first; uid <= last; uid++ {
			if recordIdx, ok, err := idx.hash.Lookup(uid); err == nil && ok {
				if recordIdx >= 0 && recordIdx < idx.mapping.numRecords() {
					if r := idx.mapping.recordAt(recordIdx); r.UID == uid {
						return r, true, nil
					}
				}
			}
		}
	}
	n := idx.mapping.numRecords()
	for i := int64(0); i < n; i++ {
		r := idx.mapping.recordAt(i)
		if r.IsHole() {
			continue
		}
		if r.UID > last {
			break
		}
		if r.UID >= first {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

// GetSequence returns the 1-based sequence number of rec, the inverse of
// LookupSeq. When rec is already the lookup cursor's position it returns
// the cursor directly; otherwise it counts live records forward from the
// end of the first hole run (sequenceOfLocked) and moves the cursor to rec.
// It requires at least a shared lock.
func (idx *Index) GetSequence(rec Record) (_ uint32, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return 0, err
	}
	_, recordIdx, ok := idx.lookupUID(rec.UID)
	if !ok {
		return 0, fmt.Errorf("mailidx: uid %d not found", rec.UID)
	}
	if idx.lastLookupOffset >= 0 && idx.mapping.recordOffset(recordIdx) == idx.lastLookupOffset {
		return idx.lastLookupSeq, nil
	}

	seq := idx.sequenceOfLocked(recordIdx)
	idx.lastLookupOffset = idx.mapping.recordOffset(recordIdx)
	idx.lastLookupSeq = seq
	return seq, nil
}
