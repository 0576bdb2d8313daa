package mailidx

import (
	"context"
	"fmt"
	"time"

	"github.com/tshlabs/mailidx/mlog"
)

// recovery.go implements the rebuild and fsck operations, and the
// recovery pipeline that SetLock runs automatically when it notices the
// index was rebuilt by another process (see checkConsistencyLocked).

// runRecoveryLocked truncates the record array back to empty, stamps a
// fresh indexid, and replays Backend.Rebuild to repopulate it. idx.mu must
// already be held and idx.state must be stateRebuilding.
func (idx *Index) runRecoveryLocked(ctx context.Context) error {
	if idx.backend == nil {
		return fmt.Errorf("mailidx: no backend configured, cannot recover")
	}
	idx.log.Info("running index recovery")

	if err := idx.resetRecordsLocked(); err != nil {
		idx.reportRecovery("error")
		return fmt.Errorf("reset record array: %w", err)
	}
	if idx.data != nil {
		// The replay below re-appends every record's cached fields, so
		// the data file starts over with them; anything older is dead.
		if err := idx.data.Reset(); err != nil {
			idx.reportRecovery("error")
			return fmt.Errorf("reset data store for rebuild: %w", err)
		}
	}

	count := 0
	keepNextUID := idx.mapping.header().NextUID
	var lastUID UID
	err := idx.backend.Rebuild(ctx, func(uid UID, flags MsgFlag, fields Fields) error {
		if uid <= lastUID {
			return fmt.Errorf("backend produced uid %d out of order after %d", uid, lastUID)
		}
		// appendLocked assigns Header.NextUID, so point it at the backend's
		// uid; gaps left by deleted messages are kept as they are.
		h := idx.mapping.header()
		h.NextUID = uid
		idx.mapping.setHeader(&h)
		if _, err := idx.appendLocked(flags, fields); err != nil {
			return err
		}
		lastUID = uid
		count++
		return nil
	})
	if h := idx.mapping.header(); h.NextUID < keepNextUID {
		h.NextUID = keepNextUID
		idx.mapping.setHeader(&h)
	}
	if err != nil {
		idx.reportRecovery("error")
		return fmt.Errorf("rebuild from backend: %w", err)
	}

	idx.resetLookupCursor()
	if idx.hash != nil {
		if err := idx.rebuildHashLocked(); err != nil {
			idx.log.Errorx("hash rebuild after recovery failed, flagging for later retry", err)
			idx.setHeaderFlag(HeaderFlagRebuildHash)
		}
	}
	if err := idx.flushDeferredFlagsLocked(); err != nil {
		return err
	}
	idx.log.Info("index recovery complete", mlog.Field("messages", count))
	idx.reportRecovery("ok")
	return nil
}

func (idx *Index) reportRecovery(outcome string) {
	if idx.metrics != nil {
		idx.metrics.RecoveryRuns.WithLabelValues(outcome).Inc()
	}
}

// resetRecordsLocked truncates the record array to zero length and stamps
// a fresh indexid and zeroed counters, leaving the header otherwise as-is
// (cache field configuration, UID validity survive a rebuild).
func (idx *Index) resetRecordsLocked() error {
	if err := idx.mapping.remap(HeaderSize); err != nil {
		return err
	}
	h := idx.mapping.header()
	// A rebuild within the same wall-clock second as the previous stamp
	// must still produce a distinct indexid, or other handles cannot tell
	// the record array was replaced underneath them.
	id := uint32(time.Now().Unix())
	if id <= h.IndexID {
		id = h.IndexID + 1
	}
	h.IndexID = id
	h.MessagesCount = 0
	h.SeenMessagesCount = 0
	h.DeletedMessagesCount = 0
	h.FirstUnseenUIDLowwater = 0
	h.FirstDeletedUIDLowwater = 0
	h.FirstHolePosition = 0
	h.FirstHoleRecords = 0
	h.Flags &^= HeaderFlagRebuild | HeaderFlagFsck
	idx.mapping.setHeader(&h)
	idx.dirtyFlags = true
	return nil
}

func (idx *Index) rebuildHashLocked() error {
	n := idx.mapping.numRecords()
	err := idx.hash.Rebuild(func(yield func(uid UID, idx2 int64) bool) error {
		for i := int64(0); i < n; i++ {
			r := idx.mapping.recordAt(i)
			if r.IsHole() {
				continue
			}
			if !yield(r.UID, i) {
				break
			}
		}
		return nil
	})
	if err == nil {
		idx.clearHeaderFlag(HeaderFlagRebuildHash)
	}
	return err
}

// fullRebuildLocked runs the recovery pipeline while tracking the
// transient rebuilding state. It is shared by every path that needs to
// force a rebuild while idx.mu is already held: Rebuild itself,
// checkConsistencyLocked's cross-process indexid mismatch handling, the
// open-time recovery pipeline, and the pending-HeaderFlagRebuild check on
// every lock acquire.
func (idx *Index) fullRebuildLocked(ctx context.Context) error {
	prev := idx.state
	idx.state = stateRebuilding
	if err := idx.runRecoveryLocked(ctx); err != nil {
		idx.state = statePoisoned
		return err
	}
	idx.indexID = idx.mapping.header().IndexID
	idx.state = prev
	return nil
}

// Rebuild forces a full recovery pass regardless of indexid, discarding
// and repopulating the record array from the Backend. It requires an
// exclusive lock.
func (idx *Index) Rebuild(ctx context.Context) (rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockExclusive); err != nil {
		return err
	}
	return idx.fullRebuildLocked(ctx)
}

// Fsck asks the Backend to verify the existing record array against its
// own truth, without modifying anything. It requires at least a shared
// lock. Problems found are returned; the caller decides whether to call
// Rebuild.
func (idx *Index) Fsck(ctx context.Context) (_ []FsckProblem, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return nil, err
	}
	return idx.fsckLocked(ctx)
}

// fsckLocked is Fsck's body without the mu.Lock/requireLock, so the
// open-time recovery pipeline (already holding idx.mu) can run it without
// deadlocking.
func (idx *Index) fsckLocked(ctx context.Context) ([]FsckProblem, error) {
	if idx.backend == nil {
		return nil, fmt.Errorf("mailidx: no backend configured, cannot fsck")
	}

	existing := func() ([]Record, error) {
		n := idx.mapping.numRecords()
		out := make([]Record, 0, n)
		for i := int64(0); i < n; i++ {
			r := idx.mapping.recordAt(i)
			if !r.IsHole() {
				out = append(out, r)
			}
		}
		return out, nil
	}

	var problems []FsckProblem
	report := func(p FsckProblem) {
		problems = append(problems, p)
		if idx.metrics != nil {
			idx.metrics.FsckProblems.Inc()
		}
	}
	if err := idx.backend.Fsck(ctx, existing, report); err != nil {
		return nil, fmt.Errorf("fsck: %w", err)
	}
	return problems, nil
}

// RequestRebuild sets the sticky HeaderFlagRebuild bit so the next process
// to acquire the lock (this one or another) runs a full recovery before
// doing anything else. It requires at least a shared lock, since setting a
// deferred flag does not itself mutate the record array.
func (idx *Index) RequestRebuild() (rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return err
	}
	idx.setHeaderFlag(HeaderFlagRebuild)
	return nil
}
