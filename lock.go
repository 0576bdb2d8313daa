package mailidx

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tshlabs/mailidx/mlog"
)

// LockType is the lock level a caller asks SetLock for. It mirrors the
// three levels the on-disk fcntl lock actually supports; the richer
// internal lockState additionally tracks transient states the engine
// passes through on the way to one of these.
type LockType int

const (
	LockUnlock LockType = iota
	LockShared
	LockExclusive
)

func (t LockType) String() string {
	switch t {
	case LockUnlock:
		return "unlock"
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return "invalid"
	}
}

// lockState is the handle's full internal state, including states no
// caller can request directly: stateSyncing while Backend.Sync runs on the
// way up from Unlocked, stateRebuilding while a recovery pass holds a
// promoted exclusive lock, and statePoisoned once the handle has observed
// an inconsistency it cannot safely recover from on its own.
type lockState int

const (
	stateUnlocked lockState = iota
	stateSyncing
	stateShared
	stateExclusive
	stateRebuilding
	statePoisoned
)

func (s lockState) lockType() LockType {
	switch s {
	case stateShared:
		return LockShared
	case stateExclusive, stateRebuilding:
		return LockExclusive
	default:
		return LockUnlock
	}
}

// SetLock transitions the handle to the requested lock level, blocking
// until it is available. It is the entry point every read or mutating
// operation calls before touching the mapping.
//
// Downgrading from Exclusive flushes any deferred header flag writes
// first, so a concurrent reader that acquires Shared immediately after
// never observes a stale Header.Flags. Acquiring Shared or Exclusive from
// Unlocked calls Backend.Sync first and then re-reads indexid to detect a
// rebuild that happened while the handle was unlocked.
func (idx *Index) SetLock(ctx context.Context, want LockType) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.setErr(idx.setLockLocked(ctx, want))
}

// TryLock attempts to transition the handle to the requested lock level
// without blocking. It returns false (with a nil error) if the lock is
// currently held elsewhere (EAGAIN/EACCES from fcntl), exactly as a
// blocking SetLock would eventually succeed once the holder releases it.
// Any other failure is returned as an error. On success, TryLock performs
// the same backend-sync, mapping-refresh, and consistency-check steps
// SetLock does.
func (idx *Index) TryLock(ctx context.Context, want LockType) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ok, err := idx.tryLockLocked(ctx, want)
	return ok, idx.setErr(err)
}

func (idx *Index) tryLockLocked(ctx context.Context, want LockType) (bool, error) {
	if want == LockUnlock {
		return true, idx.setLockLocked(ctx, want)
	}
	if idx.state == statePoisoned {
		return false, newError(ErrInconsistent, "index handle is poisoned, close and reopen")
	}
	cur := idx.state.lockType()
	if cur == want {
		return true, nil
	}
	if cur == LockShared && want == LockExclusive {
		return false, fmt.Errorf("mailidx: cannot promote a shared lock to exclusive, unlock first")
	}

	if cur == LockUnlock && idx.backend != nil {
		idx.state = stateSyncing
		if err := idx.backend.Sync(ctx); err != nil {
			idx.state = stateUnlocked
			return false, fmt.Errorf("sync backend before try-lock: %w", err)
		}
		idx.state = stateUnlocked
	}

	var op int16 = unix.F_RDLCK
	if want == LockExclusive {
		op = unix.F_WRLCK
	}
	if err := fcntlLock(idx.fd, op, false); err != nil {
		if err == unix.EAGAIN || err == unix.EACCES {
			return false, nil
		}
		return false, newError(ErrCorruption, "try-acquire index lock: %v", err)
	}

	if want == LockShared {
		idx.state = stateShared
	} else {
		idx.state = stateExclusive
	}
	if err := idx.mapping.refresh(); err != nil {
		idx.state = statePoisoned
		return false, fmt.Errorf("refresh mapping after lock acquire: %w", err)
	}
	if want == LockExclusive {
		idx.setHeaderFlag(HeaderFlagFsck)
		if err := idx.flushDeferredFlagsLocked(); err != nil {
			return false, err
		}
	}
	if err := idx.checkConsistencyLocked(ctx); err != nil {
		return false, err
	}
	if err := idx.handlePendingRebuildLocked(ctx, want); err != nil {
		return false, err
	}
	return true, nil
}

func (idx *Index) setLockLocked(ctx context.Context, want LockType) error {
	if idx.state == statePoisoned {
		return newError(ErrInconsistent, "index handle is poisoned, close and reopen")
	}
	cur := idx.state.lockType()
	if cur == want {
		return nil
	}
	if cur == LockShared && want == LockExclusive {
		return fmt.Errorf("mailidx: cannot promote a shared lock to exclusive, unlock first")
	}

	if cur == LockExclusive && want != LockExclusive {
		if err := idx.releaseExclusiveLocked(); err != nil {
			return err
		}
	}

	switch want {
	case LockUnlock:
		if cur == LockShared && idx.pendingCacheFields != 0 {
			// Deferred cache-field bits accumulated under the shared
			// lock need an exclusive round to land in the header: drop
			// shared, take exclusive, and let its release fold them in.
			if err := fcntlLock(idx.fd, unix.F_UNLCK, false); err != nil {
				return newError(ErrCorruption, "release index lock: %v", err)
			}
			idx.state = stateUnlocked
			if err := idx.setLockLocked(ctx, LockExclusive); err != nil {
				return err
			}
			return idx.setLockLocked(ctx, LockUnlock)
		}
		if err := fcntlLock(idx.fd, unix.F_UNLCK, false); err != nil {
			return newError(ErrCorruption, "release index lock: %v", err)
		}
		idx.state = stateUnlocked
		idx.resetLookupCursor()
		return nil

	case LockShared, LockExclusive:
		if cur == LockUnlock && idx.backend != nil {
			idx.state = stateSyncing
			if err := idx.backend.Sync(ctx); err != nil {
				idx.state = stateUnlocked
				return fmt.Errorf("sync backend before lock: %w", err)
			}
		}
		var op int16 = unix.F_RDLCK
		if want == LockExclusive {
			op = unix.F_WRLCK
		}
		lockStart := time.Now()
		if err := fcntlLock(idx.fd, op, true); err != nil {
			idx.state = stateUnlocked
			return newError(ErrCorruption, "acquire index lock: %v", err)
		}
		if idx.metrics != nil {
			idx.metrics.LockWaitSeconds.WithLabelValues(want.String()).Observe(time.Since(lockStart).Seconds())
		}
		if want == LockShared {
			idx.state = stateShared
		} else {
			idx.state = stateExclusive
		}

		sizeBefore := idx.mapping.size
		if err := idx.mapping.refresh(); err != nil {
			idx.state = statePoisoned
			return fmt.Errorf("refresh mapping after lock acquire: %w", err)
		}
		if idx.metrics != nil && idx.mapping.size != sizeBefore {
			idx.metrics.MmapRemaps.Inc()
		}

		if want == LockExclusive {
			idx.setHeaderFlag(HeaderFlagFsck)
			if err := idx.flushDeferredFlagsLocked(); err != nil {
				return err
			}
		}

		if err := idx.checkConsistencyLocked(ctx); err != nil {
			return err
		}
		return idx.handlePendingRebuildLocked(ctx, want)

	default:
		return fmt.Errorf("mailidx: invalid lock type %d", want)
	}
}

// releaseExclusiveLocked performs the ordered cleanup an exclusive holder
// owes before giving up the lock: clear FSCK, apply any other deferred
// header bits, msync the mapping, sync the data/hash/modify-log
// collaborators, stamp the index file's mtime, and fsync the file
// descriptor. Called whether the caller is dropping to Shared or fully
// unlocking.
func (idx *Index) releaseExclusiveLocked() error {
	if idx.pendingCacheFields != 0 {
		if err := idx.updateCacheFieldsLocked(); err != nil {
			return err
		}
	}
	idx.clearHeaderFlag(HeaderFlagFsck)
	if err := idx.flushDeferredFlagsLocked(); err != nil {
		return err
	}
	if idx.data != nil {
		if err := idx.data.Sync(); err != nil {
			return fmt.Errorf("sync data store before unlock: %w", err)
		}
	}
	if idx.hash != nil {
		if err := idx.hash.Sync(); err != nil {
			return fmt.Errorf("sync hash sidecar before unlock: %w", err)
		}
	}
	if idx.modifyLog != nil {
		if err := idx.modifyLog.Sync(); err != nil {
			return fmt.Errorf("sync modify log before unlock: %w", err)
		}
	}
	now := time.Now()
	path := idx.dir + string(os.PathSeparator) + idx.fileName
	if err := os.Chtimes(path, now, now); err != nil {
		idx.log.Errorx("stamping index file mtime before unlock failed", err)
	}
	if err := idx.fd.Sync(); err != nil {
		return fmt.Errorf("fsync index file before unlock: %w", err)
	}
	return nil
}

// handlePendingRebuildLocked implements "after acquiring any lock, if the
// live header has HeaderFlagRebuild set, run the full rebuild pipeline
// before returning success." A shared holder cannot rebuild directly, so
// it drops to Unlock, promotes to Exclusive to run the pipeline, then
// re-acquires the level it originally asked for; an exclusive holder
// already has what it needs and rebuilds in place.
func (idx *Index) handlePendingRebuildLocked(ctx context.Context, want LockType) error {
	if idx.state == stateRebuilding {
		return nil
	}
	h := idx.mapping.header()
	if h.Flags&HeaderFlagRebuild == 0 {
		return nil
	}

	if want != LockShared {
		return idx.fullRebuildLocked(ctx)
	}

	if err := idx.setLockLocked(ctx, LockUnlock); err != nil {
		return err
	}
	if err := idx.setLockLocked(ctx, LockExclusive); err != nil {
		return err
	}
	if err := idx.setLockLocked(ctx, LockUnlock); err != nil {
		return err
	}
	return idx.setLockLocked(ctx, LockShared)
}

// checkConsistencyLocked re-reads the header's indexid immediately after
// acquiring a lock and compares it against the value remembered at open.
// A mismatch means another process rebuilt the index file out from under
// this handle. An exclusive holder recovers by running the recovery
// pipeline; a shared holder cannot rebuild (it may not mutate) and instead
// poisons the handle so the caller reopens.
func (idx *Index) checkConsistencyLocked(ctx context.Context) error {
	h := idx.mapping.header()
	if h.IndexID == idx.indexID {
		return nil
	}
	if idx.state != stateExclusive {
		idx.state = statePoisoned
		return newError(ErrInconsistent, "index rebuilt by another process (indexid %d != %d)", h.IndexID, idx.indexID)
	}
	idx.log.Info("index rebuilt by another process, recovering",
		mlog.Field("old_indexid", idx.indexID), mlog.Field("new_indexid", h.IndexID))
	return idx.fullRebuildLocked(ctx)
}

// fcntlLock takes or releases a whole-file advisory lock via fcntl,
// blocking (F_SETLKW) when wait is true and failing immediately (F_SETLK)
// otherwise. A blocking acquisition interrupted by a signal (EINTR) is
// retried in place rather than surfaced as an error, since it carries no
// information about the lock itself.
func fcntlLock(fd fileDescriptor, lockType int16, wait bool) error {
	lk := unix.Flock_t{
		Type:   lockType,
		Whence: int16(0),
		Start:  0,
		Len:    0, // whole file
	}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	for {
		err := unix.FcntlFlock(fd.Fd(), cmd, &lk)
		if err == unix.EINTR && wait {
			continue
		}
		return err
	}
}

// fileDescriptor is the minimal surface lock.go needs from *os.File,
// narrowed so tests can substitute a fake without opening a real file.
type fileDescriptor interface {
	Fd() uintptr
}
