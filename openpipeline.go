package mailidx

import (
	"context"
	"fmt"
)

// openPipelineFlags is every sticky header bit Open/Create must act on
// before handing the handle back to the caller, in the order they are
// meant to run: REBUILD, FSCK, COMPRESS, REBUILD_HASH, CACHE_FIELDS,
// COMPRESS_DATA.
const openPipelineFlags = HeaderFlagRebuild | HeaderFlagFsck | HeaderFlagCompress |
	HeaderFlagRebuildHash | HeaderFlagCacheFields | HeaderFlagCompressData

// runOpenRecoveryIfNeeded inspects the header left on disk by whatever
// process last held the index and, if any pipeline-relevant bit survived
// an unclean shutdown, acquires an exclusive lock and runs the full
// ordered pipeline. The handle is returned to the caller unlocked either
// way, exactly as a plain Open with nothing pending would leave it.
func (idx *Index) runOpenRecoveryIfNeeded(ctx context.Context) error {
	idx.mu.Lock()
	pending := idx.mapping.header().Flags & openPipelineFlags
	idx.mu.Unlock()
	if pending == 0 {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.setLockLocked(ctx, LockExclusive); err != nil {
		return fmt.Errorf("acquire lock to run pending recovery pipeline: %w", err)
	}
	if err := idx.runOpenPipelineLocked(ctx, pending); err != nil {
		idx.setLockLocked(ctx, LockUnlock)
		return err
	}
	return idx.setLockLocked(ctx, LockUnlock)
}

// runOpenPipelineLocked runs each step pending captured at the moment the
// pipeline started, independent of flags the exclusive-acquire itself may
// have set along the way (acquiring Exclusive always raises FSCK; that
// freshly-set bit is unrelated to whatever FSCK state this pipeline run
// was invoked to address, and is cleared symmetrically on release).
//
// HeaderFlagRebuild needs no explicit step here: setLockLocked already
// ran the full rebuild automatically before this function was reached,
// since any lock acquire notices a pending rebuild and runs it (see
// handlePendingRebuildLocked in lock.go).
func (idx *Index) runOpenPipelineLocked(ctx context.Context, pending HeaderFlag) error {
	if pending&HeaderFlagFsck != 0 {
		if _, err := idx.fsckLocked(ctx); err != nil {
			return err
		}
	}
	if pending&HeaderFlagCompress != 0 {
		if err := idx.compressRecordsLocked(ctx); err != nil {
			return err
		}
	}
	if pending&HeaderFlagRebuildHash != 0 && idx.hash != nil {
		if err := idx.rebuildHashLocked(); err != nil {
			return err
		}
	}
	if pending&HeaderFlagCacheFields != 0 {
		if err := idx.updateCacheFieldsLocked(); err != nil {
			return err
		}
	}
	if pending&HeaderFlagCompressData != 0 && idx.data != nil {
		if _, err := idx.compressDataLocked(ctx); err != nil {
			return err
		}
		idx.clearHeaderFlag(HeaderFlagCompressData)
	}
	return nil
}

// runOpenInit implements SPEC_FULL.md §4.5 step 10 (open_init): a
// preemptive capacity check, run on every open regardless of
// UpdateRecent, plus the \Recent bookkeeping when updateRecent is true.
// Both conditions that require a write only need an exclusive lock long
// enough to apply them; the handle is left unlocked afterward either way,
// matching how Open/Create hand back every other handle.
func (idx *Index) runOpenInit(ctx context.Context, updateRecent bool) error {
	idx.mu.Lock()
	h := idx.mapping.header()
	needsCapacity := h.NextUID >= capacityThreshold && h.Flags&HeaderFlagRebuild == 0
	needsRecent := updateRecent && h.LastNonrecentUID != h.NextUID-1
	idx.mu.Unlock()
	if !needsCapacity && !needsRecent {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.setLockLocked(ctx, LockExclusive); err != nil {
		return fmt.Errorf("acquire lock for open_init: %w", err)
	}

	h = idx.mapping.header()
	if h.NextUID >= capacityThreshold && h.Flags&HeaderFlagRebuild == 0 {
		idx.setHeaderFlag(HeaderFlagRebuild)
		idx.log.Error("next uid is approaching capacity, requesting rebuild")
	}
	if updateRecent && h.LastNonrecentUID != h.NextUID-1 {
		idx.firstRecentUID = h.LastNonrecentUID + 1
		h.LastNonrecentUID = h.NextUID - 1
		idx.mapping.setHeader(&h)
		idx.dirtyFlags = true
	}

	return idx.setLockLocked(ctx, LockUnlock)
}

// seedFromBackendLocked runs the full rebuild pipeline against a freshly
// created, empty index, populating it from the Backend before the handle
// is handed back to its caller unlocked. A brand new index file has no
// record array of its own yet; create() step 3 is exactly this rebuild.
func (idx *Index) seedFromBackendLocked(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.setLockLocked(ctx, LockExclusive); err != nil {
		return fmt.Errorf("acquire lock to seed new index from backend: %w", err)
	}
	if err := idx.fullRebuildLocked(ctx); err != nil {
		idx.setLockLocked(ctx, LockUnlock)
		return err
	}
	return idx.setLockLocked(ctx, LockUnlock)
}
