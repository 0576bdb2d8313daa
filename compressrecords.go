package mailidx

import (
	"context"
	"fmt"
)

// CompressRecords defragments the record array, copying every live record
// down over the holes ahead of it so the free list collapses back to
// nothing. It requires an exclusive lock. This is the only operation that
// ever reclaims a hole left by Expunge; Append always grows the file
// instead of reusing one (see HeaderFlagCompress in holes.go).
func (idx *Index) CompressRecords(ctx context.Context) (rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockExclusive); err != nil {
		return err
	}
	return idx.compressRecordsLocked(ctx)
}

func (idx *Index) compressRecordsLocked(ctx context.Context) error {
	n := idx.mapping.numRecords()
	write := int64(0)
	for read := int64(0); read < n; read++ {
		r := idx.mapping.recordAt(read)
		if r.IsHole() {
			continue
		}
		if write != read {
			idx.mapping.setRecordAt(write, &r)
			if idx.hash != nil {
				if err := idx.hash.Insert(r.UID, write); err != nil {
					idx.log.Errorx("hash insert during record compress failed, flagging for rebuild", err)
					idx.setHeaderFlag(HeaderFlagRebuildHash)
				}
			}
		}
		write++
	}

	newSize := idx.mapping.recordOffset(write)
	if err := idx.mapping.remap(newSize); err != nil {
		return fmt.Errorf("shrink mapping after record compress: %w", err)
	}

	h := idx.mapping.header()
	h.FirstHolePosition = 0
	h.FirstHoleRecords = 0
	h.Flags &^= HeaderFlagCompress
	idx.mapping.setHeader(&h)
	idx.dirtyFlags = true
	idx.resetLookupCursor()
	if idx.metrics != nil {
		idx.metrics.CompressRecordsRuns.Inc()
	}
	return nil
}
