package mailidx

import (
	"context"
	"fmt"
)

// CompressData rewrites the backing DataStore to reclaim space freed by
// expunged messages, updating every surviving record's DataPosition to
// match the store's new layout. It requires an exclusive lock, since every
// record's cached field location changes underneath readers for the
// duration. It returns the number of blobs copied.
func (idx *Index) CompressData(ctx context.Context) (_ int, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockExclusive); err != nil {
		return 0, err
	}
	return idx.compressDataLocked(ctx)
}

// compressDataLocked is CompressData's body without the mu.Lock/
// requireLock, so the open-time recovery pipeline (already holding
// idx.mu) can run it without deadlocking.
func (idx *Index) compressDataLocked(ctx context.Context) (int, error) {
	if idx.data == nil {
		return 0, fmt.Errorf("mailidx: no data store configured, cannot compress")
	}

	n := idx.mapping.numRecords()
	var recordIdxs []int64
	var entries []DataEntry
	for i := int64(0); i < n; i++ {
		r := idx.mapping.recordAt(i)
		if r.IsHole() || r.DataSize == 0 {
			continue
		}
		entries = append(entries, DataEntry{Position: r.DataPosition, Size: r.DataSize})
		recordIdxs = append(recordIdxs, i)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	positions, err := idx.data.Compress(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("compress data store: %w", err)
	}
	if len(positions) != len(entries) {
		return 0, fmt.Errorf("mailidx: data store returned %d positions for %d entries", len(positions), len(entries))
	}

	for i, recordIdx := range recordIdxs {
		r := idx.mapping.recordAt(recordIdx)
		r.DataPosition = positions[i]
		idx.mapping.setRecordAt(recordIdx, &r)
	}
	if idx.metrics != nil {
		idx.metrics.CompressRuns.Inc()
	}
	return len(entries), nil
}
