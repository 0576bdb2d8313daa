package mailidx

import (
	"encoding/binary"
	"fmt"
)

// cachefields.go implements the counters-and-deferral behavior around
// Header.CacheFields and Record.CachedFields: which variable-length
// fields the data file carries for a message, and how the engine reacts
// when an accessor asks for a field no record has started carrying yet.
//
// All fields of one record share a single data-store blob (the record's
// DataPosition/DataSize): per field a bit word, a length, and the bytes,
// in ascending bit order.

// encodeFieldBlob packs the given field payloads, restricted to the
// fields mask admits, into one data-store blob. It returns the blob and
// the bits actually included.
func encodeFieldBlob(fields Fields, mask uint32) ([]byte, uint32) {
	var bits uint32
	var blob []byte
	for bit := CacheField(1); bit != 0; bit <<= 1 {
		data, ok := fields[bit]
		if !ok || uint32(bit)&mask == 0 {
			continue
		}
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(bit))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
		blob = append(blob, hdr[:]...)
		blob = append(blob, data...)
		bits |= uint32(bit)
	}
	return blob, bits
}

// decodeFieldBlob finds one field's payload in a blob written by
// encodeFieldBlob, false if the blob doesn't carry it.
func decodeFieldBlob(blob []byte, field CacheField) ([]byte, bool) {
	for len(blob) >= 8 {
		bit := binary.LittleEndian.Uint32(blob[0:4])
		n := binary.LittleEndian.Uint32(blob[4:8])
		blob = blob[8:]
		if uint32(len(blob)) < n {
			break
		}
		if bit == uint32(field) {
			return blob[:n], true
		}
		blob = blob[n:]
	}
	return nil, false
}

// LookupField returns the stored bytes for one cached field of rec,
// consulting the DataStore only when the record actually carries that
// field. This mirrors mail_index_lookup_field's deferral behavior:
//
//   - if rec already carries field, read it out of the record's data
//     blob.
//   - if the header hasn't advertised field yet, queue it into
//     pendingCacheFields so a later exclusive release (or the
//     promote-on-unlock retry in lock.go) widens Header.CacheFields for
//     future appends, and return no data. The header itself is not
//     touched here: LookupField may be running under a shared lock, and
//     shared holders never write the mapping.
//   - if the header has advertised field but rec doesn't carry it, that's
//     corruption: every record written after the header started
//     advertising a field must carry it. HeaderFlagRebuild is set instead.
//
// It requires at least a shared lock.
func (idx *Index) LookupField(rec Record, field CacheField) (_ []byte, rerr error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	defer func() { idx.setErr(rerr) }()
	if err := idx.requireLock(LockShared); err != nil {
		return nil, err
	}

	if rec.CachedFields&uint32(field) != 0 {
		if idx.data == nil {
			return nil, fmt.Errorf("mailidx: no data store configured, cannot look up cached field")
		}
		blob, err := idx.data.Lookup(rec.DataPosition, rec.DataSize)
		if err != nil {
			return nil, fmt.Errorf("read cached fields for uid %d: %w", rec.UID, err)
		}
		data, ok := decodeFieldBlob(blob, field)
		if !ok {
			idx.setHeaderFlag(HeaderFlagRebuild)
			return nil, newError(ErrCorruption, "record for uid %d advertises cache field %d but its data blob lacks it", rec.UID, field)
		}
		return data, nil
	}

	h := idx.mapping.header()
	if h.CacheFields&uint32(field) != 0 {
		idx.setHeaderFlag(HeaderFlagRebuild)
		return nil, newError(ErrCorruption, "record for uid %d is missing advertised cache field %d", rec.UID, field)
	}

	idx.pendingCacheFields |= uint32(field)
	return nil, nil
}

// updateCacheFieldsLocked folds pendingCacheFields into the header's
// advertised CacheFields set and clears HeaderFlagCacheFields. Widening
// only changes which fields future appends are expected to carry; field
// content for records already on disk is re-materialized by the next
// Rebuild, which replays the backend's payloads through the data file.
func (idx *Index) updateCacheFieldsLocked() error {
	if idx.pendingCacheFields != 0 {
		h := idx.mapping.header()
		h.CacheFields |= idx.pendingCacheFields
		idx.mapping.setHeader(&h)
		idx.pendingCacheFields = 0
		idx.dirtyFlags = true
	}
	idx.clearHeaderFlag(HeaderFlagCacheFields)
	return nil
}
