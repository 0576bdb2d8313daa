package mailidx

import (
	"encoding/binary"
	"math"
)

// IndexVersion is bumped whenever the on-disk header or record layout
// changes incompatibly. An index file written by an older or newer version
// is rejected with ErrFormat rather than partially interpreted.
const IndexVersion uint32 = 1

// HeaderSize is the fixed byte length of the header block at the start of
// the index file, before the record array begins.
const HeaderSize = 64

// compatFormatFlag identifies this as the native Go layout, analogous to
// the C engine's compat_data[0] flags byte. It has no bits defined yet; it
// exists so a future incompatible header shape can be refused by value
// rather than by size alone.
const compatFormatFlag = 0x01

// compat_data[1..3] record the native width of the three integer kinds the
// header and record layout are built from. Go's fixed-width types make
// these constant across platforms, but they are still checked on open so a
// hand-edited or foreign-written file is rejected explicitly rather than
// silently misread.
const (
	compatUintSize = 4 // width used for UID, flag bitsets, counts
	compatTimeSize = 8 // recorded time width; the indexid stamp itself is stored in 4 bytes
	compatOffSize  = 8 // width used for file offsets (first_hole_position)
)

// capacityThreshold is the next_uid value at or beyond which the engine
// preemptively requests a rebuild rather than risk wrapping or colliding
// with signed-integer arithmetic elsewhere in the format: SPEC_FULL.md's
// "if next_uid >= INT_MAX - 1024, REBUILD must be set" invariant.
const capacityThreshold = UID(math.MaxInt32 - 1024)

// HeaderFlag is a bit in Header.Flags. These are sticky, deferred-write
// bits: a setter ORs a flag into the in-memory header but does not force a
// synchronous write, so a burst of flag sets costs one flush instead of
// many. See Index.flushDeferredFlagsLocked.
type HeaderFlag uint32

const (
	// HeaderFlagRebuild asks the next opener to discard and rebuild the
	// index from the backend rather than trust the file on disk.
	HeaderFlagRebuild HeaderFlag = 1 << iota
	// HeaderFlagFsck is set for the duration any exclusive writer holds
	// the lock, and cleared on clean release. Finding it still set on
	// open means the previous writer crashed before releasing the lock,
	// and the backend fsck hook should run before anything else trusts
	// the record array.
	HeaderFlagFsck
	// HeaderFlagCompress asks the next opener (or a background task
	// holding an exclusive lock) to defragment the record array,
	// reclaiming holes left by expunges.
	HeaderFlagCompress
	// HeaderFlagRebuildHash asks the next opener to rebuild the uid hash
	// sidecar only; the record array itself is trusted.
	HeaderFlagRebuildHash
	// HeaderFlagCacheFields asks the next opener to widen Header.CacheFields
	// to cover a field an accessor has started requesting.
	HeaderFlagCacheFields
	// HeaderFlagCompressData asks the next opener (or a background task
	// holding an exclusive lock) to compact the data file's holes.
	HeaderFlagCompressData
)

// CacheField is a bit in Header.CacheFields and Record.CachedFields,
// naming which variable-length fields a record may carry in the data
// file. The header's CacheFields is the union ever cached; a record's
// CachedFields is the subset actually present for that message.
type CacheField uint32

const (
	CacheFieldEnvelope CacheField = 1 << iota
	CacheFieldBodystructure
	CacheFieldHeaderText
	CacheFieldLocation
)

// MsgFlag is a bit in Record.MsgFlags, mirroring the small set of flags the
// engine accounts for directly (Header.SeenMessagesCount and
// Header.DeletedMessagesCount track MsgFlagSeen and MsgFlagDeleted).
// Additional application-defined flags may occupy the remaining bits; the
// engine does not interpret them.
type MsgFlag uint32

const (
	MsgFlagAnswered MsgFlag = 1 << iota
	MsgFlagFlagged
	MsgFlagDeleted
	MsgFlagSeen
	MsgFlagDraft
)

// Header is the decoded form of the fixed-size block at the start of the
// index file. The mapping type is what actually owns the live bytes; a
// Header value is a point-in-time snapshot taken under the handle's lock.
type Header struct {
	CompatData              [4]byte
	Version                 uint32
	IndexID                 uint32 // creation stamp, wall-clock seconds truncated to uint32
	Flags                   HeaderFlag
	CacheFields             uint32
	UIDValidity             uint32
	NextUID                 UID
	LastNonrecentUID        UID
	MessagesCount           uint32
	SeenMessagesCount       uint32
	DeletedMessagesCount    uint32
	FirstUnseenUIDLowwater  UID
	FirstDeletedUIDLowwater UID
	FirstHolePosition       int64
	FirstHoleRecords        uint32
}

// newCompatData returns the compat tuple a newly created index should be
// stamped with.
func newCompatData() [4]byte {
	return [4]byte{compatFormatFlag, compatUintSize, compatTimeSize, compatOffSize}
}

// checkCompat reports whether data matches the compat tuple this build of
// the engine understands.
func checkCompat(data [4]byte) bool {
	want := newCompatData()
	return data == want
}

// encodeHeader writes h into buf, which must be at least HeaderSize bytes.
func encodeHeader(buf []byte, h *Header) {
	_ = buf[HeaderSize-1]
	copy(buf[0:4], h.CompatData[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.IndexID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Flags))
	binary.LittleEndian.PutUint32(buf[16:20], h.CacheFields)
	binary.LittleEndian.PutUint32(buf[20:24], h.UIDValidity)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.NextUID))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.LastNonrecentUID))
	binary.LittleEndian.PutUint32(buf[32:36], h.MessagesCount)
	binary.LittleEndian.PutUint32(buf[36:40], h.SeenMessagesCount)
	binary.LittleEndian.PutUint32(buf[40:44], h.DeletedMessagesCount)
	binary.LittleEndian.PutUint32(buf[44:48], uint32(h.FirstUnseenUIDLowwater))
	binary.LittleEndian.PutUint32(buf[48:52], uint32(h.FirstDeletedUIDLowwater))
	binary.LittleEndian.PutUint64(buf[52:60], uint64(h.FirstHolePosition))
	binary.LittleEndian.PutUint32(buf[60:64], h.FirstHoleRecords)
}

// decodeHeader reads a Header out of buf, which must be at least
// HeaderSize bytes.
func decodeHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	var h Header
	copy(h.CompatData[:], buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.IndexID = binary.LittleEndian.Uint32(buf[8:12])
	h.Flags = HeaderFlag(binary.LittleEndian.Uint32(buf[12:16]))
	h.CacheFields = binary.LittleEndian.Uint32(buf[16:20])
	h.UIDValidity = binary.LittleEndian.Uint32(buf[20:24])
	h.NextUID = UID(binary.LittleEndian.Uint32(buf[24:28]))
	h.LastNonrecentUID = UID(binary.LittleEndian.Uint32(buf[28:32]))
	h.MessagesCount = binary.LittleEndian.Uint32(buf[32:36])
	h.SeenMessagesCount = binary.LittleEndian.Uint32(buf[36:40])
	h.DeletedMessagesCount = binary.LittleEndian.Uint32(buf[40:44])
	h.FirstUnseenUIDLowwater = UID(binary.LittleEndian.Uint32(buf[44:48]))
	h.FirstDeletedUIDLowwater = UID(binary.LittleEndian.Uint32(buf[48:52]))
	h.FirstHolePosition = int64(binary.LittleEndian.Uint64(buf[52:60]))
	h.FirstHoleRecords = binary.LittleEndian.Uint32(buf[60:64])
	return h
}
