package mailidx

import "encoding/binary"

// UID is a message's unique, non-reused identifier within one mailbox
// index, assigned in strictly increasing order from Header.NextUID.
type UID uint32

// RecordSize is the fixed byte length of one slot in the record array.
const RecordSize = 24

// Record is the decoded form of one slot in the index's record array. A
// slot with UID 0 is an expunged hole, tracked by the free list described
// in holes.go rather than by a tombstone bit.
type Record struct {
	UID          UID
	MsgFlags     MsgFlag
	CachedFields uint32
	DataSize     uint32
	DataPosition int64
}

// IsHole reports whether the slot is a free record slot rather than a live
// message.
func (r Record) IsHole() bool { return r.UID == 0 }

func encodeRecord(buf []byte, r *Record) {
	_ = buf[RecordSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.UID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.MsgFlags))
	binary.LittleEndian.PutUint32(buf[8:12], r.CachedFields)
	binary.LittleEndian.PutUint32(buf[12:16], r.DataSize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.DataPosition))
}

func decodeRecord(buf []byte) Record {
	_ = buf[RecordSize-1]
	var r Record
	r.UID = UID(binary.LittleEndian.Uint32(buf[0:4]))
	r.MsgFlags = MsgFlag(binary.LittleEndian.Uint32(buf[4:8]))
	r.CachedFields = binary.LittleEndian.Uint32(buf[8:12])
	r.DataSize = binary.LittleEndian.Uint32(buf[12:16])
	r.DataPosition = int64(binary.LittleEndian.Uint64(buf[16:24]))
	return r
}

var holeRecord = Record{}
