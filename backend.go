package mailidx

import "context"

// Backend is the collaborator that owns message storage and truth about
// which messages exist. The index is a cache and lookup accelerator over
// the backend's state, not the other way around: Rebuild and Fsck both
// read from Backend to repair the index file, never the reverse.
type Backend interface {
	// Sync is called whenever the handle transitions from Unlocked to
	// Shared or Exclusive, giving the backend a chance to flush anything
	// that would otherwise only become visible to other processes on
	// their next lock acquisition.
	Sync(ctx context.Context) error

	// Rebuild repopulates the entire record array, and the data file
	// with it, from backend truth. It is called with the index held
	// under an exclusive lock and must call add for every message that
	// should exist, in ascending UID order, passing whatever cached
	// field payloads the backend can supply (nil when it has none).
	Rebuild(ctx context.Context, add func(uid UID, flags MsgFlag, fields Fields) error) error

	// Fsck verifies the existing record array against backend truth and
	// reports problems via report; it does not itself repair anything.
	// The caller decides whether findings warrant a Rebuild.
	Fsck(ctx context.Context, existing func() ([]Record, error), report func(FsckProblem)) error
}

// Fields carries the variable-length cached field payloads for one
// message, keyed by field bit. Append and Backend.Rebuild take one;
// the engine stores the subset the header's CacheFields advertises as a
// single data-store blob the record points at.
type Fields map[CacheField][]byte

// FsckProblem describes one inconsistency found while checking the index
// against the backend.
type FsckProblem struct {
	UID     UID
	Message string
}

// HashStore is the collaborator providing O(1) UID to record-index lookup,
// backing the sequence/UID lookup path described by holes.go when a linear
// scan would be too slow.
type HashStore interface {
	Lookup(uid UID) (idx int64, ok bool, err error)
	Insert(uid UID, idx int64) error
	Remove(uid UID) error
	// Rebuild repopulates the sidecar from the record array, called
	// after a HeaderFlagRebuildHash request or detected inconsistency.
	Rebuild(records func(yield func(uid UID, idx int64) bool) error) error
	// Sync durably flushes any writes not yet guaranteed on disk, called
	// as part of releasing an exclusive lock.
	Sync() error
	Close() error
}

// DataStore is the collaborator owning the variable-length cached field
// blobs referenced by Record.DataPosition/DataSize.
type DataStore interface {
	Lookup(position int64, size uint32) ([]byte, error)
	Append(data []byte) (position int64, size uint32, err error)
	// AddDeletedSpace records that the bytes at [position, position+size)
	// are no longer referenced, for later compression.
	AddDeletedSpace(position int64, size uint32) error
	// Compress rewrites the store keeping only the blobs named by
	// entries, in order, and returns their new positions in the same
	// order. The caller holds the index under an exclusive lock and is
	// responsible for updating every surviving Record.DataPosition
	// before anything reads the old positions again.
	Compress(ctx context.Context, entries []DataEntry) ([]int64, error)
	// Reset discards all stored blobs, called when the last message is
	// expunged and nothing references the store anymore.
	Reset() error
	Sync() error
	Close() error
}

// DataEntry identifies one still-referenced blob for DataStore.Compress to
// preserve.
type DataEntry struct {
	Position int64
	Size     uint32
}

// ModifyLog is the collaborator recording expunge and flag-change events
// so other processes with the index open can notice them without polling
// the whole record array.
type ModifyLog interface {
	Append(entries ...ModifyLogEntry) error
	// ReadSince returns entries appended after the given sequence marker,
	// and the new marker to pass on the next call.
	ReadSince(marker uint64) (entries []ModifyLogEntry, next uint64, err error)
	// Sync durably flushes any writes not yet guaranteed on disk, called
	// as part of releasing an exclusive lock.
	Sync() error
	Close() error
}

// ModifyLogEntryKind distinguishes the two event kinds the modify log
// carries.
type ModifyLogEntryKind int

const (
	ModifyLogExpunge ModifyLogEntryKind = iota
	ModifyLogFlagChange
)

// ModifyLogEntry is one recorded event. Seq is the message's 1-based
// sequence number at the time of the event, what an IMAP EXPUNGE
// response is keyed on; External marks events the engine applied on
// behalf of an outside source (e.g. a backend sync) rather than its own
// caller, so peers replaying the journal can tell the two apart.
type ModifyLogEntry struct {
	Kind     ModifyLogEntryKind
	Seq      uint32
	UID      UID
	MsgFlags MsgFlag // new flags, meaningful only for ModifyLogFlagChange
	External bool
}

// DirLocker is the collaborator providing the directory-level lock that
// serializes the open/create pipeline across processes, distinct from the
// per-handle fcntl lock taken on the index file itself once it exists.
type DirLocker interface {
	Lock(ctx context.Context, dir string) (unlock func() error, err error)
}
