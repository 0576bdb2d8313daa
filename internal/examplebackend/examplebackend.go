// Package examplebackend is a small bstore-backed mailidx.Backend used by
// this module's own tests: a Message table the backend treats as truth,
// with the engine's record array as an accelerated view over it.
package examplebackend

import (
	"context"
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/tshlabs/mailidx"
)

// Message is the one type examplebackend stores. Deleted is a tombstone
// rather than a row removal, so Fsck has something to notice if the index
// still references a UID whose message was removed without going through
// Backend.Rebuild bookkeeping.
type Message struct {
	UID      uint32 `bstore:"nonzero"`
	MsgFlags uint32
	Envelope string // cached envelope payload the index stores in its data file
	Deleted  bool
	Created  time.Time
}

// Backend is a mailidx.Backend over a bstore database.
type Backend struct {
	db *bstore.DB
}

// Open opens (creating if necessary) the bstore database at path.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Message{})
	if err != nil {
		return nil, fmt.Errorf("open example backend database: %w", err)
	}
	return &Backend{db: db}, nil
}

// Close closes the underlying database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Add inserts a new message, the backend's own equivalent of
// mailidx.Index.Append; it does not touch the index. envelope may be
// empty for a message with nothing worth caching.
func (b *Backend) Add(ctx context.Context, uid uint32, flags uint32, envelope string) error {
	m := Message{UID: uid, MsgFlags: flags, Envelope: envelope, Created: time.Now()}
	return b.db.Insert(ctx, &m)
}

// MarkDeleted tombstones a message, the backend's own equivalent of
// mailidx.Index.Expunge; it does not touch the index.
func (b *Backend) MarkDeleted(ctx context.Context, uid uint32) error {
	_, err := bstore.QueryDB[Message](ctx, b.db).FilterNonzero(Message{UID: uid}).UpdateNonzero(Message{Deleted: true})
	return err
}

// Sync satisfies mailidx.Backend. The example backend has nothing to
// flush; a real backend with its own write buffering would do that here.
func (b *Backend) Sync(ctx context.Context) error {
	return nil
}

// Rebuild satisfies mailidx.Backend, supplying the stored envelope as a
// cached field payload so a rebuild repopulates the data file too.
func (b *Backend) Rebuild(ctx context.Context, add func(uid mailidx.UID, flags mailidx.MsgFlag, fields mailidx.Fields) error) error {
	q := bstore.QueryDB[Message](ctx, b.db)
	q.FilterEqual("Deleted", false)
	q.SortAsc("UID")
	return q.ForEach(func(m Message) error {
		var fields mailidx.Fields
		if m.Envelope != "" {
			fields = mailidx.Fields{mailidx.CacheFieldEnvelope: []byte(m.Envelope)}
		}
		return add(mailidx.UID(m.UID), mailidx.MsgFlag(m.MsgFlags), fields)
	})
}

// Fsck satisfies mailidx.Backend.
func (b *Backend) Fsck(ctx context.Context, existing func() ([]mailidx.Record, error), report func(mailidx.FsckProblem)) error {
	records, err := existing()
	if err != nil {
		return err
	}
	seen := map[mailidx.UID]bool{}
	for _, r := range records {
		if seen[r.UID] {
			report(mailidx.FsckProblem{UID: r.UID, Message: "duplicate uid in record array"})
		}
		seen[r.UID] = true

		m, err := bstore.QueryDB[Message](ctx, b.db).FilterNonzero(Message{UID: uint32(r.UID)}).Get()
		if err == bstore.ErrAbsent {
			report(mailidx.FsckProblem{UID: r.UID, Message: "uid present in index but not in backend"})
			continue
		}
		if err != nil {
			return fmt.Errorf("query message %d: %w", r.UID, err)
		}
		if m.Deleted {
			report(mailidx.FsckProblem{UID: r.UID, Message: "uid present in index but marked deleted in backend"})
		}
		if mailidx.MsgFlag(m.MsgFlags) != r.MsgFlags {
			report(mailidx.FsckProblem{UID: r.UID, Message: "msg flags mismatch between index and backend"})
		}
	}

	q := bstore.QueryDB[Message](ctx, b.db)
	q.FilterEqual("Deleted", false)
	return q.ForEach(func(m Message) error {
		if !seen[mailidx.UID(m.UID)] {
			report(mailidx.FsckProblem{UID: mailidx.UID(m.UID), Message: "uid present in backend but missing from index"})
		}
		return nil
	})
}
