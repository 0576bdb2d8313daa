package mailidx_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tshlabs/mailidx"
	"github.com/tshlabs/mailidx/data"
	"github.com/tshlabs/mailidx/hashfile"
	"github.com/tshlabs/mailidx/internal/examplebackend"
	"github.com/tshlabs/mailidx/mlog"
	"github.com/tshlabs/mailidx/modifylog"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

type testEngine struct {
	dir  string
	idx  *mailidx.Index
	data *data.Store
	hash *hashfile.Store
	mlog *modifylog.Log
	back *examplebackend.Backend
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	log := mlog.New("test")

	ds, err := data.Open(log, dir, "data", 0)
	tcheckf(t, err, "open data store")
	hs, err := hashfile.Open(log, filepath.Join(dir, "hash"))
	tcheckf(t, err, "open hash store")
	ms, err := modifylog.Open(filepath.Join(dir, "mlog"))
	tcheckf(t, err, "open modify log")
	be, err := examplebackend.Open(ctx, filepath.Join(dir, "backend.db"))
	tcheckf(t, err, "open example backend")

	idx, err := mailidx.Create(ctx, mailidx.Options{
		Dir:       dir,
		FileName:  "index",
		Backend:   be,
		Data:      ds,
		Hash:      hs,
		ModifyLog: ms,
		Log:       log,
	})
	tcheckf(t, err, "create index")

	return &testEngine{dir: dir, idx: idx, data: ds, hash: hs, mlog: ms, back: be}
}

func (e *testEngine) Close() {
	e.idx.Close()
	e.mlog.Close()
	e.hash.Close()
	e.data.Close()
	e.back.Close()
}

func TestAppendLookupExpunge(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	uid1, err := e.idx.Append(ctx, mailidx.MsgFlagSeen, nil)
	tcheckf(t, err, "append 1")
	uid2, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 2")
	if uid1 != 1 || uid2 != 2 {
		t.Fatalf("unexpected uids: %d, %d", uid1, uid2)
	}

	h := e.idx.Header()
	if h.MessagesCount != 2 || h.SeenMessagesCount != 1 {
		t.Fatalf("unexpected header after append: %+v", h)
	}

	rec, err := e.idx.Lookup(uid1)
	tcheckf(t, err, "lookup uid1")
	if rec.MsgFlags&mailidx.MsgFlagSeen == 0 {
		t.Fatalf("expected uid1 to be seen")
	}

	rec2, err := e.idx.LookupSeq(2)
	tcheckf(t, err, "lookup seq 2")
	if rec2.UID != uid2 {
		t.Fatalf("lookupseq 2 returned uid %d, want %d", rec2.UID, uid2)
	}

	tcheckf(t, e.idx.Expunge(ctx, uid1, false), "expunge uid1")
	if _, err := e.idx.Lookup(uid1); err == nil {
		t.Fatalf("expected lookup of expunged uid to fail")
	}
	h = e.idx.Header()
	if h.MessagesCount != 1 {
		t.Fatalf("expected 1 message after expunge, got %d", h.MessagesCount)
	}

	// Appending again always grows the file; the hole left by the expunge
	// is untouched until an explicit compress.
	uid3, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 3")
	if uid3 != 3 {
		t.Fatalf("expected next uid 3, got %d", uid3)
	}
	h = e.idx.Header()
	if h.FirstHoleRecords != 1 {
		t.Fatalf("expected expunge hole to persist across append, got %d hole records", h.FirstHoleRecords)
	}

	tcheckf(t, e.idx.CompressRecords(ctx), "compress records")
	h = e.idx.Header()
	if h.FirstHoleRecords != 0 {
		t.Fatalf("expected compress to reclaim the hole, got %d hole records", h.FirstHoleRecords)
	}
	rec3, err := e.idx.Lookup(uid3)
	tcheckf(t, err, "lookup uid3 after compress")
	if rec3.UID != uid3 {
		t.Fatalf("lookup after compress returned uid %d, want %d", rec3.UID, uid3)
	}
}

func TestUpdateFlags(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	uid, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append")

	w := e.idx.Watch()
	defer w.Close()

	tcheckf(t, e.idx.UpdateFlags(ctx, uid, mailidx.MsgFlagSeen|mailidx.MsgFlagDeleted, false), "update flags")
	h := e.idx.Header()
	if h.SeenMessagesCount != 1 || h.DeletedMessagesCount != 1 {
		t.Fatalf("unexpected header after flag update: %+v", h)
	}

	changes := w.Get()
	if len(changes) != 1 || changes[0].Kind != mailidx.ChangeFlags || changes[0].UID != uid || changes[0].Seq != 1 {
		t.Fatalf("unexpected watcher changes: %+v", changes)
	}
}

func TestRebuildAndFsck(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	for i := 0; i < 3; i++ {
		uid, err := e.idx.Append(ctx, mailidx.MsgFlagSeen, nil)
		tcheckf(t, err, "append %d", i)
		tcheckf(t, e.back.Add(ctx, uint32(uid), uint32(mailidx.MsgFlagSeen), ""), "mirror append to backend")
	}

	problems, err := e.idx.Fsck(ctx)
	tcheckf(t, err, "fsck")
	if len(problems) != 0 {
		t.Fatalf("expected no fsck problems, got %+v", problems)
	}

	tcheckf(t, e.back.MarkDeleted(ctx, 2), "mark uid 2 deleted in backend")
	tcheckf(t, e.idx.Rebuild(ctx), "rebuild")

	h := e.idx.Header()
	if h.MessagesCount != 2 {
		t.Fatalf("expected 2 messages after rebuild, got %d", h.MessagesCount)
	}
	if _, err := e.idx.Lookup(2); err == nil {
		t.Fatalf("expected uid 2 to be gone after rebuild")
	}
}

func TestCompressData(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	if _, err := e.idx.CompressData(ctx); err != nil {
		t.Fatalf("compress with no cached fields should be a no-op, got %v", err)
	}

	// Widen the advertised field set via the deferral path, then append
	// messages whose envelopes land in the data file.
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockShared), "lock shared")
	if _, err := e.idx.LookupField(mailidx.Record{UID: 1}, mailidx.CacheFieldEnvelope); err != nil {
		t.Fatalf("queue cache field: %v", err)
	}
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock folds pending field")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "relock exclusive")

	uid1, err := e.idx.Append(ctx, 0, mailidx.Fields{mailidx.CacheFieldEnvelope: []byte("first envelope")})
	tcheckf(t, err, "append 1")
	uid2, err := e.idx.Append(ctx, 0, mailidx.Fields{mailidx.CacheFieldEnvelope: []byte("second envelope")})
	tcheckf(t, err, "append 2")

	// Expunging uid 1 records its blob as deleted space; compressing
	// keeps only uid 2's.
	tcheckf(t, e.idx.Expunge(ctx, uid1, false), "expunge uid 1")
	n, err := e.idx.CompressData(ctx)
	tcheckf(t, err, "compress data")
	if n != 1 {
		t.Fatalf("expected 1 surviving blob, got %d", n)
	}

	rec, err := e.idx.Lookup(uid2)
	tcheckf(t, err, "lookup uid 2")
	got, err := e.idx.LookupField(rec, mailidx.CacheFieldEnvelope)
	tcheckf(t, err, "read envelope after compress")
	if string(got) != "second envelope" {
		t.Fatalf("envelope mismatch after compress: %q", got)
	}
}

func TestModifyLogCarriesSequence(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	uid1, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 1")
	uid2, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 2")

	tcheckf(t, e.idx.Expunge(ctx, uid1, false), "expunge uid 1")
	// After the expunge, uid 2 has shifted down to sequence 1.
	tcheckf(t, e.idx.UpdateFlags(ctx, uid2, mailidx.MsgFlagSeen, false), "update flags uid 2")
	tcheckf(t, e.idx.Expunge(ctx, uid2, true), "expunge uid 2 externally")

	entries, _, err := e.mlog.ReadSince(0)
	tcheckf(t, err, "read modify log")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", entries)
	}
	if entries[0].Kind != mailidx.ModifyLogExpunge || entries[0].Seq != 1 || entries[0].UID != uid1 || entries[0].External {
		t.Fatalf("unexpected expunge entry: %+v", entries[0])
	}
	if entries[1].Kind != mailidx.ModifyLogFlagChange || entries[1].Seq != 1 || entries[1].UID != uid2 {
		t.Fatalf("unexpected flag-change entry: %+v", entries[1])
	}
	if entries[2].Kind != mailidx.ModifyLogExpunge || entries[2].Seq != 1 || entries[2].UID != uid2 || !entries[2].External {
		t.Fatalf("unexpected external expunge entry: %+v", entries[2])
	}
}

func TestLockAutoRebuildsOnReacquire(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")
	uid, err := e.idx.Append(ctx, mailidx.MsgFlagSeen, nil)
	tcheckf(t, err, "append")
	tcheckf(t, e.back.Add(ctx, uint32(uid), uint32(mailidx.MsgFlagSeen), ""), "mirror append to backend")

	tcheckf(t, e.idx.RequestRebuild(), "request rebuild")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")

	// Re-acquiring any lock notices the pending rebuild bit and runs the
	// full recovery pipeline before returning, rather than leaving it for
	// the caller to act on.
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockShared), "lock shared")
	h := e.idx.Header()
	if h.Flags&mailidx.HeaderFlagRebuild != 0 {
		t.Fatalf("expected rebuild flag to be cleared by automatic rebuild on reacquire, got flags %v", h.Flags)
	}

	rec, err := e.idx.Lookup(uid)
	tcheckf(t, err, "lookup uid after automatic rebuild")
	if rec.UID != uid {
		t.Fatalf("expected backend-mirrored record to survive automatic rebuild, got uid %d", rec.UID)
	}
}

func TestOpenInitUpdateRecent(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")
	uid1, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 1")
	uid2, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 2")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")

	// A reopen with UpdateRecent asks open_init to advance
	// LastNonrecentUID to whatever next_uid-1 is right now, and to report
	// the range of UIDs that are newly \Recent to this opener.
	idx2, err := mailidx.Open(ctx, mailidx.Options{
		Dir:          e.dir,
		FileName:     "index",
		Backend:      e.back,
		Data:         e.data,
		Hash:         e.hash,
		ModifyLog:    e.mlog,
		Log:          mlog.New("test2"),
		UpdateRecent: true,
	})
	tcheckf(t, err, "reopen with update_recent")
	defer idx2.Close()

	if got := idx2.FirstRecentUID(); got != uid1 {
		t.Fatalf("expected first recent uid %d, got %d", uid1, got)
	}
	h := idx2.Header()
	if h.LastNonrecentUID != uid2 {
		t.Fatalf("expected last_nonrecent_uid advanced to %d, got %d", uid2, h.LastNonrecentUID)
	}

	// A second UpdateRecent open with nothing new since sees no \Recent
	// range at all.
	idx3, err := mailidx.Open(ctx, mailidx.Options{
		Dir:          e.dir,
		FileName:     "index",
		Backend:      e.back,
		Data:         e.data,
		Hash:         e.hash,
		ModifyLog:    e.mlog,
		Log:          mlog.New("test3"),
		UpdateRecent: true,
	})
	tcheckf(t, err, "reopen again with update_recent")
	defer idx3.Close()
	if got := idx3.FirstRecentUID(); got != 0 {
		t.Fatalf("expected no new recent uids on second update_recent open, got %d", got)
	}
}

func TestTryLock(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	ok, err := e.idx.TryLock(ctx, mailidx.LockExclusive)
	tcheckf(t, err, "try-lock exclusive")
	if !ok {
		t.Fatalf("expected try-lock to succeed on an otherwise-unlocked handle")
	}
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")
}

func TestCountersHolesAndSequences(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	for _, flags := range []mailidx.MsgFlag{0, mailidx.MsgFlagSeen, mailidx.MsgFlagDeleted} {
		_, err := e.idx.Append(ctx, flags, nil)
		tcheckf(t, err, "append with flags %v", flags)
	}
	h := e.idx.Header()
	if h.MessagesCount != 3 || h.SeenMessagesCount != 1 || h.DeletedMessagesCount != 1 || h.NextUID != 4 {
		t.Fatalf("unexpected counters after three appends: %+v", h)
	}
	if h.FirstUnseenUIDLowwater != 1 || h.FirstDeletedUIDLowwater != 3 {
		t.Fatalf("unexpected lowwater marks after three appends: %+v", h)
	}

	// Expunging the middle message leaves a hole at the second slot and
	// shifts everything after it down one sequence number.
	tcheckf(t, e.idx.Expunge(ctx, 2, false), "expunge uid 2")
	h = e.idx.Header()
	if h.FirstHolePosition != mailidx.HeaderSize+mailidx.RecordSize || h.FirstHoleRecords != 1 {
		t.Fatalf("unexpected hole bookkeeping after middle expunge: %+v", h)
	}
	if h.MessagesCount != 2 || h.SeenMessagesCount != 0 {
		t.Fatalf("unexpected counters after middle expunge: %+v", h)
	}
	rec, err := e.idx.LookupSeq(2)
	tcheckf(t, err, "lookup seq 2 after middle expunge")
	if rec.UID != 3 {
		t.Fatalf("expected uid 3 at sequence 2 after middle expunge, got %d", rec.UID)
	}
	seq, err := e.idx.GetSequence(rec)
	tcheckf(t, err, "get sequence of uid 3")
	if seq != 2 {
		t.Fatalf("expected sequence 2 for uid 3, got %d", seq)
	}

	// A second hole not adjacent to the first can no longer be described
	// by the single-run free list, so the compress flag goes up.
	uid4, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append fourth")
	tcheckf(t, e.idx.Expunge(ctx, uid4, false), "expunge uid 4")
	h = e.idx.Header()
	if h.Flags&mailidx.HeaderFlagCompress == 0 {
		t.Fatalf("expected compress flag after non-adjacent second expunge, got flags %v", h.Flags)
	}

	// get_sequence(lookup(n)) == n for every remaining live message.
	for n := uint32(1); n <= h.MessagesCount; n++ {
		r, err := e.idx.LookupSeq(n)
		tcheckf(t, err, "lookup seq %d", n)
		got, err := e.idx.GetSequence(r)
		tcheckf(t, err, "get sequence of uid %d", r.UID)
		if got != n {
			t.Fatalf("get_sequence(lookup(%d)) = %d", n, got)
		}
	}
}

func TestExpungeLastTruncatesAndResetsData(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	uid, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append")
	_, _, err = e.data.Append([]byte("cached envelope bytes"))
	tcheckf(t, err, "append data blob")

	tcheckf(t, e.idx.Expunge(ctx, uid, false), "expunge last message")

	h := e.idx.Header()
	if h.MessagesCount != 0 || h.FirstHolePosition != 0 || h.FirstHoleRecords != 0 {
		t.Fatalf("unexpected header after expunging last message: %+v", h)
	}
	st, err := os.Stat(filepath.Join(e.dir, "index"))
	tcheckf(t, err, "stat index file")
	if st.Size() != mailidx.HeaderSize {
		t.Fatalf("expected index truncated to header size, got %d bytes", st.Size())
	}
	st, err = os.Stat(filepath.Join(e.dir, "data"))
	tcheckf(t, err, "stat data file")
	if st.Size() != 0 {
		t.Fatalf("expected data file reset to empty, got %d bytes", st.Size())
	}

	if _, ok, err := e.idx.LookupUIDRange(uid, uid); err != nil || ok {
		t.Fatalf("expected no record for expunged uid, got ok=%v err=%v", ok, err)
	}
}

func TestLookupUIDRange(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	for i := 0; i < 3; i++ {
		_, err := e.idx.Append(ctx, 0, nil)
		tcheckf(t, err, "append %d", i)
	}

	rec, ok, err := e.idx.LookupUIDRange(2, 2)
	tcheckf(t, err, "lookup uid range 2:2")
	if !ok || rec.UID != 2 {
		t.Fatalf("expected uid 2, got ok=%v uid=%d", ok, rec.UID)
	}

	tcheckf(t, e.idx.Expunge(ctx, 2, false), "expunge uid 2")
	if _, ok, err := e.idx.LookupUIDRange(2, 2); err != nil || ok {
		t.Fatalf("expected no record for expunged uid 2, got ok=%v err=%v", ok, err)
	}

	// A wider range skips the hole and lands on the next live uid.
	rec, ok, err = e.idx.LookupUIDRange(2, 3)
	tcheckf(t, err, "lookup uid range 2:3")
	if !ok || rec.UID != 3 {
		t.Fatalf("expected uid 3 in range 2:3, got ok=%v uid=%d", ok, rec.UID)
	}
}

func TestUpdateFlagsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")

	uid, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append")

	tcheckf(t, e.idx.UpdateFlags(ctx, uid, mailidx.MsgFlagSeen, false), "update flags")
	entries, _, err := e.mlog.ReadSince(0)
	tcheckf(t, err, "read modify log")
	before := len(entries)

	// The same flags again are a no-op and must not hit the modify log.
	tcheckf(t, e.idx.UpdateFlags(ctx, uid, mailidx.MsgFlagSeen, false), "update flags again")
	entries, _, err = e.mlog.ReadSince(0)
	tcheckf(t, err, "read modify log again")
	if len(entries) != before {
		t.Fatalf("expected no new modify log entries for a no-op flag update, got %d -> %d", before, len(entries))
	}
}

func TestFsckRunsOnCrashedIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")
	uid, err := e.idx.Append(ctx, mailidx.MsgFlagSeen, nil)
	tcheckf(t, err, "append")
	tcheckf(t, e.back.Add(ctx, uint32(uid), uint32(mailidx.MsgFlagSeen), ""), "mirror append to backend")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")
	tcheckf(t, e.idx.Close(), "close")

	// Simulate a writer that died while holding the exclusive lock: the
	// fsck flag stays set in the header on disk.
	path := filepath.Join(e.dir, "index")
	fd, err := os.OpenFile(path, os.O_RDWR, 0)
	tcheckf(t, err, "reopen index file raw")
	buf := make([]byte, 4)
	_, err = fd.ReadAt(buf, 12)
	tcheckf(t, err, "read flags word")
	flags := binary.LittleEndian.Uint32(buf) | uint32(mailidx.HeaderFlagFsck)
	binary.LittleEndian.PutUint32(buf, flags)
	_, err = fd.WriteAt(buf, 12)
	tcheckf(t, err, "write flags word")
	tcheckf(t, fd.Close(), "close raw fd")

	idx2, err := mailidx.Open(ctx, mailidx.Options{
		Dir: e.dir, FileName: "index",
		Backend: e.back, Data: e.data, Hash: e.hash, ModifyLog: e.mlog,
		Log: mlog.New("test-crash"),
	})
	tcheckf(t, err, "reopen after simulated crash")
	defer idx2.Close()

	h := idx2.Header()
	if h.Flags&mailidx.HeaderFlagFsck != 0 {
		t.Fatalf("expected fsck flag cleared after recovery open, got flags %v", h.Flags)
	}
	tcheckf(t, idx2.SetLock(ctx, mailidx.LockShared), "lock shared")
	if _, err := idx2.Lookup(uid); err != nil {
		t.Fatalf("expected record to survive fsck recovery: %v", err)
	}
	tcheckf(t, idx2.SetLock(ctx, mailidx.LockUnlock), "unlock")

	e.mlog.Close()
	e.hash.Close()
	e.data.Close()
	e.back.Close()
}

func TestIndexidChangePoisonsHandle(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()

	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")
	uid, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append")
	tcheckf(t, e.back.Add(ctx, uint32(uid), 0, ""), "mirror append to backend")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")

	// A second handle rebuilds the index, stamping a fresh indexid.
	idx2, err := mailidx.Open(ctx, mailidx.Options{
		Dir: e.dir, FileName: "index",
		Backend: e.back, Data: e.data, Hash: e.hash, ModifyLog: e.mlog,
		Log: mlog.New("test-rebuilder"),
	})
	tcheckf(t, err, "open second handle")
	tcheckf(t, idx2.SetLock(ctx, mailidx.LockExclusive), "lock second handle")
	tcheckf(t, idx2.Rebuild(ctx), "rebuild via second handle")
	tcheckf(t, idx2.SetLock(ctx, mailidx.LockUnlock), "unlock second handle")
	tcheckf(t, idx2.Close(), "close second handle")

	// The first handle notices the indexid change on its next acquire and
	// refuses everything but teardown from then on.
	err = e.idx.SetLock(ctx, mailidx.LockShared)
	if !errors.Is(err, mailidx.ErrInconsistent) {
		t.Fatalf("expected inconsistency error on reacquire after foreign rebuild, got %v", err)
	}
	if !e.idx.IsInconsistencyError() {
		t.Fatalf("expected handle to report inconsistency")
	}
	if _, err := e.idx.Lookup(uid); err == nil {
		t.Fatalf("expected lookup on poisoned handle to fail")
	}
	if e.idx.GetLastError() == "" {
		t.Fatalf("expected last error to be recorded")
	}
}

func TestStaleHoleMetadataRequestsRebuild(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")
	uid1, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 1")
	uid2, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append 2")
	tcheckf(t, e.back.Add(ctx, uint32(uid2), 0, ""), "mirror uid 2 to backend")
	tcheckf(t, e.idx.Expunge(ctx, uid1, false), "expunge uid 1")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")
	tcheckf(t, e.idx.Close(), "close")

	// Zero the hole bookkeeping on disk, leaving a hole at the first slot
	// that the header no longer admits to.
	path := filepath.Join(e.dir, "index")
	fd, err := os.OpenFile(path, os.O_RDWR, 0)
	tcheckf(t, err, "reopen index file raw")
	_, err = fd.WriteAt(make([]byte, 12), 52)
	tcheckf(t, err, "zero hole fields")
	tcheckf(t, fd.Close(), "close raw fd")

	idx2, err := mailidx.Open(ctx, mailidx.Options{
		Dir: e.dir, FileName: "index",
		Backend: e.back, Data: e.data, Hash: e.hash, ModifyLog: e.mlog,
		Log: mlog.New("test-stale"),
	})
	tcheckf(t, err, "reopen with stale hole metadata")
	defer idx2.Close()
	tcheckf(t, idx2.SetLock(ctx, mailidx.LockShared), "lock shared")

	_, err = idx2.LookupSeq(1)
	if !errors.Is(err, mailidx.ErrCorruption) {
		t.Fatalf("expected corruption error for hole before tracked first hole, got %v", err)
	}
	if idx2.Header().Flags&mailidx.HeaderFlagRebuild == 0 {
		t.Fatalf("expected rebuild flag set after stale hole metadata detection")
	}
	if idx2.GetLastError() == "" {
		t.Fatalf("expected last error recorded")
	}
	tcheckf(t, idx2.SetLock(ctx, mailidx.LockUnlock), "unlock")

	e.mlog.Close()
	e.hash.Close()
	e.data.Close()
	e.back.Close()
}

func TestCacheFieldDeferral(t *testing.T) {
	e := newTestEngine(t)
	defer e.Close()
	ctx := context.Background()
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockExclusive), "lock exclusive")
	uid, err := e.idx.Append(ctx, 0, nil)
	tcheckf(t, err, "append")
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock")

	// Asking for a field nobody caches yet queues the request; it must
	// not touch the header while only a shared lock is held.
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockShared), "lock shared")
	rec, err := e.idx.Lookup(uid)
	tcheckf(t, err, "lookup")
	data, err := e.idx.LookupField(rec, mailidx.CacheFieldEnvelope)
	tcheckf(t, err, "lookup unadvertised field")
	if data != nil {
		t.Fatalf("expected no data for uncached field, got %q", data)
	}
	if e.idx.Header().CacheFields&uint32(mailidx.CacheFieldEnvelope) != 0 {
		t.Fatalf("expected header untouched while shared")
	}

	// Unlocking promotes to exclusive just long enough to fold the
	// deferred bit into the header.
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockUnlock), "unlock with pending cache field")
	if e.idx.Header().CacheFields&uint32(mailidx.CacheFieldEnvelope) == 0 {
		t.Fatalf("expected cache field advertised after unlock, header %+v", e.idx.Header())
	}

	// Now that the header advertises the field, a record without it is
	// corruption rather than a new deferral.
	tcheckf(t, e.idx.SetLock(ctx, mailidx.LockShared), "relock shared")
	if _, err := e.idx.LookupField(rec, mailidx.CacheFieldEnvelope); !errors.Is(err, mailidx.ErrCorruption) {
		t.Fatalf("expected corruption for advertised-but-missing field, got %v", err)
	}
	if e.idx.GetLastError() == "" {
		t.Fatalf("expected last error recorded")
	}
}

func TestOpenOrCreateFresh(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	log := mlog.New("test-fresh")

	ds, err := data.Open(log, dir, "data", 0)
	tcheckf(t, err, "open data store")
	defer ds.Close()
	be, err := examplebackend.Open(ctx, filepath.Join(dir, "backend.db"))
	tcheckf(t, err, "open example backend")
	defer be.Close()

	idx, err := mailidx.OpenOrCreate(ctx, mailidx.Options{
		Dir: dir, FileName: "index",
		Backend: be, Data: ds,
		UpdateRecent: true,
		Log:          log,
	})
	tcheckf(t, err, "open-or-create on empty directory")
	defer idx.Close()

	if _, err := os.Stat(filepath.Join(dir, "index")); err != nil {
		t.Fatalf("expected index file published: %v", err)
	}
	h := idx.Header()
	if h.NextUID != 1 || h.MessagesCount != 0 {
		t.Fatalf("unexpected fresh header: %+v", h)
	}
	if h.UIDValidity == 0 || h.IndexID == 0 {
		t.Fatalf("expected creation stamps set: %+v", h)
	}
	if h.Flags != 0 {
		t.Fatalf("expected no flags after initial seed, got %v", h.Flags)
	}

	// A second OpenOrCreate opens the same file rather than creating
	// another.
	idx2, err := mailidx.OpenOrCreate(ctx, mailidx.Options{
		Dir: dir, FileName: "index",
		Backend: be, Data: ds,
		Log: mlog.New("test-fresh-2"),
	})
	tcheckf(t, err, "open-or-create again")
	defer idx2.Close()
	if idx2.Header().UIDValidity != h.UIDValidity {
		t.Fatalf("expected second open to find the same index")
	}
}
