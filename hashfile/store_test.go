package hashfile

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/tshlabs/mailidx/mlog"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func TestInsertLookupRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash.db")
	s, err := Open(mlog.New("test"), path)
	tcheckf(t, err, "open")
	defer s.Close()

	tcheckf(t, s.Insert(1, 100), "insert 1")
	tcheckf(t, s.Insert(2, 200), "insert 2")

	idx, ok, err := s.Lookup(1)
	tcheckf(t, err, "lookup 1")
	if !ok || idx != 100 {
		t.Fatalf("expected (100, true), got (%d, %v)", idx, ok)
	}

	tcheckf(t, s.Remove(1), "remove 1")
	_, ok, err = s.Lookup(1)
	tcheckf(t, err, "lookup after remove")
	if ok {
		t.Fatalf("expected removed uid to be absent")
	}
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash.db")
	s, err := Open(mlog.New("test"), path)
	tcheckf(t, err, "open")
	tcheckf(t, s.Insert(5, 500), "insert")
	tcheckf(t, s.Close(), "close")

	s2, err := Open(mlog.New("test"), path)
	tcheckf(t, err, "reopen")
	defer s2.Close()
	idx, ok, err := s2.Lookup(5)
	tcheckf(t, err, "lookup after reopen")
	if !ok || idx != 500 {
		t.Fatalf("expected entry to survive reopen, got (%d, %v)", idx, ok)
	}
}

func TestRebuild(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hash.db")
	s, err := Open(mlog.New("test"), path)
	tcheckf(t, err, "open")
	defer s.Close()

	tcheckf(t, s.Insert(1, 10), "insert stale entry")

	want := map[UID]int64{2: 20, 3: 30}
	err = s.Rebuild(func(yield func(uid UID, idx int64) bool) error {
		for uid, idx := range want {
			if !yield(uid, idx) {
				break
			}
		}
		return nil
	})
	tcheckf(t, err, "rebuild")

	if _, ok, _ := s.Lookup(1); ok {
		t.Fatalf("expected stale entry to be gone after rebuild")
	}
	for uid, idx := range want {
		got, ok, err := s.Lookup(uid)
		tcheckf(t, err, "lookup %d", uid)
		if !ok || got != idx {
			t.Fatalf("uid %d: got (%d, %v), want (%d, true)", uid, got, ok, idx)
		}
	}
}
