package examplebackend

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/tshlabs/mailidx"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func TestRebuildOrdersByUID(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, filepath.Join(t.TempDir(), "backend.db"))
	tcheckf(t, err, "open")
	defer b.Close()

	tcheckf(t, b.Add(ctx, 3, 0, "envelope for 3"), "add 3")
	tcheckf(t, b.Add(ctx, 1, uint32(mailidx.MsgFlagSeen), ""), "add 1")
	tcheckf(t, b.Add(ctx, 2, 0, ""), "add 2")
	tcheckf(t, b.MarkDeleted(ctx, 2), "mark 2 deleted")

	var got []mailidx.UID
	fields := map[mailidx.UID]mailidx.Fields{}
	err = b.Rebuild(ctx, func(uid mailidx.UID, flags mailidx.MsgFlag, f mailidx.Fields) error {
		got = append(got, uid)
		fields[uid] = f
		return nil
	})
	tcheckf(t, err, "rebuild")
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected [1 3] in order, got %v", got)
	}
	if string(fields[3][mailidx.CacheFieldEnvelope]) != "envelope for 3" {
		t.Fatalf("expected stored envelope supplied as a cached field, got %+v", fields[3])
	}
	if fields[1] != nil {
		t.Fatalf("expected no fields for a message without an envelope, got %+v", fields[1])
	}
}

func TestFsckFindsOrphanAndMissing(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, filepath.Join(t.TempDir(), "backend.db"))
	tcheckf(t, err, "open")
	defer b.Close()

	tcheckf(t, b.Add(ctx, 1, 0, ""), "add 1")
	tcheckf(t, b.Add(ctx, 2, 0, ""), "add 2")

	existing := func() ([]mailidx.Record, error) {
		return []mailidx.Record{{UID: 1}, {UID: 5}}, nil
	}
	var problems []mailidx.FsckProblem
	err = b.Fsck(ctx, existing, func(p mailidx.FsckProblem) { problems = append(problems, p) })
	tcheckf(t, err, "fsck")

	foundOrphan, foundMissing := false, false
	for _, p := range problems {
		if p.UID == 5 {
			foundOrphan = true
		}
		if p.UID == 2 {
			foundMissing = true
		}
	}
	if !foundOrphan {
		t.Fatalf("expected orphan uid 5 to be reported, got %+v", problems)
	}
	if !foundMissing {
		t.Fatalf("expected missing uid 2 to be reported, got %+v", problems)
	}
}
