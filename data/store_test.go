package data

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/tshlabs/mailidx/mlog"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func TestAppendLookupRoundtrip(t *testing.T) {
	s, err := Open(mlog.New("test"), t.TempDir(), "data", 0)
	tcheckf(t, err, "open")
	defer s.Close()

	payloads := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("compressible-compressible-compressible "), 200),
		{},
	}
	var entries []Entry
	for i, p := range payloads {
		pos, size, err := s.Append(p)
		tcheckf(t, err, "append %d", i)
		entries = append(entries, Entry{Position: pos, Size: size})
	}
	for i, p := range payloads {
		got, err := s.Lookup(entries[i].Position, entries[i].Size)
		tcheckf(t, err, "lookup %d", i)
		if !bytes.Equal(got, p) {
			t.Fatalf("payload %d roundtrip mismatch: got %q want %q", i, got, p)
		}
	}
}

func TestCompressRewritesPositions(t *testing.T) {
	s, err := Open(mlog.New("test"), t.TempDir(), "data", 0)
	tcheckf(t, err, "open")
	defer s.Close()

	var entries []Entry
	var payloads [][]byte
	for i := 0; i < 5; i++ {
		p := bytes.Repeat([]byte{byte('a' + i)}, 50)
		pos, size, err := s.Append(p)
		tcheckf(t, err, "append %d", i)
		payloads = append(payloads, p)
		entries = append(entries, Entry{Position: pos, Size: size})
	}

	// Drop the even-indexed entries, as if their messages were expunged.
	var kept []Entry
	var keptPayloads [][]byte
	for i, e := range entries {
		if i%2 == 1 {
			kept = append(kept, e)
			keptPayloads = append(keptPayloads, payloads[i])
		}
	}

	newPositions, err := s.Compress(context.Background(), kept)
	tcheckf(t, err, "compress")
	if len(newPositions) != len(kept) {
		t.Fatalf("expected %d positions, got %d", len(kept), len(newPositions))
	}
	for i, pos := range newPositions {
		got, err := s.Lookup(pos, kept[i].Size)
		tcheckf(t, err, "lookup after compress %d", i)
		if !bytes.Equal(got, keptPayloads[i]) {
			t.Fatalf("payload %d after compress mismatch: got %q want %q", i, got, keptPayloads[i])
		}
	}
}

func TestDeletedBytes(t *testing.T) {
	s, err := Open(mlog.New("test"), t.TempDir(), "data", 0)
	tcheckf(t, err, "open")
	defer s.Close()

	if s.DeletedBytes() != 0 {
		t.Fatalf("expected zero deleted bytes initially")
	}
	tcheckf(t, s.AddDeletedSpace(0, 10), "add deleted space")
	tcheckf(t, s.AddDeletedSpace(10, 20), "add deleted space 2")
	if s.DeletedBytes() != 30 {
		t.Fatalf("expected 30 deleted bytes, got %d", s.DeletedBytes())
	}
}

func TestReset(t *testing.T) {
	s, err := Open(mlog.New("test"), t.TempDir(), "data", 0)
	tcheckf(t, err, "open")
	defer s.Close()

	pos, size, err := s.Append([]byte("soon gone"))
	tcheckf(t, err, "append")
	tcheckf(t, s.AddDeletedSpace(pos, size), "add deleted space")

	tcheckf(t, s.Reset(), "reset")
	if s.DeletedBytes() != 0 {
		t.Fatalf("expected deleted-space bookkeeping cleared by reset")
	}

	// The store starts over: the next append lands at the beginning.
	pos, _, err = s.Append([]byte("fresh"))
	tcheckf(t, err, "append after reset")
	if pos != 0 {
		t.Fatalf("expected first append after reset at position 0, got %d", pos)
	}
}

func TestCompressPaced(t *testing.T) {
	// A generous but finite rate exercises the limiter path without
	// making the test slow; the paced pass must produce the same layout
	// as an unpaced one.
	s, err := Open(mlog.New("test"), t.TempDir(), "data", 1<<30)
	tcheckf(t, err, "open")
	defer s.Close()

	var entries []Entry
	var payloads [][]byte
	for i := 0; i < 3; i++ {
		p := bytes.Repeat([]byte{byte('x' + i)}, 40)
		pos, size, err := s.Append(p)
		tcheckf(t, err, "append %d", i)
		payloads = append(payloads, p)
		entries = append(entries, Entry{Position: pos, Size: size})
	}

	positions, err := s.Compress(context.Background(), entries)
	tcheckf(t, err, "paced compress")
	var want int64
	for i, pos := range positions {
		if pos != want {
			t.Fatalf("entry %d at position %d after paced compress, want %d", i, pos, want)
		}
		got, err := s.Lookup(pos, entries[i].Size)
		tcheckf(t, err, "lookup %d after paced compress", i)
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("payload %d mismatch after paced compress", i)
		}
		want += int64(entries[i].Size)
	}
}
