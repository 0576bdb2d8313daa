package dirlock

import (
	"context"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	dir := t.TempDir()
	l := New()

	unlock, err := l.Lock(context.Background(), dir)
	if err != nil {
		t.Fatalf("lock: %s", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("unlock: %s", err)
	}

	// Should be lockable again immediately.
	unlock2, err := l.Lock(context.Background(), dir)
	if err != nil {
		t.Fatalf("relock: %s", err)
	}
	if err := unlock2(); err != nil {
		t.Fatalf("unlock2: %s", err)
	}
}

func TestLockRespectsContext(t *testing.T) {
	dir := t.TempDir()
	l := New()

	unlock, err := l.Lock(context.Background(), dir)
	if err != nil {
		t.Fatalf("lock: %s", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, dir)
	if err == nil {
		t.Fatalf("expected second lock to fail while the directory is held")
	}
}
