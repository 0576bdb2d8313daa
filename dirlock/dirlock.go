// Package dirlock implements the directory-level lock that serializes the
// index open/create pipeline across processes, distinct from the
// per-handle fcntl lock mailidx takes on the index file once it exists.
// It locks a small sentinel file inside the directory rather than the
// directory itself, since not every platform supports locking a directory
// file descriptor.
package dirlock

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const sentinelName = ".mailidx.lock"

// Locker is a mailidx.DirLocker backed by a flock'd sentinel file.
type Locker struct{}

// New returns a Locker. It has no state; one value can be shared across
// every Index in a process.
func New() Locker { return Locker{} }

// Lock satisfies mailidx.DirLocker.
func (Locker) Lock(ctx context.Context, dir string) (func() error, error) {
	path := dir + string(os.PathSeparator) + sentinelName
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0660)
	if err != nil {
		return nil, fmt.Errorf("open directory lock sentinel: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- unix.Flock(int(fd.Fd()), unix.LOCK_EX)
	}()
	select {
	case err := <-done:
		if err != nil {
			fd.Close()
			return nil, fmt.Errorf("flock directory sentinel: %w", err)
		}
	case <-ctx.Done():
		fd.Close()
		return nil, ctx.Err()
	}

	unlock := func() error {
		err := unix.Flock(int(fd.Fd()), unix.LOCK_UN)
		if cerr := fd.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return unlock, nil
}
