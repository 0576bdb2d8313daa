package mailidx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tshlabs/mailidx/diskutil"
	"github.com/tshlabs/mailidx/mlog"
)

// noopDirLocker is used when Options.DirLocker is nil, for single-process
// use where no other process can race the open/create pipeline.
type noopDirLocker struct{}

func (noopDirLocker) Lock(ctx context.Context, dir string) (func() error, error) {
	return func() error { return nil }, nil
}

func (o *Options) fill() {
	if o.DirLocker == nil {
		o.DirLocker = noopDirLocker{}
	}
	if o.Log == nil {
		o.Log = mlog.New("mailidx")
	}
}

// Open opens an existing index file. It returns an error satisfying
// errors.Is(err, os.ErrNotExist) if no usable file is found; a file whose
// compat tuple or version doesn't match what this build understands is
// skipped as if absent. errors.Is(err, ErrFormat) is returned only when
// the chosen file fails that check once it is mapped.
//
// Before giving up, it scans Dir for any other file whose name starts
// with FileName and whose header verifies, covering the case where the
// primary file name was unavailable at create time and the engine
// published under a hostname-suffixed fallback name instead.
func Open(ctx context.Context, opts Options) (*Index, error) {
	opts.fill()
	path, err := findIndexFile(opts.Dir, opts.FileName)
	if err != nil {
		return nil, err
	}
	fd, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	idx, err := openFd(ctx, opts, fd)
	if err != nil {
		return nil, err
	}
	if err := idx.runOpenRecoveryIfNeeded(ctx); err != nil {
		idx.Close()
		return nil, err
	}
	if err := idx.runOpenInit(ctx, opts.UpdateRecent); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

// findIndexFile returns the path of an index file to open: the primary
// opts.path() if it exists and verifies, or else the first sibling in dir
// whose name starts with prefix and whose header verifies. It returns
// errors.Is(err, os.ErrNotExist) if neither is found, so OpenOrCreate's
// existing fallback to create keeps working unchanged.
func findIndexFile(dir, prefix string) (string, error) {
	primary := dir + string(os.PathSeparator) + prefix
	if verifyIndexHeader(primary) {
		return primary, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return primary, err
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == prefix || !hasPrefix(e.Name(), prefix) {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		if verifyIndexHeader(candidate) {
			return candidate, nil
		}
	}
	return primary, os.ErrNotExist
}

func hasPrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

// verifyIndexHeader reports whether path exists, is at least big enough
// to hold a header, and that header's compat tuple and version match
// what this build understands.
func verifyIndexHeader(path string) bool {
	fd, err := os.Open(path)
	if err != nil {
		return false
	}
	defer fd.Close()
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(fd, buf); err != nil {
		return false
	}
	h := decodeHeader(buf)
	return checkCompat(h.CompatData) && h.Version == IndexVersion
}

func openFd(ctx context.Context, opts Options, fd *os.File) (*Index, error) {
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat index file: %w", err)
	}
	if st.Size() < HeaderSize {
		fd.Close()
		return nil, newError(ErrFormat, "index file too small to hold a header")
	}

	size := st.Size()
	if excess := (size - HeaderSize) % RecordSize; excess != 0 {
		size -= excess
		if err := fd.Truncate(size); err != nil {
			fd.Close()
			return nil, fmt.Errorf("truncate partial trailing record: %w", err)
		}
	}

	m, err := newMapping(fd, size)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("map index file: %w", err)
	}
	h := m.header()
	if !checkCompat(h.CompatData) || h.Version != IndexVersion {
		m.close()
		fd.Close()
		return nil, newError(ErrFormat, "index file has incompatible compat tuple or version %d", h.Version)
	}

	idx := &Index{
		dir:              opts.Dir,
		fileName:         filepath.Base(fd.Name()),
		fd:               fd,
		mapping:          m,
		indexID:          h.IndexID,
		state:            stateUnlocked,
		lastLookupOffset: -1,
		data:             opts.Data,
		hash:             opts.Hash,
		modifyLog:        opts.ModifyLog,
		dirLocker:        opts.DirLocker,
		backend:          opts.Backend,
		notifier:         newNotifier(),
		metrics:          opts.Metrics,
		log:              opts.Log,
	}
	return idx, nil
}

// Create makes a new, empty index file. If a file of the configured name
// already exists, it publishes under "<FileName>-<hostname>" instead, and
// fails with os.ErrExist only if that name is taken too; use OpenOrCreate
// for the common "open if present, else create" case.
//
// Creation writes the header into a temporary file in the same directory
// and links it into place, matching the engine's own convention for
// atomically publishing file content elsewhere (see diskutil.LinkOrCopy):
// a reader can never observe a partially-written header.
func Create(ctx context.Context, opts Options) (*Index, error) {
	opts.fill()
	unlock, err := opts.DirLocker.Lock(ctx, opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("lock directory: %w", err)
	}
	defer unlock()
	return createLocked(ctx, opts)
}

func createLocked(ctx context.Context, opts Options) (*Index, error) {
	tmpName := opts.path() + ".tmp-" + uuid.NewString()
	tf, err := os.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0660)
	if err != nil {
		return nil, fmt.Errorf("create temp index file: %w", err)
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpName)
		}
	}()

	stamp := uint32(time.Now().Unix())
	h := Header{
		CompatData:  newCompatData(),
		Version:     IndexVersion,
		IndexID:     stamp,
		UIDValidity: stamp,
		NextUID:     1,
	}
	buf := make([]byte, HeaderSize)
	encodeHeader(buf, &h)
	if _, err := tf.WriteAt(buf, 0); err != nil {
		tf.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := tf.Sync(); err != nil {
		tf.Close()
		return nil, fmt.Errorf("sync temp index file: %w", err)
	}
	if err := tf.Close(); err != nil {
		return nil, fmt.Errorf("close temp index file: %w", err)
	}

	target := opts.path()
	if err := diskutil.LinkOrCopy(opts.Log, target, tmpName, nil, true); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("publish index file: %w", err)
		}
		// The configured name is taken, most likely by another host
		// sharing this mailbox directory over a network filesystem;
		// fall back to a name unique to this host rather than fail.
		hostname, hostErr := os.Hostname()
		if hostErr != nil {
			return nil, fmt.Errorf("publish index file: %w (and resolve hostname for fallback name: %v)", err, hostErr)
		}
		target = opts.path() + "-" + hostname
		if err := diskutil.LinkOrCopy(opts.Log, target, tmpName, nil, true); err != nil {
			return nil, fmt.Errorf("publish index file under fallback name: %w", err)
		}
	}
	removeTmp = false
	os.Remove(tmpName)
	if err := diskutil.SyncDir(opts.Log, opts.Dir); err != nil {
		opts.Log.Check(err, "syncing directory after index creation")
	}

	fd, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("reopen created index file: %w", err)
	}
	idx, err := openFd(ctx, opts, fd)
	if err != nil {
		return nil, err
	}
	if err := idx.seedFromBackendLocked(ctx); err != nil {
		idx.Close()
		return nil, err
	}
	if err := idx.runOpenInit(ctx, opts.UpdateRecent); err != nil {
		idx.Close()
		return nil, err
	}
	return idx, nil
}

// OpenOrCreate opens the index file if it exists, or creates it under the
// directory lock if it doesn't. The existence check is repeated after
// acquiring the lock, since another process may have created the file
// between the first check and the lock acquisition.
func OpenOrCreate(ctx context.Context, opts Options) (*Index, error) {
	opts.fill()
	idx, err := Open(ctx, opts)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	unlock, err := opts.DirLocker.Lock(ctx, opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("lock directory: %w", err)
	}
	defer unlock()

	idx, err = Open(ctx, opts)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return createLocked(ctx, opts)
}
