// Package data implements the append-only side file holding the
// variable-length cached fields a mailidx.Record points at. Blobs are
// compressed individually with LZ4 before being written, since cached
// fields (envelopes, header text, bodystructures) compress well and are
// read far less often than the fixed-size record array itself.
package data

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/time/rate"

	"github.com/tshlabs/mailidx"
	"github.com/tshlabs/mailidx/diskutil"
	"github.com/tshlabs/mailidx/mlog"
)

// blockHeaderSize is the on-disk prefix of every stored blob:
// [uncompressed size uint32][compressed size uint32]. A compressed size of
// 0 means the payload that follows is stored raw, for data that doesn't
// compress well enough to be worth it.
const blockHeaderSize = 8

// Store is a mailidx.DataStore backed by one append-only file per index.
type Store struct {
	mu      sync.Mutex
	fd      *os.File
	dir     string
	path    string
	size    int64
	deleted []deletedRange
	limiter *rate.Limiter
	log     *mlog.Log
}

type deletedRange struct {
	position int64
	size     uint32
}

// Open opens or creates the data file at path. compressRate bounds how
// fast Compress copies bytes, in bytes per second; zero means unlimited.
func Open(log *mlog.Log, dir, name string, compressRate int) (*Store, error) {
	path := dir + string(os.PathSeparator) + name
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	var limiter *rate.Limiter
	if compressRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(compressRate), compressRate)
	}
	return &Store{fd: fd, dir: dir, path: path, size: st.Size(), limiter: limiter, log: log}, nil
}

func compress(data []byte) []byte {
	bound := lz4.CompressBlockBound(len(data))
	buf := make([]byte, blockHeaderSize+bound)
	n, err := lz4.CompressBlock(data, buf[blockHeaderSize:], nil)
	if err != nil || n == 0 || n >= len(data) {
		out := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
		binary.LittleEndian.PutUint32(out[4:8], 0)
		copy(out[blockHeaderSize:], data)
		return out
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n))
	return buf[:blockHeaderSize+n]
}

func decompress(blob []byte) ([]byte, error) {
	if len(blob) < blockHeaderSize {
		return nil, fmt.Errorf("mailidx/data: blob too small for header")
	}
	uncompressedSize := binary.LittleEndian.Uint32(blob[0:4])
	compressedSize := binary.LittleEndian.Uint32(blob[4:8])
	payload := blob[blockHeaderSize:]
	if compressedSize == 0 {
		if uint32(len(payload)) < uncompressedSize {
			return nil, fmt.Errorf("mailidx/data: truncated uncompressed blob")
		}
		return payload[:uncompressedSize], nil
	}
	if uint32(len(payload)) < compressedSize {
		return nil, fmt.Errorf("mailidx/data: truncated compressed blob")
	}
	out := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(payload[:compressedSize], out)
	if err != nil {
		return nil, fmt.Errorf("mailidx/data: lz4 decompress: %w", err)
	}
	if uint32(n) != uncompressedSize {
		return nil, fmt.Errorf("mailidx/data: decompressed size mismatch")
	}
	return out, nil
}

// Append satisfies mailidx.DataStore.
func (s *Store) Append(data []byte) (int64, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := compress(data)
	if _, err := s.fd.WriteAt(blob, s.size); err != nil {
		if diskutil.IsStorageSpace(err) {
			return 0, 0, fmt.Errorf("write data blob: %w (disk full or quota reached)", err)
		}
		return 0, 0, fmt.Errorf("write data blob: %w", err)
	}
	pos := s.size
	s.size += int64(len(blob))
	return pos, uint32(len(blob)), nil
}

// Lookup satisfies mailidx.DataStore.
func (s *Store) Lookup(position int64, size uint32) ([]byte, error) {
	blob := make([]byte, size)
	if _, err := s.fd.ReadAt(blob, position); err != nil {
		return nil, fmt.Errorf("read data blob: %w", err)
	}
	return decompress(blob)
}

// AddDeletedSpace satisfies mailidx.DataStore. It only records bookkeeping
// in memory; the space is reclaimed the next time Compress runs.
func (s *Store) AddDeletedSpace(position int64, size uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, deletedRange{position, size})
	return nil
}

// DeletedBytes returns the total size recorded by AddDeletedSpace since
// the last Compress, as reported by "mailidxctl stat".
func (s *Store) DeletedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.deleted {
		n += int64(d.size)
	}
	return n
}

// Entry identifies one still-referenced blob for Compress to preserve.
type Entry = mailidx.DataEntry

// Compress rewrites the data file keeping only the blobs named by entries,
// in the order given, and returns their new positions in the same order.
// Copying is paced by the Store's configured rate limiter so a large
// compression pass doesn't starve foreground disk I/O. The caller (holding
// an exclusive lock on the index) is responsible for updating every
// Record.DataPosition to match the returned positions before the old file
// is of any further use.
func (s *Store) Compress(ctx context.Context, entries []Entry) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".compress-" + uuid.NewString()
	tf, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0660)
	if err != nil {
		return nil, fmt.Errorf("create compress temp file: %w", err)
	}
	removeTmp := true
	defer func() {
		if removeTmp {
			os.Remove(tmpPath)
		}
	}()

	positions := make([]int64, len(entries))
	var offset int64
	buf := make([]byte, 0, 64*1024)
	for i, e := range entries {
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, int(e.Size)); err != nil {
				tf.Close()
				return nil, fmt.Errorf("rate limit compress copy: %w", err)
			}
		}
		if cap(buf) < int(e.Size) {
			buf = make([]byte, e.Size)
		}
		blob := buf[:e.Size]
		if _, err := s.fd.ReadAt(blob, e.Position); err != nil {
			tf.Close()
			return nil, fmt.Errorf("read blob during compress: %w", err)
		}
		if _, err := tf.WriteAt(blob, offset); err != nil {
			tf.Close()
			return nil, fmt.Errorf("write blob during compress: %w", err)
		}
		positions[i] = offset
		offset += int64(e.Size)
	}

	if err := tf.Sync(); err != nil {
		tf.Close()
		return nil, fmt.Errorf("sync compress temp file: %w", err)
	}
	if err := tf.Close(); err != nil {
		return nil, fmt.Errorf("close compress temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return nil, fmt.Errorf("publish compressed data file: %w", err)
	}
	removeTmp = false
	if err := diskutil.SyncDir(s.log, s.dir); err != nil {
		s.log.Check(err, "syncing directory after data compression")
	}

	if err := s.fd.Close(); err != nil {
		s.log.Check(err, "closing old data file descriptor after compress")
	}
	fd, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("reopen compressed data file: %w", err)
	}
	s.fd = fd
	s.size = offset
	s.deleted = nil
	return positions, nil
}

// Reset satisfies mailidx.DataStore: it truncates the file back to empty
// and forgets any deleted-space bookkeeping. Called when the last message
// is expunged and no record references the store anymore.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fd.Truncate(0); err != nil {
		return fmt.Errorf("truncate data file: %w", err)
	}
	s.size = 0
	s.deleted = nil
	return nil
}

// Sync satisfies mailidx.DataStore.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd.Sync()
}

// Close satisfies mailidx.DataStore.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd.Close()
}
