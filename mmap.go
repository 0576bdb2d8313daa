package mailidx

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapping owns the live mmap of an index file: the header at byte 0 and
// the record array immediately following it. The file is always exactly
// HeaderSize + records*RecordSize bytes long; growing or shrinking it
// goes through remap, which keeps the mapped region and the on-disk
// length in step.
type mapping struct {
	fd   *os.File
	data []byte
	size int64 // == on-disk file size, always HeaderSize + n*RecordSize
}

// newMapping maps fd for the first size bytes. size must already be a
// whole number of records past the header; openFd truncates any partial
// tail before getting here.
func newMapping(fd *os.File, size int64) (*mapping, error) {
	m := &mapping{fd: fd}
	if err := m.remap(size); err != nil {
		return nil, err
	}
	return m, nil
}

// remap resizes the file to exactly size bytes and maps it fresh.
// golang.org/x/sys/unix has no mremap on every platform this engine
// targets, so growth is munmap-then-mmap rather than an in-place
// extension.
func (m *mapping) remap(size int64) error {
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		m.data = nil
	}
	if err := m.fd.Truncate(size); err != nil {
		return fmt.Errorf("truncate for mmap: %w", err)
	}
	data, err := unix.Mmap(int(m.fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	m.data = data
	m.size = size
	return nil
}

// refresh re-stats the backing file and remaps if its on-disk size has
// changed since this mapping was created, so an append made by another
// process becomes visible to a reader that only held a stale mmap over
// the old file length. A partial trailing record (a process died mid
// append) is truncated away silently; a file shorter than the header is
// corruption.
func (m *mapping) refresh() error {
	st, err := m.fd.Stat()
	if err != nil {
		return fmt.Errorf("stat for mmap refresh: %w", err)
	}
	size := st.Size()
	if size == m.size {
		return nil
	}
	if size < HeaderSize {
		return newError(ErrCorruption, "index file shrank below header size (%d bytes)", size)
	}
	if excess := (size - HeaderSize) % RecordSize; excess != 0 {
		size -= excess
	}
	return m.remap(size)
}

func (m *mapping) close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (m *mapping) header() Header {
	return decodeHeader(m.data[:HeaderSize])
}

func (m *mapping) setHeader(h *Header) {
	encodeHeader(m.data[:HeaderSize], h)
}

// numRecords returns how many record slots the file holds, including
// holes.
func (m *mapping) numRecords() int64 {
	if m.size <= HeaderSize {
		return 0
	}
	return (m.size - HeaderSize) / RecordSize
}

func (m *mapping) recordOffset(idx int64) int64 {
	return HeaderSize + idx*RecordSize
}

// recordAt decodes the record at the given 0-based index. Caller must have
// verified idx < numRecords().
func (m *mapping) recordAt(idx int64) Record {
	off := m.recordOffset(idx)
	return decodeRecord(m.data[off : off+RecordSize])
}

func (m *mapping) setRecordAt(idx int64, r *Record) {
	off := m.recordOffset(idx)
	encodeRecord(m.data[off:off+RecordSize], r)
}

// appendRecord writes r into a new slot past the current end of the file,
// growing the file by one record and remapping to cover it.
func (m *mapping) appendRecord(r *Record) (int64, error) {
	idx := m.numRecords()
	if err := m.remap(m.recordOffset(idx) + RecordSize); err != nil {
		return 0, err
	}
	m.setRecordAt(idx, r)
	return idx, nil
}

// sync flushes the mapped region to disk with msync(MS_SYNC).
func (m *mapping) sync() error {
	if m.data == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}
