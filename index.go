// Package mailidx implements a crash-recoverable, memory-mapped message
// index: a single-writer, multi-reader store of per-message UID, flags,
// and cached-field references, designed to be opened concurrently by
// several processes sharing one mailbox.
//
// The index file itself holds only a fixed-size header and a flat array
// of fixed-size records. Variable-length cached fields live in a
// collaborator-provided DataStore, UID-to-slot acceleration lives in a
// collaborator-provided HashStore, and cross-process change notification
// goes through a collaborator-provided ModifyLog. An Index is the glue
// between the mapped file and those collaborators.
package mailidx

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tshlabs/mailidx/mlog"
)

// Index is a handle on one open index file. It is not safe for concurrent
// use by multiple goroutines: the storage engine this package models is
// single-writer, and callers needing concurrent access from one process
// should serialize their own calls (or open separate handles, which will
// correctly serialize against each other via the fcntl lock).
type Index struct {
	mu sync.Mutex

	dir      string
	fileName string
	fd       *os.File
	mapping  *mapping

	indexID    uint32 // remembered at open/recovery, compared on each lock acquisition
	state      lockState
	dirtyFlags bool // true if header writes are unflushed since the last msync

	// firstRecentUID is set by runOpenInit when Options.UpdateRecent is
	// true: the lowest UID that is \Recent to this particular opener,
	// i.e. one past whatever Header.LastNonrecentUID was before this open
	// advanced it. Zero if UpdateRecent was false or there was nothing new.
	firstRecentUID UID

	lastLookupOffset int64
	lastLookupSeq    uint32

	// pendingCacheFields accumulates CacheField bits LookupField has seen
	// requested but not yet folded into the header's advertised set; see
	// updateCacheFieldsLocked.
	pendingCacheFields uint32

	data      DataStore
	hash      HashStore
	modifyLog ModifyLog
	dirLocker DirLocker
	backend   Backend

	notifier *notifier
	metrics  *Metrics
	log      *mlog.Log

	errMu     sync.Mutex
	lastError string
}

// Options configures Open/Create.
type Options struct {
	// Dir is the directory holding the index, data, hash, and modify log
	// files.
	Dir string
	// FileName is the index file's base name within Dir, e.g. "dovecot.index"-
	// style naming adapted to this engine's own convention.
	FileName string

	Backend   Backend
	Data      DataStore
	Hash      HashStore // optional; nil disables accelerated UID lookup
	ModifyLog ModifyLog // optional; nil disables cross-process change events
	DirLocker DirLocker // optional; nil uses an in-process no-op (single process use)

	// UpdateRecent asks Open/Create/OpenOrCreate to run open_init's
	// \Recent bookkeeping: advance Header.LastNonrecentUID to the
	// highest UID currently assigned and record the range of messages
	// that are \Recent to this opener (see Index.FirstRecentUID). A
	// caller that doesn't care about \Recent (e.g. an offline tool like
	// mailidxctl) can leave this false to avoid an extra exclusive-lock
	// round trip.
	UpdateRecent bool

	Log     *mlog.Log
	Metrics *Metrics
}

func (o *Options) path() string {
	return o.Dir + string(os.PathSeparator) + o.FileName
}

// Close releases the handle's lock, flushes any deferred header writes,
// and unmaps the file. It does not close the Backend, DataStore, HashStore
// or ModifyLog collaborators, since Options did not transfer ownership of
// them.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var err error
	if idx.state != statePoisoned && idx.state != stateUnlocked {
		if e := idx.setLockLocked(context.Background(), LockUnlock); e != nil {
			err = e
		}
	}
	if idx.mapping != nil {
		if e := idx.mapping.close(); e != nil && err == nil {
			err = e
		}
	}
	if idx.fd != nil {
		if e := idx.fd.Close(); e != nil && err == nil {
			err = e
		}
	}
	if idx.notifier != nil {
		idx.notifier.closeAll()
	}
	return err
}

// Header returns a snapshot of the current header. Callers should hold at
// least a Shared lock for the snapshot to be meaningful across processes.
func (idx *Index) Header() Header {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.mapping.header()
}

// MessageCount returns Header.MessagesCount under the handle's lock.
func (idx *Index) MessageCount() uint32 {
	return idx.Header().MessagesCount
}

// FirstRecentUID returns the lowest UID that is \Recent to this opener, as
// computed by open_init when Options.UpdateRecent was true. It is 0 if
// UpdateRecent was false or this open found nothing new since the last
// opener that asked.
func (idx *Index) FirstRecentUID() UID {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.firstRecentUID
}

func (idx *Index) dirPath() string { return idx.dir }

func (idx *Index) requireLock(min LockType) error {
	if idx.state == statePoisoned {
		return newError(ErrInconsistent, "index handle is poisoned, close and reopen")
	}
	cur := idx.state.lockType()
	if min == LockExclusive && cur != LockExclusive {
		return fmt.Errorf("mailidx: operation requires exclusive lock, have %s", cur)
	}
	if min == LockShared && cur == LockUnlock {
		return fmt.Errorf("mailidx: operation requires at least shared lock, have %s", cur)
	}
	return nil
}
