// Package hashfile implements the UID-to-record-index acceleration
// sidecar used by mailidx.Index when a linear scan over the record array
// would be too slow. Lookups and inserts go through an in-memory
// lock-free map first; every write is also durably recorded in a bbolt
// database on disk, so the sidecar survives a process restart without a
// full hash rebuild.
package hashfile

import (
	"fmt"

	"github.com/alphadose/haxmap"
	bolt "go.etcd.io/bbolt"

	"github.com/tshlabs/mailidx"
	"github.com/tshlabs/mailidx/mlog"
)

type UID = mailidx.UID

var bucketName = []byte("uid_index")

// Store is a mailidx.HashStore backed by an in-memory haxmap for hot
// lookups and a bbolt database for durability across restarts.
type Store struct {
	db  *bolt.DB
	hot *haxmap.Map[UID, int64]
	log *mlog.Log
}

// Open opens (creating if necessary) the bbolt database at path and warms
// the in-memory map from its contents.
func Open(log *mlog.Log, path string) (*Store, error) {
	db, err := bolt.Open(path, 0660, nil)
	if err != nil {
		return nil, fmt.Errorf("open hash sidecar: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	s := &Store{db: db, hot: haxmap.New[UID, int64](), log: log}
	if err := s.warm(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm hash sidecar: %w", err)
	}
	return s, nil
}

func (s *Store) warm() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.ForEach(func(k, v []byte) error {
			uid := UID(decodeKey(k))
			idx := decodeValue(v)
			s.hot.Set(uid, idx)
			return nil
		})
	})
}

func encodeKey(uid uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(uid >> 24)
	b[1] = byte(uid >> 16)
	b[2] = byte(uid >> 8)
	b[3] = byte(uid)
	return b
}

func decodeKey(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func encodeValue(idx int64) []byte {
	b := make([]byte, 8)
	u := uint64(idx)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

func decodeValue(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u)
}

// Lookup satisfies mailidx.HashStore.
func (s *Store) Lookup(uid UID) (int64, bool, error) {
	idx, ok := s.hot.Get(uid)
	return idx, ok, nil
}

// Insert satisfies mailidx.HashStore.
func (s *Store) Insert(uid UID, idx int64) error {
	s.hot.Set(uid, idx)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(encodeKey(uint32(uid)), encodeValue(idx))
	})
}

// Remove satisfies mailidx.HashStore.
func (s *Store) Remove(uid UID) error {
	s.hot.Del(uid)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(encodeKey(uint32(uid)))
	})
}

// Rebuild clears the sidecar and repopulates it from the given iterator,
// used after mailidx detects the hash sidecar is stale relative to the
// record array.
func (s *Store) Rebuild(records func(yield func(uid UID, idx int64) bool) error) error {
	s.hot.ForEach(func(uid UID, _ int64) bool {
		s.hot.Del(uid)
		return true
	})
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	}); err != nil {
		return fmt.Errorf("clear bucket: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var putErr error
		records(func(uid UID, idx int64) bool {
			s.hot.Set(uid, idx)
			if putErr = b.Put(encodeKey(uint32(uid)), encodeValue(idx)); putErr != nil {
				return false
			}
			return true
		})
		return putErr
	})
}

// Sync satisfies mailidx.HashStore. It is a no-op: every Insert/Remove/
// Rebuild above already runs inside a bbolt update transaction, which
// fsyncs its backing file on commit, so there is nothing left to flush by
// the time Sync is called.
func (s *Store) Sync() error {
	return nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
