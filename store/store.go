// Package store provides the persistent key/value backend used by the
// distributed DDQ and the persistent queue transport. It wraps Badger,
// exposing the list-push/pop, set-add/contains, and string get/set
// primitives the backend contract requires.
package store

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/smsgio/smsg/smsgerr"
)

// KVStore is the backend contract required by the distributed DDQ and
// queue persistence: basic get/set, set add/contains, and list
// push/pop, all namespaced under a caller-supplied key prefix.
type KVStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	SetWithTTL(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Exists(key string) (bool, error)

	SetAdd(setKey, member string) error
	SetContains(setKey, member string) (bool, error)
	SetRemove(setKey, member string) error

	ListPush(listKey string, value []byte) error
	ListPop(listKey string) ([]byte, bool, error)
	ListLen(listKey string) (int, error)

	Close() error
	Stats() (Stats, error)
}

// Stats summarizes store occupancy, surfaced via dustin/go-humanize in
// callers that print it.
type Stats struct {
	KeyCount  int64
	TotalSize int64
}

// ErrKeyNotFound mirrors storage.ErrKeyNotFound from the omni backend.
var ErrKeyNotFound = smsgerr.New(smsgerr.KindConnection, "store: key not found")

// Config mirrors badger's own Config, trimmed to the options
// this module actually exercises.
type Config struct {
	Dir              string
	SyncWrites       bool
	ValueLogFileSize int64
	BlockCacheSize   int64
	Compression      options.CompressionType
	InMemory         bool
}

// DefaultConfig returns a disk-backed store rooted at dir, with the
// common production defaults (256MB value log, snappy compression).
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:              dir,
		SyncWrites:       false,
		ValueLogFileSize: 1 << 28,
		BlockCacheSize:   256 << 20,
		Compression:      options.Snappy,
	}
}

// badgerStore implements KVStore over Badger.
type badgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) a Badger-backed KVStore.
func Open(cfg *Config) (KVStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store: config cannot be nil")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
		opts.SyncWrites = cfg.SyncWrites
		if cfg.ValueLogFileSize > 0 {
			opts.ValueLogFileSize = cfg.ValueLogFileSize
		}
		if cfg.BlockCacheSize > 0 {
			opts.BlockCacheSize = cfg.BlockCacheSize
		}
		opts.Compression = cfg.Compression
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *badgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *badgerStore) Get(key string) ([]byte, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("store: closed")
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (s *badgerStore) Set(key string, value []byte) error {
	if s.isClosed() {
		return fmt.Errorf("store: closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *badgerStore) SetWithTTL(key string, value []byte, ttl time.Duration) error {
	if s.isClosed() {
		return fmt.Errorf("store: closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
}

func (s *badgerStore) Delete(key string) error {
	if s.isClosed() {
		return fmt.Errorf("store: closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *badgerStore) Exists(key string) (bool, error) {
	if s.isClosed() {
		return false, fmt.Errorf("store: closed")
	}
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// setMemberKey joins a set key and member the way the badger backend
// needs a unique storage key per membership entry.
func setMemberKey(setKey, member string) string {
	return "set:" + setKey + "\x00" + member
}

func (s *badgerStore) SetAdd(setKey, member string) error {
	return s.Set(setMemberKey(setKey, member), []byte{1})
}

func (s *badgerStore) SetContains(setKey, member string) (bool, error) {
	return s.Exists(setMemberKey(setKey, member))
}

func (s *badgerStore) SetRemove(setKey, member string) error {
	return s.Delete(setMemberKey(setKey, member))
}

// List operations use a head/tail index pair stored alongside
// individually keyed elements, giving O(1) push/pop without rewriting
// the whole list on every call.
func listMetaKey(listKey string) string  { return "list:" + listKey + ":meta" }
func listElemKey(listKey string, i int64) string {
	return fmt.Sprintf("list:%s:elem:%020d", listKey, i)
}

type listMeta struct {
	Head int64
	Tail int64
}

func (s *badgerStore) readMeta(txn *badger.Txn, listKey string) (listMeta, error) {
	item, err := txn.Get([]byte(listMetaKey(listKey)))
	if err == badger.ErrKeyNotFound {
		return listMeta{}, nil
	}
	if err != nil {
		return listMeta{}, err
	}
	var m listMeta
	err = item.Value(func(val []byte) error {
		if len(val) != 16 {
			return fmt.Errorf("store: corrupt list meta for %s", listKey)
		}
		m.Head = beInt64(val[0:8])
		m.Tail = beInt64(val[8:16])
		return nil
	})
	return m, err
}

func (s *badgerStore) writeMeta(txn *badger.Txn, listKey string, m listMeta) error {
	buf := make([]byte, 16)
	putBeInt64(buf[0:8], m.Head)
	putBeInt64(buf[8:16], m.Tail)
	return txn.Set([]byte(listMetaKey(listKey)), buf)
}

func (s *badgerStore) ListPush(listKey string, value []byte) error {
	if s.isClosed() {
		return fmt.Errorf("store: closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn, listKey)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(listElemKey(listKey, m.Tail)), value); err != nil {
			return err
		}
		m.Tail++
		return s.writeMeta(txn, listKey, m)
	})
}

func (s *badgerStore) ListPop(listKey string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, fmt.Errorf("store: closed")
	}
	var value []byte
	var found bool
	err := s.db.Update(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn, listKey)
		if err != nil {
			return err
		}
		if m.Head >= m.Tail {
			return nil
		}
		key := []byte(listElemKey(listKey, m.Head))
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		found = true
		m.Head++
		return s.writeMeta(txn, listKey, m)
	})
	return value, found, err
}

func (s *badgerStore) ListLen(listKey string) (int, error) {
	if s.isClosed() {
		return 0, fmt.Errorf("store: closed")
	}
	var n int
	err := s.db.View(func(txn *badger.Txn) error {
		m, err := s.readMeta(txn, listKey)
		if err != nil {
			return err
		}
		n = int(m.Tail - m.Head)
		return nil
	})
	return n, err
}

func (s *badgerStore) Stats() (Stats, error) {
	if s.isClosed() {
		return Stats{}, fmt.Errorf("store: closed")
	}
	lsm, vlog := s.db.Size()
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return Stats{KeyCount: count, TotalSize: lsm + vlog}, err
}

func beInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

func putBeInt64(b []byte, v int64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
