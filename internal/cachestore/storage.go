// Package cachestore is the persistent cache storage shared by the worker
// and every page. It keeps named stores of response records in a single
// leveldb database, with a byte quota across all stores.
package cachestore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrQuotaExceeded = errors.New("cachestore: quota exceeded")
	ErrNoStore       = errors.New("cachestore: store deleted")
)

// Key layout:
//
//	n:<store>             store marker
//	e:<store>\x00<key>    gob encoded Record
const (
	storePrefix = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type Storage struct {
	db       *leveldb.DB
	maxBytes int64

	mu        sync.Mutex
	index     map[string]int64 // entry db key -> encoded size
	totalSize int64
}

// Open opens (or creates) the storage at path. maxBytes <= 0 disables the
// quota.
func Open(path string, maxBytes int64) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return newStorage(db, maxBytes)
}

// OpenMemory returns a storage backed by leveldb's in-memory storage.
func OpenMemory(maxBytes int64) (*Storage, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStorage(db, maxBytes)
}

func newStorage(db *leveldb.DB, maxBytes int64) (*Storage, error) {
	s := &Storage{db: db, maxBytes: maxBytes, index: map[string]int64{}}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]int64{}
	for it.Next() {
		sz := int64(len(it.Value()))
		idx[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// TotalSize is the encoded size of every record across all stores.
func (s *Storage) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// Keys lists store names in lexical order.
func (s *Storage) Keys() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(storePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *Storage) Has(name string) (bool, error) {
	return s.db.Has([]byte(storePrefix+name), nil)
}

// Open returns the named store, creating it if needed.
func (s *Storage) Open(name string) (*Store, error) {
	if name == "" {
		return nil, fmt.Errorf("cachestore: empty store name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put([]byte(storePrefix+name), nil, nil); err != nil {
		return nil, fmt.Errorf("create store %q: %w", name, err)
	}
	return &Store{s: s, name: name}, nil
}

// Delete removes the named store and all of its records. It reports
// whether the store existed.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.Has(name)
	if err != nil || !ok {
		return false, err
	}

	prefix := []byte(entryPrefix + name + keySep)
	batch := new(leveldb.Batch)
	var keys []string

	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		k := append([]byte(nil), it.Key()...)
		batch.Delete(k)
		keys = append(keys, string(k))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(storePrefix + name))

	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	for _, k := range keys {
		s.totalSize -= s.index[k]
		delete(s.index, k)
	}
	return true, nil
}

// Store is one named cache inside a Storage.
type Store struct {
	s    *Storage
	name string
}

func (c *Store) Name() string { return c.name }

func (c *Store) dbKey(key string) string {
	return entryPrefix + c.name + keySep + key
}

// Match returns the record stored under key. Undecodable records are
// reported as absent.
func (c *Store) Match(key string) (Record, bool, error) {
	b, err := c.s.db.Get([]byte(c.dbKey(key)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (c *Store) Put(key string, rec Record) error {
	return c.PutAll([]Item{{Key: key, Record: rec}})
}

type Item struct {
	Key    string
	Record Record
}

// PutAll writes every item in one atomic batch. Either all items are
// stored or none.
func (c *Store) PutAll(items []Item) error {
	batch := new(leveldb.Batch)
	sizes := make(map[string]int64, len(items))
	for _, it := range items {
		b, err := encodeRecord(it.Record)
		if err != nil {
			return fmt.Errorf("encode %q: %w", it.Key, err)
		}
		k := c.dbKey(it.Key)
		batch.Put([]byte(k), b)
		sizes[k] = int64(len(b))
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	// The marker check shares the lock with Storage.Delete, so a late write
	// cannot resurrect entries of a deleted store.
	exists, err := c.s.db.Has([]byte(storePrefix+c.name), nil)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoStore
	}

	delta := int64(0)
	for k, sz := range sizes {
		delta += sz - c.s.index[k]
	}
	if c.s.maxBytes > 0 && delta > 0 && c.s.totalSize+delta > c.s.maxBytes {
		return ErrQuotaExceeded
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return err
	}
	for k, sz := range sizes {
		c.s.index[k] = sz
	}
	c.s.totalSize += delta
	return nil
}

// Delete removes key and reports whether it was present.
func (c *Store) Delete(key string) (bool, error) {
	k := c.dbKey(key)

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	sz, ok := c.s.index[k]
	if !ok {
		return false, nil
	}
	if err := c.s.db.Delete([]byte(k), nil); err != nil {
		return false, err
	}
	delete(c.s.index, k)
	c.s.totalSize -= sz
	return true, nil
}

// Keys lists the request keys in the store in lexical order.
func (c *Store) Keys() ([]string, error) {
	var out []string
	err := c.Range(func(key string, _ Record) bool {
		out = append(out, key)
		return true
	})
	return out, err
}

// Range calls fn for every record in key order until fn returns false.
func (c *Store) Range(fn func(key string, rec Record) bool) error {
	prefix := []byte(entryPrefix + c.name + keySep)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		rec, err := decodeRecord(it.Value())
		if err != nil {
			continue
		}
		if !fn(string(bytes.TrimPrefix(it.Key(), prefix)), rec) {
			break
		}
	}
	return it.Error()
}
