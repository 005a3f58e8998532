package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<partition>               partition marker
//	e:<partition>\x00<key>      gob-encoded Entry
const (
	partitionPrefix = "p:"
	entryPrefix     = "e:"
	keySeparator    = "\x00"
)

type levelStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a disk-backed store at path.
func OpenLevelDB(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open leveldb %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

// NewMemLevelDB returns a leveldb store on in-memory storage.
func NewMemLevelDB() (Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

func entryKey(partition, key string) []byte {
	return []byte(entryPrefix + partition + keySeparator + key)
}

func entryRange(partition string) *util.Range {
	return util.BytesPrefix([]byte(entryPrefix + partition + keySeparator))
}

func (s *levelStore) Get(_ context.Context, partition, key string) (Entry, bool, error) {
	raw, err := s.db.Get(entryKey(partition, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, wrapLevelErr("get", err)
	}
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: leveldb decode: %w", err)
	}
	return entry, true, nil
}

func (s *levelStore) Put(_ context.Context, partition, key string, entry Entry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return fmt.Errorf("cache: leveldb encode: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(partitionPrefix+partition), nil)
	batch.Put(entryKey(partition, key), buf.Bytes())
	return wrapLevelErr("put", s.db.Write(batch, nil))
}

func (s *levelStore) Delete(_ context.Context, partition, key string) error {
	return wrapLevelErr("delete", s.db.Delete(entryKey(partition, key), nil))
}

func (s *levelStore) Keys(_ context.Context, partition string) ([]string, error) {
	prefix := []byte(entryPrefix + partition + keySeparator)
	it := s.db.NewIterator(entryRange(partition), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, wrapLevelErr("keys", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *levelStore) Partitions(context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(partitionPrefix)), nil)
	defer it.Release()
	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(partitionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, wrapLevelErr("partitions", err)
	}
	return names, nil
}

func (s *levelStore) DropPartition(_ context.Context, name string) (bool, error) {
	marker := []byte(partitionPrefix + name)
	existed, err := s.db.Has(marker, nil)
	if err != nil {
		return false, wrapLevelErr("drop", err)
	}
	if !existed {
		return false, nil
	}
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(entryRange(name), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, wrapLevelErr("drop", err)
	}
	batch.Delete(marker)
	if err := s.db.Write(batch, nil); err != nil {
		return false, wrapLevelErr("drop", err)
	}
	return true, nil
}

func (s *levelStore) Close(context.Context) error {
	return wrapLevelErr("close", s.db.Close())
}

func wrapLevelErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("cache: leveldb %s: %w", op, err)
}
