package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

type levelStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the store at path.
func OpenLevelDB(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("durable: open leveldb %s: %w", path, err)
	}
	return &levelStore{db: db}, nil
}

// NewMemLevelDB returns a leveldb store on in-memory storage.
func NewMemLevelDB() (Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("durable: open leveldb: %w", err)
	}
	return &levelStore{db: db}, nil
}

func (s *levelStore) GetMany(_ context.Context, keys ...string) (map[string][]byte, error) {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, wrapLevelErr("snapshot", err)
	}
	defer snap.Release()
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, err := snap.Get([]byte(key), nil)
		if err != nil {
			if errors.Is(err, leveldb.ErrNotFound) {
				continue
			}
			return nil, wrapLevelErr("get", err)
		}
		out[key] = v
	}
	return out, nil
}

func (s *levelStore) PutMany(_ context.Context, values map[string][]byte) error {
	batch := new(leveldb.Batch)
	for k, v := range values {
		batch.Put([]byte(k), v)
	}
	return wrapLevelErr("put", s.db.Write(batch, nil))
}

func (s *levelStore) Delete(_ context.Context, keys ...string) error {
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete([]byte(key))
	}
	return wrapLevelErr("delete", s.db.Write(batch, nil))
}

func (s *levelStore) Close() error {
	return wrapLevelErr("close", s.db.Close())
}

func wrapLevelErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("durable: leveldb %s: %w", op, err)
}
