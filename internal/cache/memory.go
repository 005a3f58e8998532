package cache

import (
	"context"
	"sort"
	"sync"
)

type memoryStore struct {
	maxBytes int64

	mu         sync.RWMutex
	partitions map[string]map[string]Entry
	totalSize  int64
	closed     bool
}

// NewMemory returns an in-process store. A positive maxBytes caps the summed
// entry size; Puts that would exceed it fail with ErrQuotaExceeded.
func NewMemory(maxBytes int64) Store {
	return &memoryStore{maxBytes: maxBytes, partitions: make(map[string]map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, partition, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrClosed
	}
	entry, ok := s.partitions[partition][key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Put(_ context.Context, partition, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	part := s.partitions[partition]
	var oldSize int64
	if old, ok := part[key]; ok {
		oldSize = old.Size()
	}
	total := s.totalSize - oldSize + entry.Size()
	if s.maxBytes > 0 && total > s.maxBytes {
		return ErrQuotaExceeded
	}
	if part == nil {
		part = make(map[string]Entry)
		s.partitions[partition] = part
	}
	part[key] = cloneEntry(entry)
	s.totalSize = total
	return nil
}

func (s *memoryStore) Delete(_ context.Context, partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if old, ok := s.partitions[partition][key]; ok {
		s.totalSize -= old.Size()
		delete(s.partitions[partition], key)
	}
	return nil
}

func (s *memoryStore) Keys(_ context.Context, partition string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	keys := make([]string, 0, len(s.partitions[partition]))
	for k := range s.partitions[partition] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Partitions(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) DropPartition(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	part, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	for _, entry := range part {
		s.totalSize -= entry.Size()
	}
	delete(s.partitions, name)
	return true, nil
}

func (s *memoryStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.partitions = nil
	s.totalSize = 0
	return nil
}
