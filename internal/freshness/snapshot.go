// Package freshness decides when the TTL-governed feed is fetched and what is
// served when it cannot be.
package freshness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/l0p7/fxoffline/internal/durable"
)

// Durable store keys. The three values are always written together.
const (
	KeyPayload   = "last_snapshot_payload"
	KeyBase      = "last_snapshot_base"
	KeyFetchedAt = "last_snapshot_fetched_at"
)

// Snapshot is one successful feed response and when it was acquired.
type Snapshot struct {
	Base      string
	Rates     map[string]float64
	FetchedAt time.Time
}

// IsValid reports whether s is younger than ttlMinutes at now. A snapshot
// exactly ttlMinutes old is not valid.
func IsValid(s Snapshot, ttlMinutes int, now time.Time) bool {
	return now.Sub(s.FetchedAt) < time.Duration(ttlMinutes)*time.Minute
}

// SnapshotStore maps a Snapshot onto the durable keys.
type SnapshotStore struct {
	store durable.Store
}

// NewSnapshotStore keeps snapshots in store.
func NewSnapshotStore(store durable.Store) *SnapshotStore {
	return &SnapshotStore{store: store}
}

// Load returns the persisted snapshot. A missing key set reports ok=false; a
// partial or unreadable one is discarded and also reports ok=false.
func (s *SnapshotStore) Load(ctx context.Context) (Snapshot, bool, error) {
	values, err := s.store.GetMany(ctx, KeyPayload, KeyBase, KeyFetchedAt)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("freshness: load snapshot: %w", err)
	}
	if len(values) == 0 {
		return Snapshot{}, false, nil
	}
	snap, ok := decodeSnapshot(values)
	if !ok {
		return Snapshot{}, false, s.discard(ctx)
	}
	return snap, true, nil
}

func decodeSnapshot(values map[string][]byte) (Snapshot, bool) {
	payload, okPayload := values[KeyPayload]
	base, okBase := values[KeyBase]
	fetchedAt, okFetched := values[KeyFetchedAt]
	if !okPayload || !okBase || !okFetched {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap.Rates); err != nil {
		return Snapshot{}, false
	}
	if err := json.Unmarshal(base, &snap.Base); err != nil {
		return Snapshot{}, false
	}
	if err := json.Unmarshal(fetchedAt, &snap.FetchedAt); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Save replaces the persisted snapshot as one unit.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap.Rates)
	if err != nil {
		return fmt.Errorf("freshness: encode payload: %w", err)
	}
	base, err := json.Marshal(snap.Base)
	if err != nil {
		return fmt.Errorf("freshness: encode base: %w", err)
	}
	fetchedAt, err := json.Marshal(snap.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("freshness: encode fetched_at: %w", err)
	}
	if err := s.store.PutMany(ctx, map[string][]byte{
		KeyPayload:   payload,
		KeyBase:      base,
		KeyFetchedAt: fetchedAt,
	}); err != nil {
		return fmt.Errorf("freshness: save snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) discard(ctx context.Context) error {
	if err := s.store.Delete(ctx, KeyPayload, KeyBase, KeyFetchedAt); err != nil {
		return fmt.Errorf("freshness: discard snapshot: %w", err)
	}
	return nil
}
