package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// FetchedAtHeader carries the acquisition stamp on entries of stamped tiers.
const FetchedAtHeader = "X-Fetched-At"

var (
	// ErrQuotaExceeded reports that a Put would exceed the store's byte budget.
	ErrQuotaExceeded = errors.New("cache: quota exceeded")
	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("cache: store closed")
)

// Entry is one cached response. Entries are immutable blobs: Put replaces an
// existing entry wholesale.
type Entry struct {
	URL       string      `json:"url"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	FetchedAt time.Time   `json:"fetchedAt,omitempty"`
}

// Size approximates the bytes an entry occupies.
func (e Entry) Size() int64 {
	n := int64(len(e.URL) + len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Stamp records at as the acquisition time, both on the entry and as the
// FetchedAtHeader.
func (e Entry) Stamp(at time.Time) Entry {
	out := cloneEntry(e)
	out.FetchedAt = at.UTC()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Set(FetchedAtHeader, out.FetchedAt.Format(time.RFC3339Nano))
	return out
}

// Store is a set of named partitions, each a key to Entry map. Partitions are
// created by the first Put into them and removed only by DropPartition.
type Store interface {
	Get(ctx context.Context, partition, key string) (Entry, bool, error)
	Put(ctx context.Context, partition, key string, entry Entry) error
	Delete(ctx context.Context, partition, key string) error
	Keys(ctx context.Context, partition string) ([]string, error)
	Partitions(ctx context.Context) ([]string, error)
	DropPartition(ctx context.Context, name string) (bool, error)
	Close(ctx context.Context) error
}

func cloneEntry(in Entry) Entry {
	out := Entry{
		URL:       in.URL,
		Status:    in.Status,
		FetchedAt: in.FetchedAt,
	}
	if in.Header != nil {
		out.Header = in.Header.Clone()
	}
	if in.Body != nil {
		out.Body = append([]byte(nil), in.Body...)
	}
	return out
}
