package control

import "sync"

const defaultDedupeWindow = 1024

// Dedupe remembers the most recent message IDs so a redelivered command is
// handled once. Messages without an ID are always new.
type Dedupe struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewDedupe remembers the last limit IDs; limit <= 0 selects 1024.
func NewDedupe(limit int) *Dedupe {
	if limit <= 0 {
		limit = defaultDedupeWindow
	}
	return &Dedupe{seen: make(map[string]struct{}, limit), limit: limit}
}

// First reports whether msg has not been seen before and records it.
func (d *Dedupe) First(msg Message) bool {
	if msg.ID == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[msg.ID]; ok {
		return false
	}
	if len(d.order) >= d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[msg.ID] = struct{}{}
	d.order = append(d.order, msg.ID)
	return true
}
