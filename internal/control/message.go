// Package control carries lifecycle and cache commands between pages and the
// worker. Delivery on each port is ordered and never drops messages.
package control

import (
	"errors"

	"github.com/google/uuid"
)

// Type names a control command.
type Type string

const (
	// TakeOverNow asks a waiting generation to activate immediately.
	TakeOverNow Type = "TAKE_OVER_NOW"
	// ClearAllCaches asks the worker to delete every partition.
	ClearAllCaches Type = "CLEAR_ALL_CACHES"
	// CachesCleared is broadcast once deletion has finished.
	CachesCleared Type = "CACHES_CLEARED"
)

// Message is the wire form of a command. ID is optional and lets receivers
// discard redelivered commands.
type Message struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`
}

// NewMessage returns a message with a fresh ID.
func NewMessage(t Type) Message {
	return Message{Type: t, ID: uuid.NewString()}
}

// Valid reports whether m carries a known command type.
func (m Message) Valid() bool {
	switch m.Type {
	case TakeOverNow, ClearAllCaches, CachesCleared:
		return true
	}
	return false
}

// EventKind distinguishes commands from platform signals.
type EventKind string

const (
	EventMessage          EventKind = "message"
	EventControllerChange EventKind = "controllerchange"
	EventUpdateWaiting    EventKind = "updatewaiting"
)

// Event is what a page observes.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message *Message  `json:"message,omitempty"`
	Version string    `json:"version,omitempty"`
}

var (
	// ErrPortClosed reports use of a port or hub after Close.
	ErrPortClosed = errors.New("control: port closed")
	// ErrInvalidMessage reports an unknown message type.
	ErrInvalidMessage = errors.New("control: invalid message")
)
