package session

import (
	"sync"
)

type PlugState int

const (
	Unplugged PlugState = iota
	Plugged
)

func (p PlugState) String() string {
	if p == Plugged {
		return "Plugged"
	}
	return "Unplugged"
}

func (p PlugState) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

type State int

const (
	Idle State = iota
	Authorizing
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Authorizing:
		return "Authorizing"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return "Unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type request int

const (
	noRequest request = iota
	authorizeRequest
	startRequest
	stopRequest
)

// SessionContext is the record of one connector's charging attempt.
// TransactionID is set only while InProgress is true, and Authorized implies
// a non-empty AuthTag.
type SessionContext struct {
	ConnectorID      int       `json:"connectorId"`
	State            State     `json:"state"`
	PlugState        PlugState `json:"plugState"`
	AuthTag          string    `json:"authTag,omitempty"`
	Authorized       bool      `json:"authorized"`
	TransactionID    *int      `json:"transactionId,omitempty"`
	InProgress       bool      `json:"inProgress"`
	DeliveryFailures int       `json:"deliveryFailures"`

	// attempt identifies the current authorization attempt; results carrying
	// another attempt are stale.
	attempt   uint64
	inFlight  request
	holdOff   bool
	energized bool
}

// reset returns the context to Idle and invalidates outstanding results.
func (c *SessionContext) reset() {
	c.State = Idle
	c.AuthTag = ""
	c.Authorized = false
	c.TransactionID = nil
	c.InProgress = false
	c.DeliveryFailures = 0
	c.inFlight = noRequest
	c.holdOff = false
	c.attempt++
}

func (c *SessionContext) hasTransaction(id int) bool {
	return c.TransactionID != nil && *c.TransactionID == id
}

// Shared guards a SessionContext. Every read or write goes through
// WithContext or Snapshot; the lock is never held while calling out of the
// package.
type Shared struct {
	mu  sync.Mutex
	ctx SessionContext
}

func NewShared(connectorID int) *Shared {
	return &Shared{ctx: SessionContext{ConnectorID: connectorID}}
}

// WithContext runs mutator with exclusive access. The lock is released on
// every exit path, including a panic inside mutator.
func (s *Shared) WithContext(mutator func(c *SessionContext)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutator(&s.ctx)
}

func (s *Shared) Snapshot() SessionContext {
	var snap SessionContext
	s.WithContext(func(c *SessionContext) {
		snap = *c
		if c.TransactionID != nil {
			id := *c.TransactionID
			snap.TransactionID = &id
		}
	})
	return snap
}
