// Package waiters implements the per-request one-shot correlation table
// used by fetch orchestration. A waiter is registered under a key before
// its triggering Send* action is enqueued; the process worker delivers a
// matching reply to exactly one waiter and removes it.
package waiters

import (
	"sync"

	"github.com/cenkalti/udp2p/internal/action"
	"github.com/cenkalti/udp2p/internal/wire"
)

// Key identifies a reply a waiter is listening for: the packet type, the
// peer address string it must come from, and an implementer-chosen payload
// key (e.g. the hex hash for a Datum, empty for a Hello/Root reply).
type Key struct {
	Type    wire.PacketType
	Src     string
	Payload string
}

// Table is the process-wide waiter registry. The zero value is not usable;
// construct with New.
type Table struct {
	mu      sync.Mutex
	waiters map[Key]chan action.Action
}

// New returns an empty Table.
func New() *Table {
	return &Table{waiters: make(map[Key]chan action.Action)}
}

// Register creates a one-shot waiter for k. Callers must register before
// enqueueing the triggering request so a fast reply can never race ahead of
// registration. Cancel removes the waiter if it never fires (e.g. on
// timeout); it is safe to call after a successful receive.
func (t *Table) Register(k Key) (ch <-chan action.Action, cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := make(chan action.Action, 1)
	t.waiters[k] = c
	return c, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.waiters[k] == c {
			delete(t.waiters, k)
		}
	}
}

// Deliver attempts to hand act to the waiter registered under k. It reports
// whether a waiter was found; on success the waiter is removed so no later
// Deliver for the same key can match it again (single-take).
func (t *Table) Deliver(k Key, act action.Action) bool {
	t.mu.Lock()
	c, ok := t.waiters[k]
	if ok {
		delete(t.waiters, k)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	c <- act
	return true
}

// Len reports the number of outstanding waiters, for tests/metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
