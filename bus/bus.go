// bus.go
package bus

import (
	"sync"

	"nvec-go/protocol"
)

// -----------------------------------------------------------------------------
// Event
// -----------------------------------------------------------------------------

// Event is one decoded inbound frame.
// Data aliases a pooled buffer and is only valid during the callback.
type Event struct {
	Type protocol.MsgType
	Data []byte
	Err  error // set when the EC flagged the response with a non-zero status
}

// Payload strips the two header bytes of a variable frame, or the type byte
// of a fixed event.
func (e *Event) Payload() []byte {
	if len(e.Data) == 0 {
		return nil
	}
	if protocol.ClassOf(e.Data[0]) == protocol.ClassVariable {
		if len(e.Data) < 2 {
			return nil
		}
		return e.Data[2:]
	}
	return e.Data[1:]
}

// Verdict is returned by callbacks.
type Verdict uint8

const (
	NotMine Verdict = iota // keep delivering
	Handled                // claimed; stop delivery
)

// Callback consumes an event. It runs on the dispatcher goroutine and must not block
// for long.
type Callback func(ev *Event) Verdict

// -----------------------------------------------------------------------------
// Entry
// -----------------------------------------------------------------------------

type Entry struct {
	name string
	mask protocol.Mask
	cb   Callback
	bus  *Bus
}

func (e *Entry) Name() string        { return e.name }
func (e *Entry) Mask() protocol.Mask { return e.mask }
func (e *Entry) Unregister()         { e.bus.unregister(e) }

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

// Bus is an ordered notifier chain. Entries are visited in registration order.
//
// The entry slice is replaced, never mutated, so Notify works on a snapshot
// and callbacks may register or unregister. Unregister does not wait for an
// in-flight delivery to finish.
type Bus struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewBus creates an empty notifier chain.
func NewBus() *Bus {
	return &Bus{}
}

// Register appends a callback interested in the types selected by mask.
func (b *Bus) Register(name string, mask protocol.Mask, cb Callback) *Entry {
	e := &Entry{name: name, mask: mask, cb: cb, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*Entry, len(b.entries), len(b.entries)+1)
	copy(next, b.entries)
	b.entries = append(next, e)
	return e
}

func (b *Bus) unregister(e *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.entries {
		if cur == e {
			next := make([]*Entry, 0, len(b.entries)-1)
			next = append(next, b.entries[:i]...)
			b.entries = append(next, b.entries[i+1:]...)
			return
		}
	}
}

// Notify delivers ev to every interested entry until one claims it.
func (b *Bus) Notify(ev *Event) Verdict {
	b.mu.RLock()
	entries := b.entries
	b.mu.RUnlock()

	for _, e := range entries {
		if !e.mask.Has(ev.Type) {
			continue
		}
		if e.cb(ev) == Handled {
			return Handled
		}
	}
	return NotMine
}

// Len returns the number of registered entries.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
