package ec

import (
	"sync"

	"nvec-go/protocol"
)

// txQueue is the FIFO of outbound messages. The head is the message the
// EC is currently reading; it is only popped once fully transmitted.
//
// mu also guards inflight and the cursor of whichever message it points
// at, since the ISR advances that cursor while the TX worker may rewind it.
type txQueue struct {
	mu       sync.Mutex
	items    []*protocol.Message
	inflight *protocol.Message
	retry    *protocol.Message // rewound mid-read, expected next
}

func (q *txQueue) push(m *protocol.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
}

func (q *txQueue) headLocked() *protocol.Message {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *txQueue) head() *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headLocked()
}

// pop removes m if it is the head.
func (q *txQueue) pop(m *protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.headLocked() != m {
		return false
	}
	q.items[0] = nil
	q.items = q.items[1:]
	if q.retry == m {
		q.retry = nil
	}
	if len(q.items) == 0 {
		q.items = nil
	}
	return true
}

// rewind resets m for a fresh transmission and forgets it as in-flight.
func (q *txQueue) rewind(m *protocol.Message) {
	q.mu.Lock()
	if q.inflight == m {
		q.inflight = nil
	}
	m.Rewind()
	q.mu.Unlock()
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain empties the queue and returns what it held.
func (q *txQueue) drain() []*protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.inflight = nil
	q.retry = nil
	return out
}
