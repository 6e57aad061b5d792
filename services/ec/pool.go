package ec

import (
	"sync/atomic"

	"go.uber.org/zap"

	"nvec-go/protocol"
)

const (
	kindFree uint8 = iota
	kindRX
	kindTX
)

// pool is the fixed message arena. The first rxSize slots form the
// inbound ring: the ISR claims at rxNext and the ring only advances when a
// frame completes. Outbound messages live in the slots after the ring, 3/4
// as many as the ring holds, so a queued request never occupies a ring slot.
type pool struct {
	slots  []protocol.Message
	kinds  []atomic.Uint32
	rxSize int

	rxNext atomic.Int32
	txUsed atomic.Int32

	log *zap.Logger
}

func newPool(n int, log *zap.Logger) *pool {
	tx := max(n*3/4, 1)
	p := &pool{
		slots:  make([]protocol.Message, n+tx),
		kinds:  make([]atomic.Uint32, n+tx),
		rxSize: n,
		log:    log,
	}
	for i := range p.slots {
		p.slots[i].SetSlot(i)
	}
	return p
}

// claimRX returns the slot for the next inbound frame, scanning forward
// when the ring slot is still busy. Called from the ISR only.
func (p *pool) claimRX() *protocol.Message {
	n := p.rxSize
	start := int(p.rxNext.Load())
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		m := &p.slots[idx]
		if !m.TryClaim() {
			continue
		}
		if i > 0 {
			p.log.Warn("rx ring slot busy", zap.Int("ring", start), zap.Int("used", idx))
		}
		p.kinds[idx].Store(uint32(kindRX))
		m.Reset()
		return m
	}
	return nil
}

// advanceRX moves the ring past a completed frame.
func (p *pool) advanceRX(m *protocol.Message) {
	next := (m.Slot() + 1) % p.rxSize
	p.rxNext.Store(int32(next))
	if p.slots[next].InUse() {
		p.log.Warn("rx ring wrapped onto a slot in use", zap.Int("slot", next))
	}
}

// allocTX claims an outbound slot, or nil when all of them are queued.
func (p *pool) allocTX() *protocol.Message {
	for i := len(p.slots) - 1; i >= p.rxSize; i-- {
		m := &p.slots[i]
		if m.TryClaim() {
			p.kinds[i].Store(uint32(kindTX))
			p.txUsed.Add(1)
			m.Reset()
			return m
		}
	}
	return nil
}

// release returns a message to the pool. Releasing a free slot is a no-op.
func (p *pool) release(m *protocol.Message) {
	if m == nil || !m.InUse() {
		return
	}
	i := m.Slot()
	if uint8(p.kinds[i].Swap(uint32(kindFree))) == kindTX {
		p.txUsed.Add(-1)
	}
	m.Reset()
	m.Free()
}

// inUse counts claimed slots.
func (p *pool) inUse() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].InUse() {
			n++
		}
	}
	return n
}
