package ec

import (
	"go.uber.org/zap"

	"nvec-go/hw"
	"nvec-go/protocol"
)

// handleIRQ runs once per byte-level slave event. It never blocks: the TX
// queue lock is held for a handful of instructions and every channel send
// is non-blocking.
func (t *Transport) handleIRQ() {
	st := t.ctl.Status()
	if !st.Has(hw.StatusIRQ) {
		t.stats.spurious.Add(1)
		t.isrLog.Warn("spurious irq", zap.Stringer("status", st))
		return
	}

	switch {
	case st.Ended():
		t.endTransaction()
	case st.Read():
		t.masterRead(st.NewTransaction())
	default:
		t.masterWrite(st.NewTransaction(), t.ctl.ReadByte())
	}
}

// masterWrite absorbs one byte the EC sends us.
func (t *Transport) masterWrite(start bool, b byte) {
	if start {
		t.dropPartial()
		if want := t.cfg.Address << 1; b&^1 != want {
			t.stats.addrMismatch.Add(1)
			t.isrLog.Warn("received address mismatch", zap.Uint8("got", b), zap.Uint8("want", want))
		}
		m := t.pool.claimRX()
		if m == nil {
			t.stats.noSlot.Add(1)
			t.isrLog.Error("no free rx slot, frame dropped")
			return
		}
		t.rx = m
		t.framer.Reset()
		return
	}

	m := t.rx
	if m == nil {
		// frame already terminated, or never got a slot
		return
	}
	if !m.Append(b) {
		return
	}
	switch t.framer.OnByte(b) {
	case protocol.Complete:
		t.rx = nil
		t.completeRX(m)
	case protocol.Malformed:
		t.rx = nil
		t.stats.malformed.Add(1)
		t.isrLog.Warn("malformed frame dropped", zap.String("frame", m.Hex()))
		t.pool.release(m)
	}
}

// isReadCommand reports whether m holds only the byte the EC writes before
// reading from us.
func isReadCommand(m *protocol.Message) bool {
	return m != nil && m.Size == 1 && m.Data[0] == protocol.ReadCommand
}

// dropPartial discards an inbound frame cut short by a stop or restart.
func (t *Transport) dropPartial() {
	m := t.rx
	if m == nil {
		return
	}
	t.rx = nil
	if !isReadCommand(m) && m.Size > 0 {
		t.stats.incomplete.Add(1)
		t.isrLog.Warn("rx incomplete",
			zap.String("frame", m.Hex()),
			zap.Int("expected", t.framer.Expected()),
			zap.Int("missing", t.framer.Remaining()))
	}
	t.pool.release(m)
}

func (t *Transport) completeRX(m *protocol.Message) {
	t.pool.advanceRX(m)
	t.stats.framesRX.Add(1)
	select {
	case t.rxq <- m:
	default:
		t.stats.rxFull.Add(1)
		t.isrLog.Error("rx queue full, frame dropped", zap.String("frame", m.Hex()))
		t.pool.release(m)
	}
}

// masterRead supplies the next byte the EC reads from us.
func (t *Transport) masterRead(start bool) {
	out := protocol.JunkByte
	sent := false
	if start {
		ping := isReadCommand(t.rx)
		t.dropPartial()
		if ping {
			out, sent = t.startTX()
		} else {
			t.stats.junk.Add(1)
			t.isrLog.Warn("read without read command, sending junk")
		}
	} else {
		out, sent = t.continueTX()
	}
	t.ctl.WriteByte(out)

	// The EC has picked up the announcement; drop the request.
	if start && sent {
		t.req.Release()
	}
}

// startTX serves the first byte of a read transaction from the queue head,
// or from the scratch no-op when nothing is queued.
func (t *Transport) startTX() (byte, bool) {
	q := &t.txq
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.headLocked()
	if m == nil {
		m = &t.scratch
		t.stats.noops.Add(1)
	}
	if m.Pos != 0 {
		// A read restarted while m was only partly sent. Answer junk and
		// rewind so the EC gets the whole message on its next read.
		t.stats.junk.Add(1)
		t.stats.retransmits.Add(1)
		t.isrLog.Warn("read restarted mid-message, rewinding",
			zap.String("frame", protocol.Hex(m.Payload())),
			zap.Int("pos", m.Pos))
		m.Rewind()
		q.inflight = nil
		if m != &t.scratch {
			q.retry = m
			t.req.Assert()
		}
		return protocol.JunkByte, false
	}
	if q.retry != nil {
		if q.retry != m {
			t.isrLog.Warn("retransmission target changed",
				zap.String("was", protocol.Hex(q.retry.Payload())),
				zap.String("now", protocol.Hex(m.Payload())))
		}
		q.retry = nil
	}

	b, _ := m.Next()
	q.inflight = m
	t.finishLocked(m)
	return b, true
}

// continueTX serves the following bytes of the in-flight message.
func (t *Transport) continueTX() (byte, bool) {
	q := &t.txq
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.inflight
	if m == nil {
		t.stats.junk.Add(1)
		t.isrLog.Debug("read past end of message")
		return protocol.JunkByte, false
	}
	if m != &t.scratch && m != q.headLocked() {
		t.stats.junk.Add(1)
		t.isrLog.Error("tx head corrupted, resetting")
		m.Rewind()
		q.inflight = nil
		return protocol.JunkByte, false
	}
	b, ok := m.Next()
	if !ok {
		t.stats.junk.Add(1)
		q.inflight = nil
		return protocol.JunkByte, false
	}
	t.finishLocked(m)
	return b, true
}

// finishLocked hands a fully read message to the TX worker.
func (t *Transport) finishLocked(m *protocol.Message) {
	if !m.Done() {
		return
	}
	t.txq.inflight = nil
	if m == &t.scratch {
		m.Rewind()
		return
	}
	t.stats.framesTX.Add(1)
	select {
	case t.txDone <- m:
	default:
	}
}

// endTransaction handles a stop condition.
func (t *Transport) endTransaction() {
	t.dropPartial()

	q := &t.txq
	q.mu.Lock()
	m := q.inflight
	premature := m != nil && !m.Done()
	if premature {
		q.inflight = nil
		m.Rewind()
	}
	q.mu.Unlock()

	if premature && m != &t.scratch {
		t.stats.retransmits.Add(1)
		t.isrLog.Warn("read ended before message was complete, resending",
			zap.String("frame", protocol.Hex(m.Payload())))
		t.req.Assert()
	}
}
