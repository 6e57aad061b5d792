package ec

import (
	"context"

	"go.uber.org/zap"

	"nvec-go/bus"
	"nvec-go/errcode"
	"nvec-go/protocol"
	"nvec-go/x/conv"
)

// runRX dispatches completed frames in arrival order.
func (t *Transport) runRX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-t.rxq:
			t.dispatch(m)
		}
	}
}

func (t *Transport) dispatch(m *protocol.Message) {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	if !m.IsEvent() && t.completeSync(m) {
		return
	}

	ev := bus.Event{Type: m.Type(), Data: m.Bytes(), Err: t.parse(m)}
	if t.bus.Notify(&ev) == bus.NotMine {
		t.rxLog.Debug("unclaimed frame",
			zap.Stringer("type", ev.Type),
			zap.String("frame", m.Hex()))
	}
	t.pool.release(m)
}

// parse checks the EC status of a response and logs system events.
func (t *Transport) parse(m *protocol.Message) error {
	if m.IsEvent() {
		if m.Type().Base() == protocol.TypeSys {
			t.rxLog.Info("ec system event", zap.String("frame", m.Hex()))
		}
		return nil
	}
	return t.statusErr("rx", m)
}

// statusErr turns a non-zero response status into errcode.ECError.
func (t *Transport) statusErr(op string, m *protocol.Message) error {
	st := m.Status()
	if st == 0 {
		return nil
	}
	head := m.Bytes()
	if len(head) > 4 {
		head = head[:4]
	}
	t.stats.ecError.Add(1)
	t.rxLog.Error("ec responded with error",
		zap.String("frame", protocol.Hex(head)),
		zap.Uint8("status", st))
	var b [4]byte
	return &errcode.E{C: errcode.ECError, Op: op, Msg: "status " + string(conv.U8Hex(b[:], st))}
}

// completeSync hands m to the waiting synchronous caller if its tag matches.
func (t *Transport) completeSync(m *protocol.Message) bool {
	t.tagMu.Lock()
	defer t.tagMu.Unlock()
	if !t.hasTag || m.ReplyTag() != t.pending {
		return false
	}
	t.hasTag = false
	if t.last != nil {
		t.pool.release(t.last)
	}
	t.last = m
	select {
	case t.syncDone <- struct{}{}:
	default:
	}
	return true
}
