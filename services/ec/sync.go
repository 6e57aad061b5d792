package ec

import (
	"context"

	"go.uber.org/zap"

	"nvec-go/errcode"
	"nvec-go/protocol"
)

// WriteAsync queues payload for the EC and returns at once. payload is
// [type, subcmd, args...] without the size prefix.
func (t *Transport) WriteAsync(payload []byte) error {
	return t.enqueue("write_async", payload)
}

func (t *Transport) enqueue(op string, payload []byte) error {
	switch state(t.state.Load()) {
	case stateRunning:
	case stateIdle:
		return errcode.Wrap(errcode.NotStarted, op, "transport not started")
	case stateSuspended:
		return errcode.Wrap(errcode.Suspended, op, "transport suspended")
	default:
		return errcode.Wrap(errcode.Closed, op, "transport closed")
	}
	if len(payload) == 0 || len(payload) > protocol.MaxRequest {
		return errcode.Wrap(errcode.InvalidPayload, op, "payload must be 1..33 bytes")
	}
	m := t.pool.allocTX()
	if m == nil {
		t.txLog.Warn("tx share of pool exhausted", zap.String("frame", protocol.Hex(payload)))
		return errcode.Wrap(errcode.PoolExhausted, op, "no free message")
	}
	m.SetRequest(payload)
	t.txq.push(m)
	t.kickTX()
	return nil
}

// Reply is the answer to a synchronous request. It holds a pooled slot
// until Release.
type Reply struct {
	t   *Transport
	m   *protocol.Message
	err error
}

// Bytes is the whole reply frame [type, len, subcmd, status, ...].
func (r *Reply) Bytes() []byte {
	if r.m == nil {
		return nil
	}
	return r.m.Bytes()
}

// Type and Status read zero once the reply is released.
func (r *Reply) Type() protocol.MsgType {
	if r.m == nil {
		return 0
	}
	return r.m.Type()
}

func (r *Reply) Status() byte {
	if r.m == nil {
		return 0
	}
	return r.m.Status()
}

// Err is errcode.ECError when the EC flagged the reply, else nil.
func (r *Reply) Err() error { return r.err }

// Release returns the slot to the pool. Calling it twice is harmless.
func (r *Reply) Release() {
	if r.m == nil {
		return
	}
	r.t.pool.release(r.m)
	r.m = nil
}

// WriteSync sends payload and waits for the response carrying the same
// type and sub-command. Calls are serialised: a second caller waits until
// the first one returns.
//
// On timeout the error is errcode.NoReply. A reply that arrives later is
// swallowed and freed by the next call.
func (t *Transport) WriteSync(ctx context.Context, payload []byte) (*Reply, error) {
	const op = "write_sync"
	if len(payload) < 2 {
		return nil, errcode.Wrap(errcode.InvalidPayload, op, "need type and sub-command")
	}

	t.syncMu.Lock()
	defer t.syncMu.Unlock()

	t.tagMu.Lock()
	if t.last != nil {
		t.pool.release(t.last)
		t.last = nil
	}
	t.pending = protocol.RequestTag(payload)
	t.hasTag = true
	t.tagMu.Unlock()
	select {
	case <-t.syncDone:
	default:
	}

	if err := t.enqueue(op, payload); err != nil {
		t.tagMu.Lock()
		t.hasTag = false
		t.tagMu.Unlock()
		return nil, err
	}

	timer := t.cfg.Clock.Timer(t.cfg.SyncTimeout)
	defer timer.Stop()

	select {
	case <-t.syncDone:
		t.tagMu.Lock()
		m := t.last
		t.last = nil
		t.tagMu.Unlock()
		if m == nil {
			return nil, errcode.Wrap(errcode.NoReply, op, "reply lost")
		}
		return &Reply{t: t, m: m, err: t.replyErr(op, m)}, nil
	case <-timer.C:
		t.stats.syncTimeouts.Add(1)
		t.log.Warn("timeout waiting for sync reply",
			zap.String("request", protocol.Hex(payload)),
			zap.Duration("timeout", t.cfg.SyncTimeout))
		return nil, errcode.Wrap(errcode.NoReply, op, "no reply within "+t.cfg.SyncTimeout.String())
	case <-ctx.Done():
		return nil, &errcode.E{C: errcode.NoReply, Op: op, Msg: "cancelled", Err: ctx.Err()}
	case <-t.done:
		return nil, errcode.Wrap(errcode.Closed, op, "transport closed")
	}
}

func (t *Transport) replyErr(op string, m *protocol.Message) error {
	if m.Status() == 0 {
		return nil
	}
	return t.statusErr(op, m)
}
