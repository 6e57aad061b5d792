package ec

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"nvec-go/protocol"
	"nvec-go/x/timerx"
)

// runTX drains the TX queue each time it is kicked.
func (t *Transport) runTX(ctx context.Context) {
	timer := timerx.Idle(t.cfg.Clock)
	defer timerx.Stop(timer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.txKick:
			t.drainTX(ctx, timer)
		}
	}
}

// drainTX sends queued messages one at a time. A message that times out
// stays at the head and is sent again from its first byte; there is no
// retry limit.
func (t *Transport) drainTX(ctx context.Context, timer *clock.Timer) {
	t.txMu.Lock()
	defer t.txMu.Unlock()

	for ctx.Err() == nil {
		if state(t.state.Load()) != stateRunning {
			return
		}
		m := t.txq.head()
		if m == nil {
			return
		}
		if !t.awaitTX(ctx, m, timer) {
			continue
		}
		t.txq.pop(m)
		t.pool.release(m)
	}
}

// awaitTX announces m and waits until the EC has read all of it.
func (t *Transport) awaitTX(ctx context.Context, m *protocol.Message, timer *clock.Timer) bool {
	// A completion left over from an earlier attempt.
	select {
	case d := <-t.txDone:
		if d == m {
			return true
		}
	default:
	}

	t.req.Assert()
	timerx.Reset(timer, t.cfg.TxTimeout)
	for {
		select {
		case <-ctx.Done():
			timerx.Stop(timer)
			return false
		case d := <-t.txDone:
			if d != m {
				continue
			}
			timerx.Stop(timer)
			return true
		case <-timer.C:
			t.stats.txTimeouts.Add(1)
			t.txLog.Warn("timeout waiting for ec transfer, resending",
				zap.String("frame", protocol.Hex(m.Payload())),
				zap.Duration("timeout", t.cfg.TxTimeout))
			t.req.Release()
			t.txq.rewind(m)
			return false
		}
	}
}
