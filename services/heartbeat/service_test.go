package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"nvec-go/errcode"
	"nvec-go/protocol"
	"nvec-go/services/ec"
)

type fakeLink struct {
	mu   sync.Mutex
	sent [][]byte
	errs []error
}

func (f *fakeLink) WriteSync(_ context.Context, payload []byte) (*ec.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &ec.Reply{}, nil
}

func (f *fakeLink) Stats() ec.Stats { return ec.Stats{FramesRX: 1} }

func (f *fakeLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func start(t *testing.T, link Link, clk clock.Clock, every time.Duration) *Service {
	t.Helper()
	s := New(link, every, clk, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-s.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat did not start")
	}
	return s
}

func TestBeatSendsNoopEachInterval(t *testing.T) {
	clk := clock.NewMock()
	link := &fakeLink{}
	s := start(t, link, clk, 10*time.Second)

	for i := 1; i <= 3; i++ {
		clk.Add(10 * time.Second)
		waitFor(t, "beat", func() bool { return s.Beats() == uint32(i) })
	}
	want := [][]byte{protocol.NoopRequest(), protocol.NoopRequest(), protocol.NoopRequest()}
	link.mu.Lock()
	defer link.mu.Unlock()
	if diff := cmp.Diff(want, link.sent); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestMissesAndSuspendedSkips(t *testing.T) {
	clk := clock.NewMock()
	link := &fakeLink{errs: []error{
		errcode.Wrap(errcode.NoReply, "write_sync", "timed out"),
		errcode.Wrap(errcode.Suspended, "write_sync", "transport suspended"),
		nil,
	}}
	s := start(t, link, clk, time.Second)

	for i := 1; i <= 3; i++ {
		clk.Add(time.Second)
		waitFor(t, "attempt", func() bool { return link.count() == i })
	}
	waitFor(t, "beat", func() bool { return s.Beats() == 1 })
	if s.Misses() != 1 {
		t.Fatalf("misses=%d, want 1", s.Misses())
	}
}

func TestSetIntervalRetimesTicker(t *testing.T) {
	clk := clock.NewMock()
	link := &fakeLink{}
	s := start(t, link, clk, time.Minute)

	begin := clk.Now()
	s.SetInterval(time.Second)
	waitFor(t, "beat", func() bool {
		clk.Add(time.Second)
		return s.Beats() >= 1
	})
	if elapsed := clk.Since(begin); elapsed >= time.Minute {
		t.Fatalf("first beat after %v, old interval still in force", elapsed)
	}
}
