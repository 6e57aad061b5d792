package ec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nvec-go/bus"
	"nvec-go/errcode"
	"nvec-go/protocol"
)

func TestFirmwareVersionReplyReturnedVerbatim(t *testing.T) {
	var cntl <-chan bus.Event
	r := newRig(t, Config{}, true, func(b *bus.Bus) { cntl = recorder(b, protocol.MaskOf(protocol.TypeCntl)) })

	rep, err := r.tr.WriteSync(context.Background(), []byte{0x07, 0x15})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x07, 0x06, 0x15, 0x00, testFirmware.Major, testFirmware.Minor, testFirmware.HWMajor, testFirmware.HWMinor}
	if diff := cmp.Diff(want, rep.Bytes()); diff != "" {
		t.Fatalf("reply (-want +got):\n%s", diff)
	}
	if rep.Err() != nil || rep.Type() != protocol.TypeCntl || rep.Status() != 0 {
		t.Fatalf("reply err=%v type=%v status=%d", rep.Err(), rep.Type(), rep.Status())
	}
	rep.Release()
	rep.Release()
	if rep.Bytes() != nil || rep.Type() != 0 || rep.Status() != 0 {
		t.Fatal("released reply still reads the slot")
	}
	// The sync reply is consumed by the caller only.
	none(t, cntl, 20*time.Millisecond)

	fw, err := r.tr.FirmwareVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fw != testFirmware {
		t.Fatalf("firmware %+v", fw)
	}
}

func TestAsyncReplyGoesToBusOnce(t *testing.T) {
	var bat <-chan bus.Event
	r := newRig(t, Config{}, true, func(b *bus.Bus) { bat = recorder(b, protocol.MaskOf(protocol.TypeBat)) })

	if err := r.tr.WriteAsync([]byte{0x02, 0x10}); err != nil {
		t.Fatal(err)
	}
	ev := next(t, bat)
	if diff := cmp.Diff(protocol.Ack(protocol.TypeBat, 0x10, 0), ev.Data); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	none(t, bat, 30*time.Millisecond)

	r.tr.tagMu.Lock()
	defer r.tr.tagMu.Unlock()
	if r.tr.last != nil || len(r.tr.syncDone) != 0 {
		t.Fatal("async reply completed a sync call")
	}
}

func TestSyncTimeoutThenReuse(t *testing.T) {
	var events <-chan bus.Event
	r := newRig(t, Config{SyncTimeout: 80 * time.Millisecond}, true, func(b *bus.Bus) {
		events = recorder(b, protocol.MaskOf(protocol.TypeCntl))
	})
	r.settle(t)

	r.ec.SetResponder(func(req []byte) [][]byte { return nil })
	start := time.Now()
	rep, err := r.tr.WriteSync(context.Background(), protocol.FirmwareVersionRequest())
	if rep != nil || errcode.Of(err) != errcode.NoReply {
		t.Fatalf("rep=%v err=%v", rep, err)
	}
	if el := time.Since(start); el < 80*time.Millisecond {
		t.Fatalf("returned after %v", el)
	}
	if r.tr.Stats().SyncTimeouts != 1 {
		t.Fatal("timeout not counted")
	}

	r.ec.SetResponder(answer)
	rep, err = r.tr.WriteSync(context.Background(), protocol.NoopRequest())
	if err != nil {
		t.Fatalf("gateway not reusable: %v", err)
	}
	if diff := cmp.Diff(protocol.Ack(protocol.TypeCntl, protocol.CntlNoop, 0), rep.Bytes()); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	rep.Release()
	none(t, events, 20*time.Millisecond)
}

func TestLateReplyIsSwallowed(t *testing.T) {
	var events <-chan bus.Event
	r := newRig(t, Config{SyncTimeout: 50 * time.Millisecond}, true, func(b *bus.Bus) {
		events = recorder(b, protocol.MaskOf(protocol.TypeCntl))
	})
	r.settle(t)

	r.ec.SetResponder(func(req []byte) [][]byte { return nil })
	if _, err := r.tr.WriteSync(context.Background(), protocol.FirmwareVersionRequest()); errcode.Of(err) != errcode.NoReply {
		t.Fatalf("err=%v", err)
	}
	// The EC answers after the caller gave up.
	if err := r.ec.Send(answer(protocol.FirmwareVersionRequest())[0]); err != nil {
		t.Fatal(err)
	}
	none(t, events, 30*time.Millisecond)

	r.ec.SetResponder(answer)
	rep, err := r.tr.WriteSync(context.Background(), protocol.NoopRequest())
	if err != nil {
		t.Fatal(err)
	}
	rep.Release()
	waitFor(t, "stale reply freed", func() bool { return r.tr.pool.inUse() == 0 })
}

func TestConcurrentSyncCallsSerialise(t *testing.T) {
	r := newRig(t, Config{}, true, nil)
	r.settle(t)

	gate := make(chan struct{})
	held := make(chan struct{}, 1)
	r.ec.SetResponder(func(req []byte) [][]byte {
		if protocol.MsgType(req[0]) == protocol.TypeCntl && req[1] == protocol.CntlGetFirmware {
			held <- struct{}{}
			<-gate
		}
		return answer(req)
	})
	base := len(r.ec.Requests())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	replies := make([][]byte, 2)
	call := func(i int, payload []byte) {
		defer wg.Done()
		rep, err := r.tr.WriteSync(context.Background(), payload)
		errs[i] = err
		if err == nil {
			replies[i] = append([]byte(nil), rep.Bytes()...)
			rep.Release()
		}
	}

	wg.Add(1)
	go call(0, protocol.FirmwareVersionRequest())
	select {
	case <-held:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the EC")
	}
	wg.Add(1)
	go call(1, []byte{0x02, 0x10})

	// While the first call is outstanding, the second must not be queued.
	time.Sleep(30 * time.Millisecond)
	waitFor(t, "first request popped", func() bool { return r.tr.Stats().TxQueued == 0 })
	time.Sleep(20 * time.Millisecond)
	if q := r.tr.Stats().TxQueued; q != 0 {
		t.Fatalf("second request queued early: %d", q)
	}
	if n := len(r.ec.Requests()) - base; n != 1 {
		t.Fatalf("EC saw %d requests", n)
	}

	close(gate)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if replies[0][2] != protocol.CntlGetFirmware || replies[1][0] != byte(protocol.TypeBat) {
		t.Fatalf("replies crossed: %x %x", replies[0], replies[1])
	}
	reqs := r.ec.Requests()[base:]
	if diff := cmp.Diff([][]byte{protocol.FirmwareVersionRequest(), {0x02, 0x10}}, reqs); diff != "" {
		t.Fatalf("request order (-want +got):\n%s", diff)
	}
}

func TestPingAdvancesRingByOneAndWraps(t *testing.T) {
	const n = MinPoolSize
	r := newRig(t, Config{PoolSize: n}, true, nil)
	r.settle(t)

	for i := 0; i < 50*n+1; i++ {
		before := r.tr.Stats().RxNext
		rep, err := r.tr.WriteSync(context.Background(), protocol.NoopRequest())
		if err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
		rep.Release()
		after := r.tr.Stats().RxNext
		if after != (before+1)%n {
			t.Fatalf("ping %d: ring %d -> %d", i, before, after)
		}
	}
}

func TestECErrorStatusStillDelivered(t *testing.T) {
	var gpio <-chan bus.Event
	r := newRig(t, Config{}, true, func(b *bus.Bus) { gpio = recorder(b, protocol.MaskOf(protocol.TypeGPIO)) })
	r.ec.SetResponder(func(req []byte) [][]byte {
		if protocol.MsgType(req[0]) == protocol.TypeGPIO {
			return [][]byte{protocol.Ack(protocol.TypeGPIO, req[1], 0x03)}
		}
		return answer(req)
	})

	rep, err := r.tr.WriteSync(context.Background(), []byte{0x03, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	if errcode.Of(rep.Err()) != errcode.ECError || rep.Status() != 0x03 {
		t.Fatalf("err=%v status=%d", rep.Err(), rep.Status())
	}
	rep.Release()

	if err := r.tr.WriteAsync([]byte{0x03, 0x02}); err != nil {
		t.Fatal(err)
	}
	ev := next(t, gpio)
	if !errors.Is(ev.Err, errcode.ECError) {
		t.Fatalf("event err=%v", ev.Err)
	}
	if r.tr.Stats().ECErrors != 2 {
		t.Fatalf("ec errors=%d", r.tr.Stats().ECErrors)
	}
}

func TestEnqueueErrors(t *testing.T) {
	r := newRig(t, Config{PoolSize: MinPoolSize}, false, nil)

	if err := r.tr.WriteAsync(nil); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("empty: %v", err)
	}
	if err := r.tr.WriteAsync(make([]byte, protocol.MaxRequest+1)); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("oversize: %v", err)
	}
	if _, err := r.tr.WriteSync(context.Background(), []byte{0x07}); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("short sync: %v", err)
	}

	// Start queued one message; a 4-slot pool has 3 outbound slots.
	for i := 0; i < 2; i++ {
		if err := r.tr.WriteAsync([]byte{0x05, byte(i)}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := r.tr.WriteAsync([]byte{0x05, 0x09}); errcode.Of(err) != errcode.PoolExhausted {
		t.Fatalf("want pool exhausted, got %v", err)
	}
}

func TestLifecycleErrors(t *testing.T) {
	tr := New(nil, nil, nil, Config{})
	if err := tr.WriteAsync([]byte{0x07, 0x02}); errcode.Of(err) != errcode.NotStarted {
		t.Fatalf("not started: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.WriteAsync([]byte{0x07, 0x02}); errcode.Of(err) != errcode.Closed {
		t.Fatalf("closed: %v", err)
	}

	r := newRig(t, Config{}, false, nil)
	if err := r.tr.Start(context.Background()); errcode.Of(err) != errcode.Busy {
		t.Fatalf("double start: %v", err)
	}
}

func TestCloseReleasesWaitingCaller(t *testing.T) {
	r := newRig(t, Config{SyncTimeout: 5 * time.Second}, false, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.tr.WriteSync(context.Background(), protocol.FirmwareVersionRequest())
		done <- err
	}()
	waitFor(t, "request queued", func() bool { return r.tr.Stats().TxQueued == 2 })
	if err := r.tr.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if errcode.Of(err) != errcode.Closed {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("caller still blocked after Close")
	}
	if used := r.tr.pool.inUse(); used != 0 {
		t.Fatalf("%d slots leaked", used)
	}
}

func TestSyncContextCancel(t *testing.T) {
	r := newRig(t, Config{SyncTimeout: 5 * time.Second}, false, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.tr.WriteSync(ctx, protocol.FirmwareVersionRequest())
	if errcode.Of(err) != errcode.NoReply || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}
