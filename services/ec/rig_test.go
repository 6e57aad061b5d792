package ec

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"nvec-go/bus"
	"nvec-go/hw"
	"nvec-go/hw/sim"
	"nvec-go/protocol"
)

const testAddr = 0x45

var testFirmware = protocol.FirmwareVersion{Major: 0x00, Minor: 0x25, HWMajor: 0x01, HWMinor: 0x02}

type rig struct {
	slave  *sim.Slave
	master *sim.Master
	pin    *sim.Pin
	ec     *sim.EC
	tr     *Transport
}

// newRig starts a transport on a simulated bus. With withEC the emulated
// controller answers requests; without it the test plays the EC itself.
func newRig(t *testing.T, cfg Config, withEC bool, setup func(b *bus.Bus)) *rig {
	t.Helper()
	slave := sim.NewSlave()
	master := sim.NewMaster(slave)
	pin := sim.NewPin(170)
	line, err := hw.NewRequestLine(pin, true)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Address = testAddr
	if cfg.Logger == nil {
		cfg.Logger = zaptest.NewLogger(t)
	}
	tr := New(slave, line, nil, cfg)
	if setup != nil {
		setup(tr.Bus())
	}
	r := &rig{slave: slave, master: master, pin: pin, tr: tr}

	ctx, cancel := context.WithCancel(context.Background())
	ecDone := make(chan struct{})
	if withEC {
		r.ec = sim.NewEC(master, pin, sim.ECConfig{Address: testAddr, Firmware: testFirmware, Logger: cfg.Logger})
		go func() {
			_ = r.ec.Run(ctx)
			close(ecDone)
		}()
	} else {
		close(ecDone)
	}
	if err := tr.Start(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		<-ecDone
		_ = tr.Close()
	})
	return r
}

// settle waits until everything queued so far has been answered.
func (r *rig) settle(t *testing.T) {
	t.Helper()
	rep, err := r.tr.WriteSync(context.Background(), protocol.NoopRequest())
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	rep.Release()
	waitFor(t, "idle pool", func() bool { return r.tr.pool.inUse() == 0 })
}

// recorder copies every delivered frame onto a channel.
func recorder(b *bus.Bus, mask protocol.Mask) <-chan bus.Event {
	ch := make(chan bus.Event, 64)
	b.Register("recorder", mask, func(ev *bus.Event) bus.Verdict {
		cp := *ev
		cp.Data = append([]byte(nil), ev.Data...)
		ch <- cp
		return bus.Handled
	})
	return ch
}

func next(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return bus.Event{}
}

func none(t *testing.T, ch <-chan bus.Event, d time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", protocol.Hex(ev.Data))
	case <-time.After(d):
	}
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

// answer is a responder that acks everything except the firmware query.
func answer(req []byte) [][]byte {
	t, sub := protocol.MsgType(req[0]), req[1]
	if t == protocol.TypeCntl && sub == protocol.CntlGetFirmware {
		return [][]byte{{0x07, 0x06, 0x15, 0x00, testFirmware.Major, testFirmware.Minor, testFirmware.HWMajor, testFirmware.HWMinor}}
	}
	return [][]byte{protocol.Ack(t, sub, 0)}
}
