package sim

import (
	"errors"
	"sync"

	"tinygo.org/x/drivers"

	"nvec-go/hw"
	"nvec-go/protocol"
)

// ErrJunk reports that the slave answered a block read with no valid size.
var ErrJunk = errors.New("junk_size")

// Master drives the slave the way the EC does, one interrupt per byte.
// It implements the TinyGo drivers.I2C contract: Tx writes w, then reads
// len(r) bytes after a repeated start, then stops.
type Master struct {
	mu    sync.Mutex
	slave *Slave
}

var _ drivers.I2C = (*Master)(nil)

func NewMaster(s *Slave) *Master { return &Master{slave: s} }

func (m *Master) addressed(addr uint16) error {
	a, en := m.slave.Enabled()
	if !en || uint16(a) != addr {
		return ErrNoAck
	}
	return nil
}

// Tx performs a write and/or read transfer addressed to addr (7-bit).
func (m *Master) Tx(addr uint16, w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addressed(addr); err != nil {
		return err
	}
	a := byte(addr << 1)
	s := m.slave

	if len(w) > 0 {
		if _, err := s.Interrupt(hw.StatusRcvd, a); err != nil {
			return err
		}
		for _, b := range w {
			if _, err := s.Interrupt(0, b); err != nil {
				return err
			}
		}
	}
	stop := hw.StatusEndTrans
	if len(r) > 0 {
		stop |= hw.StatusRNW
		b, err := s.Interrupt(hw.StatusRcvd|hw.StatusRNW, a|1)
		if err != nil {
			return err
		}
		r[0] = b
		for i := 1; i < len(r); i++ {
			if r[i], err = s.Interrupt(hw.StatusRNW, 0); err != nil {
				return err
			}
		}
	}
	_, err := s.Interrupt(stop, 0)
	return err
}

// ReadBlock writes cmd and reads back a size-prefixed block, as the EC does
// to pull a request. The size byte is not part of the result.
func (m *Master) ReadBlock(addr uint16, cmd byte) ([]byte, error) {
	return m.readBlock(addr, cmd, -1)
}

// ReadPartial behaves like ReadBlock but stops after n payload bytes.
func (m *Master) ReadPartial(addr uint16, cmd byte, n int) ([]byte, error) {
	return m.readBlock(addr, cmd, n)
}

func (m *Master) readBlock(addr uint16, cmd byte, limit int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.addressed(addr); err != nil {
		return nil, err
	}
	a := byte(addr << 1)
	s := m.slave

	if _, err := s.Interrupt(hw.StatusRcvd, a); err != nil {
		return nil, err
	}
	if _, err := s.Interrupt(0, cmd); err != nil {
		return nil, err
	}
	n, err := s.Interrupt(hw.StatusRcvd|hw.StatusRNW, a|1)
	if err != nil {
		return nil, err
	}
	if n == 0 || int(n) > protocol.MaxRequest {
		_, _ = s.Interrupt(hw.StatusEndTrans|hw.StatusRNW, 0)
		return nil, ErrJunk
	}
	want := int(n)
	if limit >= 0 && limit < want {
		want = limit
	}
	out := make([]byte, want)
	for i := range out {
		if out[i], err = s.Interrupt(hw.StatusRNW, 0); err != nil {
			return nil, err
		}
	}
	_, err = s.Interrupt(hw.StatusEndTrans|hw.StatusRNW, 0)
	return out, err
}

// Raw replays a scripted list of events without any address check.
func (m *Master) Raw(events ...Event) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for _, ev := range events {
		b, err := m.slave.Interrupt(ev.Status, ev.Data)
		if err != nil {
			return out, err
		}
		if ev.Status.Read() && !ev.Status.Ended() {
			out = append(out, b)
		}
	}
	return out, nil
}

// Event is one scripted interrupt for Raw.
type Event struct {
	Status hw.Status
	Data   byte
}

// WriteEvents scripts a complete master-write transaction of frame to addr.
func WriteEvents(addr uint8, frame []byte) []Event {
	evs := make([]Event, 0, len(frame)+2)
	evs = append(evs, Event{Status: hw.StatusRcvd, Data: addr << 1})
	for _, b := range frame {
		evs = append(evs, Event{Data: b})
	}
	return append(evs, Event{Status: hw.StatusEndTrans})
}
