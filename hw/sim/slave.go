// Package sim emulates both ends of the EC link on the host: a slave-mode
// I2C controller that raises one interrupt per byte, the EC acting as bus
// master, and the GPIO request line between them.
package sim

import (
	"errors"
	"sync"

	"nvec-go/hw"
)

// ErrNoAck is returned when the slave is disabled or not addressed.
var ErrNoAck = errors.New("nack")

// idleByte is what the data register holds when the handler writes nothing.
const idleByte = 0xFF

// Slave implements hw.SlaveController.
type Slave struct {
	cfgMu   sync.Mutex
	enabled bool
	addr    uint8
	handler func()

	// irqMu serialises interrupts; the latched registers below are only
	// touched while it is held.
	irqMu   sync.Mutex
	status  hw.Status
	rcvd    byte
	tx      byte
	irqs    uint32
	enables uint32
}

var _ hw.SlaveController = (*Slave)(nil)

func NewSlave() *Slave { return &Slave{} }

func (s *Slave) Enable(addr uint8) error {
	s.cfgMu.Lock()
	s.enabled = true
	s.addr = addr
	s.enables++
	s.cfgMu.Unlock()
	return nil
}

func (s *Slave) Disable() error {
	s.cfgMu.Lock()
	s.enabled = false
	s.cfgMu.Unlock()
	return nil
}

func (s *Slave) SetIRQ(handler func()) error {
	s.cfgMu.Lock()
	s.handler = handler
	s.cfgMu.Unlock()
	return nil
}

func (s *Slave) ClearIRQ() error {
	s.cfgMu.Lock()
	s.handler = nil
	s.cfgMu.Unlock()
	return nil
}

func (s *Slave) Status() hw.Status { return s.status }
func (s *Slave) ReadByte() byte    { return s.rcvd }
func (s *Slave) WriteByte(b byte)  { s.tx = b }

// Enabled reports whether the slave answers and on which address.
func (s *Slave) Enabled() (uint8, bool) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.addr, s.enabled
}

// Enables counts Enable calls.
func (s *Slave) Enables() uint32 {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.enables
}

// Interrupt latches one byte-level event, runs the handler and returns the
// byte the handler supplied (0xFF if none).
func (s *Slave) Interrupt(st hw.Status, in byte) (byte, error) {
	s.cfgMu.Lock()
	h, en := s.handler, s.enabled
	s.cfgMu.Unlock()
	if !en || h == nil {
		return 0, ErrNoAck
	}

	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	s.status = st | hw.StatusIRQ
	s.rcvd = in
	s.tx = idleByte
	s.irqs++
	h()
	return s.tx, nil
}

// Spurious runs the handler with the IRQ flag clear.
func (s *Slave) Spurious() {
	s.cfgMu.Lock()
	h := s.handler
	s.cfgMu.Unlock()
	if h == nil {
		return
	}
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	s.status = 0
	h()
}

// IRQs counts delivered interrupts.
func (s *Slave) IRQs() uint32 {
	s.irqMu.Lock()
	defer s.irqMu.Unlock()
	return s.irqs
}
