// Package hw describes the hardware the EC transport runs on: an I2C
// controller in slave mode that interrupts once per byte, and a GPIO output
// used as the "request" line towards the EC.
package hw

import "strings"

// Status mirrors the slave status register. Bit positions are the Tegra ones.
type Status uint8

const (
	StatusRNW      Status = 1 << 1 // master reads from us
	StatusRcvd     Status = 1 << 2 // new transaction; the received byte is the address
	StatusIRQ      Status = 1 << 3 // interrupt pending
	StatusEndTrans Status = 1 << 4 // stop condition seen
)

// Has reports whether every bit of f is set.
func (s Status) Has(f Status) bool { return s&f == f }

// NewTransaction reports a start (or repeated start) condition.
func (s Status) NewTransaction() bool { return s&StatusRcvd != 0 }

// Read reports a master-read phase.
func (s Status) Read() bool { return s&StatusRNW != 0 }

// Ended reports a stop without a new transaction.
func (s Status) Ended() bool { return s&StatusEndTrans != 0 && s&StatusRcvd == 0 }

func (s Status) String() string {
	var parts []string
	if s&StatusIRQ != 0 {
		parts = append(parts, "irq")
	}
	if s&StatusRcvd != 0 {
		parts = append(parts, "rcvd")
	}
	if s&StatusRNW != 0 {
		parts = append(parts, "rnw")
	}
	if s&StatusEndTrans != 0 {
		parts = append(parts, "end")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// SlaveController is the register window of an I2C controller in slave mode.
//
// The handler given to SetIRQ runs once per byte-level event and must not
// block. Inside it, Status and ReadByte return the latched event and
// WriteByte supplies the byte for a master read.
type SlaveController interface {
	Enable(addr uint8) error // 7-bit slave address
	Disable() error
	SetIRQ(handler func()) error
	ClearIRQ() error

	Status() Status
	ReadByte() byte
	WriteByte(b byte)
}

// OutputPin is the subset of a GPIO pin the request line needs.
type OutputPin interface {
	ConfigureOutput(initial bool) error
	Set(level bool)
}
