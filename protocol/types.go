// Package protocol models the NVEC wire format: pooled message buffers,
// message type codes, the inbound frame state machine and the canned
// request payloads the transport itself issues.
package protocol

import "nvec-go/x/conv"

// MsgType is the dispatch code of an inbound frame (first byte & 0x8f).
type MsgType uint8

const (
	TypeSys   MsgType = 0x01
	TypeBat   MsgType = 0x02
	TypeGPIO  MsgType = 0x03
	TypeSleep MsgType = 0x04
	TypeKbd   MsgType = 0x05
	TypePS2   MsgType = 0x06
	TypeCntl  MsgType = 0x07
	TypeOEM0  MsgType = 0x0d

	// Asynchronous notifications, event bit set.
	TypeKbdEvent MsgType = 0x80
	TypePS2Event MsgType = 0x81
)

const (
	eventBit  = 0x80
	typeMask  = 0x8f
	classMask = 0x60
)

// TypeOf derives the dispatch code from the first byte of a frame.
func TypeOf(b0 byte) MsgType { return MsgType(b0 & typeMask) }

// IsEvent reports whether the code carries the event bit.
func (t MsgType) IsEvent() bool { return t&eventBit != 0 }

// Base strips the event bit, leaving the subsystem code.
func (t MsgType) Base() MsgType { return t &^ eventBit }

func (t MsgType) String() string {
	switch t {
	case TypeSys:
		return "sys"
	case TypeBat:
		return "bat"
	case TypeGPIO:
		return "gpio"
	case TypeSleep:
		return "sleep"
	case TypeKbd:
		return "kbd"
	case TypePS2:
		return "ps2"
	case TypeCntl:
		return "cntl"
	case TypeOEM0:
		return "oem0"
	case TypeKbdEvent:
		return "kbd_evt"
	case TypePS2Event:
		return "ps2_evt"
	}
	var buf [4]byte
	if t.IsEvent() {
		return "evt_" + string(conv.U8Hex(buf[:], uint8(t)))
	}
	return "type_" + string(conv.U8Hex(buf[:], uint8(t)))
}

var known = []MsgType{
	TypeSys, TypeBat, TypeGPIO, TypeSleep, TypeKbd, TypePS2, TypeCntl, TypeOEM0,
	TypeKbdEvent, TypePS2Event,
}

// ParseType maps a name produced by String back to its code. Only the
// named types are recognised.
func ParseType(name string) (MsgType, bool) {
	for _, t := range known {
		if t.String() == name {
			return t, true
		}
	}
	return 0, false
}

// Mask selects the type codes a notifier entry is interested in.
// Bits 0..15 cover response codes, bits 16..31 the event codes.
type Mask uint32

// MaskAll matches every type code.
const MaskAll Mask = 0xFFFFFFFF

func (t MsgType) bit() Mask {
	shift := uint(t & 0x0f)
	if t.IsEvent() {
		shift += 16
	}
	return 1 << shift
}

// MaskOf builds a mask from type codes.
func MaskOf(types ...MsgType) Mask {
	var m Mask
	for _, t := range types {
		m |= t.bit()
	}
	return m
}

// Has reports whether t is selected by m.
func (m Mask) Has(t MsgType) bool { return m&t.bit() != 0 }

// LengthClass is the 2-bit size class carried by event frames.
type LengthClass uint8

const (
	Class2Bytes   LengthClass = 0
	Class3Bytes   LengthClass = 1
	ClassVariable LengthClass = 2
	ClassReserved LengthClass = 3
)

// ClassOf decodes the length class from the first byte of a frame.
// Responses (event bit clear) are always variable length.
func ClassOf(b0 byte) LengthClass {
	if b0&eventBit == 0 {
		return ClassVariable
	}
	return LengthClass((b0 & classMask) >> 5)
}

func (c LengthClass) String() string {
	switch c {
	case Class2Bytes:
		return "fixed2"
	case Class3Bytes:
		return "fixed3"
	case ClassVariable:
		return "variable"
	default:
		return "reserved"
	}
}
