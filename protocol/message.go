package protocol

import (
	"sync/atomic"

	"nvec-go/x/conv"
)

// Protocol constants inherited from the SMBus block-transfer layout.
const (
	MaxPayload     = 32
	MaxMessageSize = 2 + MaxPayload // command + length + payload
	MaxRequest     = MaxMessageSize - 1

	ReadCommand byte = 0x01 // written by the EC before it reads from us
	JunkByte    byte = 0xFF // sent when a read cannot be served

	statusOffset = 3
)

// Tag correlates a synchronous request with its reply:
// low byte is the type, high byte the sub-command.
type Tag uint16

// RequestTag derives the tag of an outbound payload ([type, subcmd, ...]).
func RequestTag(payload []byte) Tag {
	if len(payload) < 2 {
		return 0
	}
	return Tag(payload[0]) | Tag(payload[1])<<8
}

// Message is one pooled frame buffer.
//
// Inbound messages are filled byte by byte and frozen once complete.
// Outbound messages hold [declared size][payload...] and only move Pos.
// 0 <= Pos <= Size <= MaxMessageSize always holds.
type Message struct {
	Data [MaxMessageSize]byte
	Pos  int
	Size int

	used atomic.Bool
	slot int
}

// Slot is the arena index of the message.
func (m *Message) Slot() int { return m.slot }

// SetSlot records the arena index; used by pool owners only.
func (m *Message) SetSlot(i int) { m.slot = i }

// TryClaim marks the message used; false if it already was.
func (m *Message) TryClaim() bool { return m.used.CompareAndSwap(false, true) }

// Free clears the used flag.
func (m *Message) Free() { m.used.Store(false) }

// InUse reports the pool ownership flag.
func (m *Message) InUse() bool { return m.used.Load() }

// Reset empties the buffer for reuse.
func (m *Message) Reset() {
	m.Pos = 0
	m.Size = 0
}

// SetRequest loads an outbound payload, prefixed by its length.
func (m *Message) SetRequest(payload []byte) bool {
	if len(payload) == 0 || len(payload) > MaxRequest {
		return false
	}
	m.Data[0] = byte(len(payload))
	copy(m.Data[1:], payload)
	m.Size = len(payload) + 1
	m.Pos = 0
	return true
}

// Append stores an inbound byte. Bytes past MaxMessageSize are refused.
func (m *Message) Append(b byte) bool {
	if m.Pos >= MaxMessageSize {
		return false
	}
	m.Data[m.Pos] = b
	m.Pos++
	m.Size = m.Pos
	return true
}

// Next yields the next outbound byte and advances the cursor.
func (m *Message) Next() (byte, bool) {
	if m.Pos >= m.Size {
		return 0, false
	}
	b := m.Data[m.Pos]
	m.Pos++
	return b, true
}

// Done reports whether every outbound byte has been read.
func (m *Message) Done() bool { return m.Size > 0 && m.Pos == m.Size }

// Rewind moves the cursor back to the first byte.
func (m *Message) Rewind() { m.Pos = 0 }

// Bytes returns the frame content.
func (m *Message) Bytes() []byte { return m.Data[:m.Size] }

// Payload returns an outbound message without its size prefix.
func (m *Message) Payload() []byte {
	if m.Size == 0 {
		return nil
	}
	return m.Data[1:m.Size]
}

// Type returns the dispatch code of an inbound frame.
func (m *Message) Type() MsgType { return TypeOf(m.Data[0]) }

// IsEvent reports whether an inbound frame is an asynchronous event.
func (m *Message) IsEvent() bool { return m.Data[0]&eventBit != 0 }

// ReplyTag is the tag of an inbound response ([type, len, subcmd, status, ...]).
func (m *Message) ReplyTag() Tag {
	return Tag(m.Data[0]) | Tag(m.Data[2])<<8
}

// Status returns the EC status byte of a response, 0 when absent.
func (m *Message) Status() byte {
	if m.IsEvent() || m.Size <= statusOffset {
		return 0
	}
	return m.Data[statusOffset]
}

// Hex renders the frame for logs.
func (m *Message) Hex() string { return Hex(m.Bytes()) }

// Hex renders bytes as "07 15 00".
func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(conv.AppendHex(make([]byte, 0, len(b)*3), b))
}
