package protocol

// FrameState is the position of a Framer inside one inbound frame.
type FrameState uint8

const (
	AwaitHeader FrameState = iota
	FixedRemaining
	VarAwaitLength
	VarRemaining
	Complete
	Malformed
)

func (s FrameState) String() string {
	switch s {
	case AwaitHeader:
		return "await_header"
	case FixedRemaining:
		return "fixed_remaining"
	case VarAwaitLength:
		return "var_await_length"
	case VarRemaining:
		return "var_remaining"
	case Complete:
		return "complete"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// Framer decides where an inbound frame ends, one byte at a time.
// It keeps no bytes itself; the caller appends them to a Message.
// Complete and Malformed are sticky until Reset.
type Framer struct {
	state     FrameState
	remaining uint8
	class     LengthClass
	total     uint8
}

// Reset prepares the framer for a new frame.
func (f *Framer) Reset() { *f = Framer{} }

// State returns the current state.
func (f *Framer) State() FrameState { return f.state }

// Remaining is the number of bytes still expected in FixedRemaining or VarRemaining.
func (f *Framer) Remaining() int { return int(f.remaining) }

// Class returns the length class decoded from the header (valid after the first byte).
func (f *Framer) Class() LengthClass { return f.class }

// Expected is the total frame length once known, 0 before that.
func (f *Framer) Expected() int { return int(f.total) }

// OnByte feeds the next received byte and returns the new state.
func (f *Framer) OnByte(b byte) FrameState {
	switch f.state {
	case AwaitHeader:
		f.class = ClassOf(b)
		switch f.class {
		case Class2Bytes:
			f.state, f.remaining, f.total = FixedRemaining, 1, 2
		case Class3Bytes:
			f.state, f.remaining, f.total = FixedRemaining, 2, 3
		case ClassVariable:
			f.state = VarAwaitLength
		default:
			f.state = Malformed
		}
	case FixedRemaining:
		f.remaining--
		if f.remaining == 0 {
			f.state = Complete
		}
	case VarAwaitLength:
		if b == 0 || b > MaxPayload {
			f.state = Malformed
			break
		}
		f.state, f.remaining, f.total = VarRemaining, b, 2+b
	case VarRemaining:
		f.remaining--
		if f.remaining == 0 {
			f.state = Complete
		}
	}
	return f.state
}
