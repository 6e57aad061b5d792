package hw

import "sync/atomic"

// RequestLine drives the GPIO that tells the EC we have data to send.
// The line is active low unless configured otherwise.
type RequestLine struct {
	pin       OutputPin
	activeLow bool
	asserted  atomic.Bool
}

// NewRequestLine configures pin as an output in the released state.
func NewRequestLine(pin OutputPin, activeLow bool) (*RequestLine, error) {
	r := &RequestLine{pin: pin, activeLow: activeLow}
	if err := pin.ConfigureOutput(r.level(false)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RequestLine) level(asserted bool) bool {
	if r.activeLow {
		return !asserted
	}
	return asserted
}

// Assert signals "data ready". Safe from interrupt context.
func (r *RequestLine) Assert() {
	r.asserted.Store(true)
	r.pin.Set(r.level(true))
}

// Release returns the line to idle. Safe from interrupt context.
func (r *RequestLine) Release() {
	r.asserted.Store(false)
	r.pin.Set(r.level(false))
}

// Asserted reports the last level driven.
func (r *RequestLine) Asserted() bool { return r.asserted.Load() }
