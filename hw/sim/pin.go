package sim

import (
	"sync"

	"nvec-go/hw"
)

// Pin is a host-side GPIO. Set calls the change callback outside the lock,
// the way an edge interrupt would fire.
type Pin struct {
	mu       sync.RWMutex
	number   int
	level    bool
	modeOut  bool
	onChange func(level bool)
	edges    uint32
}

var _ hw.OutputPin = (*Pin)(nil)

func NewPin(number int) *Pin { return &Pin{number: number} }

func (p *Pin) ConfigureOutput(initial bool) error {
	p.mu.Lock()
	p.modeOut = true
	p.level = initial
	p.mu.Unlock()
	return nil
}

func (p *Pin) Set(level bool) {
	p.mu.Lock()
	old := p.level
	p.level = level
	cb := p.onChange
	if old != level {
		p.edges++
	}
	p.mu.Unlock()
	if old != level && cb != nil {
		cb(level)
	}
}

func (p *Pin) Get() bool {
	p.mu.RLock()
	v := p.level
	p.mu.RUnlock()
	return v
}

func (p *Pin) Number() int { return p.number }

// Edges counts level changes since creation.
func (p *Pin) Edges() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.edges
}

// OnChange installs the edge callback. It must not block.
func (p *Pin) OnChange(fn func(level bool)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}
