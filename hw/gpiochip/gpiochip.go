// Package gpiochip drives the EC request line through a Linux GPIO
// character device (/dev/gpiochipN).
package gpiochip

import (
	"sync"

	"go.uber.org/zap"

	"nvec-go/hw"
)

const consumer = "nvec-request"

// Line is one output line of a gpiochip. The line is claimed on
// ConfigureOutput and given back on Close.
type Line struct {
	chip   string
	offset uint32
	log    *zap.Logger

	mu sync.Mutex
	h  handle
}

var _ hw.OutputPin = (*Line)(nil)

// New describes offset on chip; nothing is opened yet.
func New(chip string, offset uint32, log *zap.Logger) *Line {
	if log == nil {
		log = zap.NewNop()
	}
	return &Line{chip: chip, offset: offset, log: log.Named("gpiochip")}
}

func (l *Line) ConfigureOutput(initial bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h != nil {
		return l.h.set(initial)
	}
	h, err := openOutput(l.chip, l.offset, initial)
	if err != nil {
		return err
	}
	l.h = h
	l.log.Info("request line claimed", zap.String("chip", l.chip), zap.Uint32("offset", l.offset))
	return nil
}

func (l *Line) Set(level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil {
		return
	}
	if err := l.h.set(level); err != nil {
		l.log.Warn("set request line", zap.Error(err))
	}
}

func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == nil {
		return nil
	}
	err := l.h.close()
	l.h = nil
	return err
}

type handle interface {
	set(level bool) error
	close() error
}

func value(level bool) byte {
	if level {
		return 1
	}
	return 0
}
