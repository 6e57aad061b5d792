//go:build linux

package gpiochip

import (
	"github.com/mkch/gpio"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type linuxLine struct{ line *gpio.Line }

func openOutput(path string, offset uint32, initial bool) (handle, error) {
	chip, err := gpio.OpenChip(path)
	if err != nil {
		return nil, errors.Wrapf(err, "gpiochip: open %s", path)
	}
	line, err := chip.OpenLine(offset, value(initial), gpio.Output, consumer)
	if err != nil {
		return nil, multierr.Append(errors.Wrapf(err, "gpiochip: claim line %d", offset), chip.Close())
	}
	if err := chip.Close(); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "gpiochip: close chip"), line.Close())
	}
	return &linuxLine{line: line}, nil
}

func (l *linuxLine) set(level bool) error { return l.line.SetValue(value(level)) }
func (l *linuxLine) close() error         { return l.line.Close() }
