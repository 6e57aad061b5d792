//go:build !linux

package gpiochip

import "github.com/pkg/errors"

func openOutput(path string, offset uint32, initial bool) (handle, error) {
	return nil, errors.Errorf("gpiochip: %s unsupported on this platform", path)
}
