// Package mathx holds generic range helpers for configuration values.
package mathx

import "golang.org/x/exp/constraints"

// Clamp limits v to [lo, hi]. lo must not exceed hi.
func Clamp[T constraints.Ordered](v, lo, hi T) T { return max(lo, min(v, hi)) }

// Between reports whether lo <= v <= hi.
func Between[T constraints.Ordered](v, lo, hi T) bool { return lo <= v && v <= hi }
