// Package mathx holds the small numeric helpers shared by Parameter range
// validation (internal/param) and Movable position math (internal/hal),
// in place of the teacher's fixed-point PWM duty-cycle helpers, which had
// no use once the consumer was an instrument parameter rather than a PWM
// channel.
package mathx

import "cmp"

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Between reports lo <= v && v <= hi (order-insensitive), the range test
// behind Parameter's OutOfRange validation.
func Between[T cmp.Ordered](v, lo, hi T) bool {
	if hi < lo {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

// Min/Max for convenience.
func Min[T cmp.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
func Max[T cmp.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Abs for signed integers.
func Abs[T ~int | ~int8 | ~int16 | ~int32 | ~int64](x T) T {
	if x < 0 {
		return -x
	}
	return x
}
