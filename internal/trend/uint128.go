package trend

import "math/bits"

// Uint128 is an unsigned 128-bit accumulator for integer trend sums.
type Uint128 struct {
	Hi, Lo uint64
}

// Add64 returns u + v.
func (u Uint128) Add64(v uint64) Uint128 {
	lo, carry := bits.Add64(u.Lo, v, 0)
	return Uint128{Hi: u.Hi + carry, Lo: lo}
}

// Add returns u + v.
func (u Uint128) Add(v Uint128) Uint128 {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, _ := bits.Add64(u.Hi, v.Hi, carry)
	return Uint128{Hi: hi, Lo: lo}
}

// Mul64 returns a * b as a 128-bit value.
func Mul64(a, b uint64) Uint128 {
	hi, lo := bits.Mul64(a, b)
	return Uint128{Hi: hi, Lo: lo}
}

// Div64 returns u / d truncated to 64 bits. The quotient of a sum of n
// uint64 values divided by n always fits.
func (u Uint128) Div64(d uint64) uint64 {
	if d == 0 {
		return 0
	}
	hi := u.Hi % d
	q, _ := bits.Div64(hi, u.Lo, d)
	return q
}
