// Package align provides power-of-two and arbitrary-multiple rounding helpers
// shared by the buffer writers and the geometry pool.
package align

import "golang.org/x/exp/constraints"

// Up rounds v up to the next multiple of a. An alignment of 0 or 1 returns v.
// a need not be a power of two.
func Up[T constraints.Unsigned](v, a T) T {
	if a <= 1 {
		return v
	}
	if a&(a-1) == 0 {
		return (v + a - 1) &^ (a - 1)
	}
	if r := v % a; r != 0 {
		return v + a - r
	}
	return v
}

// NextPow2 returns the smallest power of two >= v. NextPow2(0) is 1.
func NextPow2[T constraints.Unsigned](v T) T {
	if v <= 1 {
		return 1
	}
	p := T(1)
	for p < v {
		p <<= 1
		if p == 0 {
			// Overflow: v is larger than the top bit of T.
			return v
		}
	}
	return p
}

// LCM returns the least common multiple of a and b, treating 0 as 1.
func LCM[T constraints.Unsigned](a, b T) T {
	if a == 0 {
		a = 1
	}
	if b == 0 {
		b = 1
	}
	return a / gcd(a, b) * b
}

func gcd[T constraints.Unsigned](a, b T) T {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
