// Package mathutil holds the power-of-two arithmetic shared by the buffer
// pools.
package mathutil

import "math/bits"

// NextPowerOf2 returns the smallest power of two >= n, and 1 for n <= 1.
func NextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func IsPowerOf2(n int) bool { return n > 0 && n&(n-1) == 0 }

// Log2 returns floor(log2(n)) for n > 0, and 0 otherwise.
func Log2(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}
