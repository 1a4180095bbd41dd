package schedule

import "math/bits"

// BitReverse reverses the low numBits bits of i. It is the core of the
// "hopping" ordering (spec §4.3): iterating i = 0, 1, 2, ... and visiting
// index BitReverse(i, numBits) yields a spatially spread traversal where
// corner/quadrant representatives are emitted first.
func BitReverse(i uint32, numBits uint) uint32 {
	if numBits == 0 || numBits > 32 {
		return i
	}
	return bits.Reverse32(i) >> (32 - numBits)
}

// bitsFor returns the number of bits needed to represent values in
// [0, n) as a bit-reversed index space, i.e. ceil(log2(n)), with a floor
// of 0 bits for n <= 1.
func bitsFor(n int) uint {
	if n <= 1 {
		return 0
	}
	b := uint(0)
	for (1 << b) < n {
		b++
	}
	return b
}

// hoppingOrder returns the permutation of [0, n) in bit-reversed order:
// hoppingOrder(n)[k] is the k-th index to visit. Indices whose
// bit-reversed value would be n or more (because n is not a power of two) are
// skipped, and the remaining values retain their relative bit-reversed
// order, so within a non-power-of-two domain the sequence is still
// deterministic and still spatially spread.
func hoppingOrder(n int) []int {
	if n <= 0 {
		return nil
	}
	numBits := bitsFor(n)
	span := 1 << numBits

	order := make([]int, 0, n)
	for i := 0; i < span; i++ {
		rev := int(BitReverse(uint32(i), numBits))
		if rev < n {
			order = append(order, rev)
		}
	}
	return order
}
