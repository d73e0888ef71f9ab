package backend

import (
	"math/bits"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Every backend and every kernel program goes through the functions in this
// file, so a round or a pass produces the same field and group values no
// matter where it ran.

// Butterfly computes (a, b) <- (a + w*b, a - w*b).
func Butterfly(a, b, w *fr.Element) {
	var t fr.Element
	t.Mul(w, b)
	b.Sub(a, &t)
	a.Add(a, &t)
}

// RoundButterfly applies butterfly k of the given round to buf. buf holds n
// elements in bit-reversed order; twiddles[j] = omega^j for j < n/2. Round r
// pairs elements 2^r apart, and k ranges over [0, n/2).
func RoundButterfly(buf, twiddles []fr.Element, round, k int) {
	lo, hi, tw := RoundIndices(len(buf), round, k)
	Butterfly(&buf[lo], &buf[hi], &twiddles[tw])
}

// RoundIndices returns the operand positions and the twiddle index of
// butterfly k in a round over n elements.
func RoundIndices(n, round, k int) (lo, hi, tw int) {
	half := 1 << round
	block, j := k>>round, k&(half-1)
	lo = block*(half<<1) + j
	return lo, lo + half, j * (n / (half << 1))
}

// Rounds is log2(n) for a power-of-two n.
func Rounds(n int) int {
	return bits.TrailingZeros(uint(n))
}

// Digit extracts the width-bit window number window from canonical
// little-endian scalar limbs.
func Digit(limbs *[fr.Limbs]uint64, window, width int) uint64 {
	offset := window * width
	idx, shift := offset/64, uint(offset%64)
	if idx >= fr.Limbs {
		return 0
	}
	d := limbs[idx] >> shift
	if shift+uint(width) > 64 && idx+1 < fr.Limbs {
		d |= limbs[idx+1] << (64 - shift)
	}
	return d & (1<<uint(width) - 1)
}

// Windows is the number of width-bit windows covering a scalar.
func Windows(width int) int {
	return (fr.Bits + width - 1) / width
}

// Identity is the group identity in Jacobian coordinates.
func Identity() bls12381.G1Jac {
	var p bls12381.G1Jac
	p.X.SetOne()
	p.Y.SetOne()
	return p
}

// BucketPass sorts bases into buckets by their scalar's digit for one window
// and returns sum_d d*bucket[d]. Zero digits are skipped.
func BucketPass(scalars [][fr.Limbs]uint64, bases []bls12381.G1Affine, window, width int) bls12381.G1Jac {
	buckets := make([]bls12381.G1Jac, 1<<uint(width)-1)
	for i := range buckets {
		buckets[i] = Identity()
	}
	for i := range scalars {
		d := Digit(&scalars[i], window, width)
		if d == 0 {
			continue
		}
		buckets[d-1].AddMixed(&bases[i])
	}
	return ReduceBuckets(buckets)
}

// ReduceBuckets returns sum_i (i+1)*buckets[i] with the running-sum trick.
func ReduceBuckets(buckets []bls12381.G1Jac) bls12381.G1Jac {
	running, total := Identity(), Identity()
	for i := len(buckets) - 1; i >= 0; i-- {
		running.AddAssign(&buckets[i])
		total.AddAssign(&running)
	}
	return total
}
