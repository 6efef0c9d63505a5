package bigint

import (
	"math/bits"
)

const windowBits = 4

// montgomery holds the precomputed constants for one odd modulus of k limbs.
type montgomery struct {
	m     [maxLimbs]uint64
	k     int
	m0inv uint64 // -m^-1 mod 2^64
	rr    [maxLimbs]uint64
	one   [maxLimbs]uint64 // R mod m
}

func newMontgomery(m *Nat) (*montgomery, error) {
	if m.IsZero() || !m.IsOdd() {
		return nil, ErrEvenModulus
	}
	mt := &montgomery{m: m.limbs, k: m.usedLimbs()}

	// Newton iteration for the inverse of m[0] modulo 2^64.
	inv := uint64(1)
	for i := 0; i < 6; i++ {
		inv *= 2 - mt.m[0]*inv
	}
	mt.m0inv = -inv

	// R mod m and R^2 mod m by repeated modular doubling of 1.
	var x [maxLimbs]uint64
	x[0] = 1
	if mt.k == 1 && mt.m[0] == 1 {
		x[0] = 0
	}
	for i := 0; i < 2*mt.k*limbBits; i++ {
		mt.double(&x)
		if i == mt.k*limbBits-1 {
			mt.one = x
		}
	}
	mt.rr = x
	return mt, nil
}

// double sets x = 2x mod m for x < m.
func (mt *montgomery) double(x *[maxLimbs]uint64) {
	k := mt.k
	var carry uint64
	for j := 0; j < k; j++ {
		next := x[j] >> (limbBits - 1)
		x[j] = x[j]<<1 | carry
		carry = next
	}
	var diff [maxLimbs]uint64
	var borrow uint64
	for j := 0; j < k; j++ {
		diff[j], borrow = bits.Sub64(x[j], mt.m[j], borrow)
	}
	useDiff := carry | (borrow ^ 1)
	ctSelect(x, &diff, x, -useDiff, k)
}

// madd returns the 128-bit value x*y + z + c as (hi, lo).
func madd(x, y, z, c uint64) (uint64, uint64) {
	hi, lo := bits.Mul64(x, y)
	var carry uint64
	lo, carry = bits.Add64(lo, z, 0)
	hi += carry
	lo, carry = bits.Add64(lo, c, 0)
	hi += carry
	return hi, lo
}

// mul sets out = a*b*R^-1 mod m (CIOS). Inputs must be < m.
func (mt *montgomery) mul(out, a, b *[maxLimbs]uint64) {
	k := mt.k
	var t [maxLimbs + 2]uint64
	for i := 0; i < k; i++ {
		var c uint64
		for j := 0; j < k; j++ {
			c, t[j] = madd(a[j], b[i], t[j], c)
		}
		var c2 uint64
		t[k], c2 = bits.Add64(t[k], c, 0)
		t[k+1] = c2

		q := t[0] * mt.m0inv
		c, _ = madd(q, mt.m[0], t[0], 0)
		for j := 1; j < k; j++ {
			c, t[j-1] = madd(q, mt.m[j], t[j], c)
		}
		t[k-1], c2 = bits.Add64(t[k], c, 0)
		t[k] = t[k+1] + c2
	}

	var res, diff [maxLimbs]uint64
	copy(res[:k], t[:k])
	var borrow uint64
	for j := 0; j < k; j++ {
		diff[j], borrow = bits.Sub64(res[j], mt.m[j], borrow)
	}
	useDiff := t[k] | (borrow ^ 1)
	ctSelect(out, &diff, &res, -useDiff, k)
	for j := k; j < maxLimbs; j++ {
		out[j] = 0
	}
}

// ModPow returns base^exp mod m for odd m.
//
// The loop processes every 4-bit window of exp's full limb width with four
// squarings and one multiplication by a table entry chosen through a masked
// scan of all 16 entries.
func ModPow(base, exp, m *Nat) (*Nat, error) {
	mt, err := newMontgomery(m)
	if err != nil {
		return nil, err
	}
	b, err := Mod(base, m)
	if err != nil {
		return nil, err
	}

	var table [1 << windowBits][maxLimbs]uint64
	table[0] = mt.one
	mt.mul(&table[1], &b.limbs, &mt.rr)
	for i := 2; i < len(table); i++ {
		mt.mul(&table[i], &table[i-1], &table[1])
	}

	acc := mt.one
	var sel [maxLimbs]uint64
	expLimbs := exp.usedLimbs()
	for li := expLimbs - 1; li >= 0; li-- {
		limb := exp.limbs[li]
		for shift := limbBits - windowBits; shift >= 0; shift -= windowBits {
			for s := 0; s < windowBits; s++ {
				mt.mul(&acc, &acc, &acc)
			}
			w := (limb >> uint(shift)) & (1<<windowBits - 1)
			for i := range table {
				// mask is all ones exactly when i == w.
				eq := uint64(i) ^ w
				mask := ((eq | -eq) >> 63) - 1
				ctSelect(&sel, &table[i], &sel, mask, mt.k)
			}
			mt.mul(&acc, &acc, &sel)
		}
	}

	var one [maxLimbs]uint64
	one[0] = 1
	var res [maxLimbs]uint64
	mt.mul(&res, &acc, &one)
	return &Nat{limbs: res}, nil
}

// ModPowBytes computes base^exp mod m on big-endian inputs and returns the
// result zero-padded to width bytes. A width of zero means the byte length of m.
func ModPowBytes(base, exp, m []byte, width int) ([]byte, error) {
	bn, err := FromBytes(base)
	if err != nil {
		return nil, err
	}
	en, err := FromBytes(exp)
	if err != nil {
		return nil, err
	}
	mn, err := FromBytes(m)
	if err != nil {
		return nil, err
	}
	r, err := ModPow(bn, en, mn)
	if err != nil {
		return nil, err
	}
	if width == 0 {
		width = (mn.BitLen() + 7) / 8
	}
	return r.FillBytes(width)
}
