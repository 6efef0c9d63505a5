package bigint

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
)

const (
	// MaxBits is the capacity of a Nat.
	MaxBits = 4096

	limbBits = 64
	maxLimbs = MaxBits / limbBits
)

var (
	// ErrOverflow reports an input or result wider than MaxBits or the
	// requested output width.
	ErrOverflow = errors.New("bigint: value does not fit")

	// ErrEvenModulus reports a zero or even modulus passed to ModPow.
	ErrEvenModulus = errors.New("bigint: modulus must be odd")
)

// Nat is a fixed-capacity unsigned integer. Limbs are little-endian.
// The zero value is 0.
type Nat struct {
	limbs [maxLimbs]uint64
}

// FromUint64 returns v as a Nat.
func FromUint64(v uint64) *Nat {
	z := new(Nat)
	z.limbs[0] = v
	return z
}

// FromHalves builds hi<<32 | lo, the form in which 64-bit values are carried
// as two 32-bit words.
func FromHalves(hi, lo uint32) *Nat {
	return FromUint64(uint64(hi)<<32 | uint64(lo))
}

// FromBytes interprets b as a big-endian unsigned integer.
func FromBytes(b []byte) (*Nat, error) {
	z := new(Nat)
	if err := z.SetBytes(b); err != nil {
		return nil, err
	}
	return z, nil
}

// MustFromBytes is FromBytes for constants known to fit.
func MustFromBytes(b []byte) *Nat {
	z, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return z
}

// SetBytes sets z to the big-endian value of b.
func (z *Nat) SetBytes(b []byte) error {
	// Leading zero bytes do not count against the capacity.
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) > MaxBits/8 {
		return fmt.Errorf("%w: %d bytes", ErrOverflow, len(b))
	}
	*z = Nat{}
	for i := 0; i < len(b); i++ {
		byteIdx := len(b) - 1 - i
		z.limbs[i/8] |= uint64(b[byteIdx]) << (8 * uint(i%8))
	}
	return nil
}

// Uint64 returns the low 64 bits of z.
func (z *Nat) Uint64() uint64 { return z.limbs[0] }

// Clone returns a copy of z.
func (z *Nat) Clone() *Nat {
	c := *z
	return &c
}

// IsZero reports whether z == 0.
func (z *Nat) IsZero() bool {
	var acc uint64
	for _, l := range z.limbs {
		acc |= l
	}
	return acc == 0
}

// IsOdd reports whether the lowest bit is set.
func (z *Nat) IsOdd() bool { return z.limbs[0]&1 == 1 }

// Bit returns bit i of z.
func (z *Nat) Bit(i int) uint {
	if i < 0 || i >= MaxBits {
		return 0
	}
	return uint(z.limbs[i/limbBits]>>(uint(i)%limbBits)) & 1
}

// usedLimbs returns the number of limbs up to the most significant non-zero one.
func (z *Nat) usedLimbs() int {
	for i := maxLimbs - 1; i >= 0; i-- {
		if z.limbs[i] != 0 {
			return i + 1
		}
	}
	return 0
}

// BitLen returns the length of z in bits.
func (z *Nat) BitLen() int {
	n := z.usedLimbs()
	if n == 0 {
		return 0
	}
	return (n-1)*limbBits + bits.Len64(z.limbs[n-1])
}

// Bytes returns the minimal big-endian representation of z. Zero is empty.
func (z *Nat) Bytes() []byte {
	n := (z.BitLen() + 7) / 8
	out, _ := z.FillBytes(n)
	return out
}

// FillBytes returns z as big-endian bytes zero-padded to exactly width bytes.
func (z *Nat) FillBytes(width int) ([]byte, error) {
	if (z.BitLen()+7)/8 > width {
		return nil, fmt.Errorf("%w: %d bits into %d bytes", ErrOverflow, z.BitLen(), width)
	}
	out := make([]byte, width)
	for i := 0; i < width && i < MaxBits/8; i++ {
		out[width-1-i] = byte(z.limbs[i/8] >> (8 * uint(i%8)))
	}
	return out, nil
}

// Cmp returns -1, 0 or +1 as z is less than, equal to or greater than x.
func (z *Nat) Cmp(x *Nat) int {
	for i := maxLimbs - 1; i >= 0; i-- {
		switch {
		case z.limbs[i] > x.limbs[i]:
			return 1
		case z.limbs[i] < x.limbs[i]:
			return -1
		}
	}
	return 0
}

// Add returns x + y and the carry out of the top limb.
func Add(x, y *Nat) (*Nat, uint64) {
	z := new(Nat)
	var c uint64
	for i := 0; i < maxLimbs; i++ {
		z.limbs[i], c = bits.Add64(x.limbs[i], y.limbs[i], c)
	}
	return z, c
}

// Sub returns x - y and the borrow out of the top limb.
func Sub(x, y *Nat) (*Nat, uint64) {
	z := new(Nat)
	var b uint64
	for i := 0; i < maxLimbs; i++ {
		z.limbs[i], b = bits.Sub64(x.limbs[i], y.limbs[i], b)
	}
	return z, b
}

// Lsh returns z << n, discarding bits shifted beyond MaxBits.
func (z *Nat) Lsh(n uint) *Nat {
	out := new(Nat)
	limbShift := int(n / limbBits)
	bitShift := n % limbBits
	for i := maxLimbs - 1; i >= limbShift; i-- {
		v := z.limbs[i-limbShift] << bitShift
		if bitShift != 0 && i-limbShift-1 >= 0 {
			v |= z.limbs[i-limbShift-1] >> (limbBits - bitShift)
		}
		out.limbs[i] = v
	}
	return out
}

// Rsh returns z >> n.
func (z *Nat) Rsh(n uint) *Nat {
	out := new(Nat)
	limbShift := int(n / limbBits)
	bitShift := n % limbBits
	for i := 0; i+limbShift < maxLimbs; i++ {
		v := z.limbs[i+limbShift] >> bitShift
		if bitShift != 0 && i+limbShift+1 < maxLimbs {
			v |= z.limbs[i+limbShift+1] << (limbBits - bitShift)
		}
		out.limbs[i] = v
	}
	return out
}

// Big converts z to a math/big value, for callers that need primality tests.
func (z *Nat) Big() *big.Int {
	return new(big.Int).SetBytes(z.Bytes())
}

// String formats z in hexadecimal.
func (z *Nat) String() string {
	return fmt.Sprintf("%x", z.Bytes())
}

// ctSelect returns a if mask is all ones and b if mask is zero, limb by limb,
// over the first k limbs.
func ctSelect(dst, a, b *[maxLimbs]uint64, mask uint64, k int) {
	for i := 0; i < k; i++ {
		dst[i] = (a[i] & mask) | (b[i] &^ mask)
	}
}

// Mod returns x mod m. The reduction runs over every bit of x and uses a
// masked subtraction, so it does not branch on the value of x.
func Mod(x, m *Nat) (*Nat, error) {
	if m.IsZero() {
		return nil, errors.New("bigint: division by zero")
	}
	k := m.usedLimbs()
	var r [maxLimbs]uint64
	var diff [maxLimbs]uint64
	for i := MaxBits - 1; i >= 0; i-- {
		// r = 2r + bit; r < m so 2r+1 < 2m fits in k limbs plus one carry bit.
		var carry uint64
		for j := 0; j < k; j++ {
			next := r[j] >> (limbBits - 1)
			r[j] = r[j]<<1 | carry
			carry = next
		}
		r[0] |= uint64(x.Bit(i))

		var borrow uint64
		for j := 0; j < k; j++ {
			diff[j], borrow = bits.Sub64(r[j], m.limbs[j], borrow)
		}
		// Subtract when the shifted value overflowed or r >= m.
		useDiff := carry | (borrow ^ 1)
		ctSelect(&r, &diff, &r, -useDiff, k)
	}
	out := new(Nat)
	copy(out.limbs[:k], r[:k])
	return out, nil
}
