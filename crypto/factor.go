package crypto

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrFactor reports a pq value that is not a product of two 32-bit primes.
var ErrFactor = errors.New("pq: cannot factor")

func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	return bits.Rem64(hi, lo, m)
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// FactorPQ splits pq into p < q with Pollard-Brent rho. The server sends pq
// as a proof of work; both factors fit in 32 bits.
func FactorPQ(pq uint64) (p, q uint32, err error) {
	if pq < 4 {
		return 0, 0, fmt.Errorf("%w: %d", ErrFactor, pq)
	}
	var d uint64
	if pq%2 == 0 {
		d = 2
	} else {
		for c := uint64(1); c < 64 && (d == 0 || d == pq); c++ {
			d = brent(pq, 2, c)
		}
	}
	if d == 0 || d == pq || d == 1 {
		return 0, 0, fmt.Errorf("%w: %d", ErrFactor, pq)
	}
	a, b := d, pq/d
	if a > b {
		a, b = b, a
	}
	if b > 0xffffffff {
		return 0, 0, fmt.Errorf("%w: factor %d wider than 32 bits", ErrFactor, b)
	}
	return uint32(a), uint32(b), nil
}

func brent(n, y, c uint64) uint64 {
	const m = 128
	f := func(x uint64) uint64 {
		s, carry := bits.Add64(mulMod(x, x, n), c, 0)
		if carry != 0 || s >= n {
			s -= n
		}
		return s
	}
	g, r, q := uint64(1), uint64(1), uint64(1)
	var x, ys uint64
	for g == 1 {
		x = y
		for i := uint64(0); i < r; i++ {
			y = f(y)
		}
		for k := uint64(0); k < r && g == 1; k += m {
			ys = y
			for i := uint64(0); i < m && i < r-k; i++ {
				y = f(y)
				q = mulMod(q, absDiff(x, y), n)
			}
			g = gcd(q, n)
		}
		r *= 2
		if r > 1<<26 {
			return 0
		}
	}
	if g == n {
		for {
			ys = f(ys)
			g = gcd(absDiff(x, ys), n)
			if g > 1 {
				break
			}
		}
	}
	return g
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
