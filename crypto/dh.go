package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/opd-ai/rpcwire/bigint"
)

// DHPrimeBits is the required size of the server's DH prime.
const DHPrimeBits = 2048

var (
	// ErrBadDHPrime reports a DH prime that is not a 2048-bit safe prime.
	ErrBadDHPrime = errors.New("dh: prime rejected")
	// ErrBadGenerator reports a generator that does not generate the
	// quadratic-residue subgroup for the prime.
	ErrBadGenerator = errors.New("dh: generator rejected")
	// ErrDHValueRange reports g_a or g_b outside (2^1984, p - 2^1984).
	ErrDHValueRange = errors.New("dh: public value out of range")
)

// rfc3526Group14 is the 2048-bit MODP prime of RFC 3526, a known safe prime.
const rfc3526Group14 = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// KnownSafePrime returns the RFC 3526 group 14 prime as big-endian bytes.
func KnownSafePrime() []byte {
	b, err := hex.DecodeString(rfc3526Group14)
	if err != nil {
		panic(err)
	}
	return b
}

// PrimeChecker validates DH primes and remembers the ones that passed, so the
// expensive primality test runs once per prime per process.
type PrimeChecker struct {
	mu     sync.Mutex
	proven map[string]struct{}
	rounds int
}

// NewPrimeChecker returns a checker seeded with the well-known safe prime.
func NewPrimeChecker() *PrimeChecker {
	c := &PrimeChecker{proven: make(map[string]struct{}), rounds: 20}
	c.proven[strings.ToLower(rfc3526Group14)] = struct{}{}
	return c
}

// CheckParams validates the prime p and generator g sent by the server.
func (c *PrimeChecker) CheckParams(g int, p []byte) error {
	pn := new(big.Int).SetBytes(p)
	if pn.BitLen() != DHPrimeBits {
		return fmt.Errorf("%w: %d bits", ErrBadDHPrime, pn.BitLen())
	}
	if err := checkGenerator(g, pn); err != nil {
		return err
	}

	key := hex.EncodeToString(pn.Bytes())
	c.mu.Lock()
	_, ok := c.proven[key]
	c.mu.Unlock()
	if ok {
		return nil
	}

	if !pn.ProbablyPrime(c.rounds) {
		return fmt.Errorf("%w: not prime", ErrBadDHPrime)
	}
	half := new(big.Int).Rsh(pn, 1)
	if !half.ProbablyPrime(c.rounds) {
		return fmt.Errorf("%w: (p-1)/2 not prime", ErrBadDHPrime)
	}

	c.mu.Lock()
	c.proven[key] = struct{}{}
	c.mu.Unlock()
	NewLogger("CheckParams").WithFields(SecureFieldHash(p, "prime")).
		WithField("generator", g).
		Info("Accepted new DH prime")
	return nil
}

// checkGenerator applies the residue conditions under which g generates a
// cyclic subgroup of prime order (p-1)/2.
func checkGenerator(g int, p *big.Int) error {
	mod := func(m int64) int64 {
		return new(big.Int).Mod(p, big.NewInt(m)).Int64()
	}
	ok := false
	switch g {
	case 2:
		ok = mod(8) == 7
	case 3:
		ok = mod(3) == 2
	case 4:
		ok = true
	case 5:
		r := mod(5)
		ok = r == 1 || r == 4
	case 6:
		r := mod(24)
		ok = r == 19 || r == 23
	case 7:
		r := mod(7)
		ok = r == 3 || r == 5 || r == 6
	}
	if !ok {
		return fmt.Errorf("%w: g=%d", ErrBadGenerator, g)
	}
	return nil
}

// CheckDHValue verifies 1 < v < p-1 and the tighter 2^1984 < v < p - 2^1984.
func CheckDHValue(v, p []byte) error {
	vn := new(big.Int).SetBytes(v)
	pn := new(big.Int).SetBytes(p)
	margin := new(big.Int).Lsh(big.NewInt(1), DHPrimeBits-64)
	upper := new(big.Int).Sub(pn, margin)
	if vn.Cmp(margin) <= 0 || vn.Cmp(upper) >= 0 {
		return ErrDHValueRange
	}
	return nil
}

// DHPublic returns g^secret mod p as a 256-byte value.
func DHPublic(g int, secret, p []byte) ([]byte, error) {
	return bigint.ModPowBytes(big.NewInt(int64(g)).Bytes(), secret, p, DHPrimeBits/8)
}

// DHShared returns peer^secret mod p as a 256-byte value, the raw auth key.
func DHShared(peer, secret, p []byte) ([]byte, error) {
	return bigint.ModPowBytes(peer, secret, p, DHPrimeBits/8)
}
