package crypto

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/opd-ai/rpcwire/bigint"
	"github.com/opd-ai/rpcwire/tl"
)

const (
	// RSAModulusSize is the only modulus size the handshake accepts.
	RSAModulusSize = 256

	// rsaPadDataMax is the largest payload RSAPad can carry.
	rsaPadDataMax = 144
	rsaPadded     = 192
)

var (
	// ErrRSAKey reports an unusable server public key.
	ErrRSAKey = errors.New("rsa: unusable public key")
	// ErrRSAPad reports an RSA_PAD payload that fails to open.
	ErrRSAPad = errors.New("rsa: bad padded payload")
)

// RSAPublicKey is a server key the client trusts.
type RSAPublicKey struct {
	N *big.Int
	E int
}

// ParseRSAPublicKeyPEM reads a PKCS#1 "RSA PUBLIC KEY" or PKIX "PUBLIC KEY" block.
func ParseRSAPublicKeyPEM(data []byte) (*RSAPublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrRSAKey)
	}
	var pub *rsa.PublicKey
	switch block.Type {
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRSAKey, err)
		}
		pub = k
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRSAKey, err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrRSAKey)
		}
		pub = rk
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrRSAKey, block.Type)
	}
	return NewRSAPublicKey(pub)
}

// NewRSAPublicKey checks that pub has a 2048-bit modulus.
func NewRSAPublicKey(pub *rsa.PublicKey) (*RSAPublicKey, error) {
	if pub.N.BitLen() != RSAModulusSize*8 {
		return nil, fmt.Errorf("%w: modulus is %d bits", ErrRSAKey, pub.N.BitLen())
	}
	return &RSAPublicKey{N: new(big.Int).Set(pub.N), E: pub.E}, nil
}

// Fingerprint is the low 64 bits of SHA-1 over the serialized
// rsa_public_key n:bytes e:bytes.
func (k *RSAPublicKey) Fingerprint() int64 {
	var b tl.Buffer
	b.PutBytes(k.N.Bytes())
	b.PutBytes(big.NewInt(int64(k.E)).Bytes())
	sum := sha1.Sum(b.Raw())
	return int64(binary.LittleEndian.Uint64(sum[12:20]))
}

// RSAPad encrypts data (at most 144 bytes) for key:
// pad to 192 bytes, reverse, bind with SHA-256 under a random temp key,
// AES-IGE with a zero IV, mask the temp key and raise to e mod n.
// A new temp key is drawn while the result is not below the modulus.
func RSAPad(data []byte, key *RSAPublicKey, random io.Reader) ([]byte, error) {
	if len(data) > rsaPadDataMax {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrRSAPad, len(data), rsaPadDataMax)
	}
	withPadding := make([]byte, rsaPadded)
	copy(withPadding, data)
	if _, err := io.ReadFull(random, withPadding[len(data):]); err != nil {
		return nil, err
	}
	reversed := make([]byte, rsaPadded)
	for i := range withPadding {
		reversed[i] = withPadding[rsaPadded-1-i]
	}

	mod, err := bigint.FromBytes(key.N.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRSAKey, err)
	}
	exp := bigint.FromUint64(uint64(key.E))

	var zeroIV [32]byte
	tempKey := make([]byte, 32)
	defer ZeroBytes(tempKey)
	for attempt := 0; attempt < 32; attempt++ {
		if _, err := io.ReadFull(random, tempKey); err != nil {
			return nil, err
		}
		h := sha256.New()
		h.Write(tempKey)
		h.Write(withPadding)
		withHash := append(append([]byte(nil), reversed...), h.Sum(nil)...)

		aesEncrypted, err := IGEEncrypt(withHash, tempKey, zeroIV[:])
		if err != nil {
			return nil, err
		}
		mask := sha256.Sum256(aesEncrypted)
		keyAESEncrypted := make([]byte, 0, RSAModulusSize)
		for i := 0; i < 32; i++ {
			keyAESEncrypted = append(keyAESEncrypted, tempKey[i]^mask[i])
		}
		keyAESEncrypted = append(keyAESEncrypted, aesEncrypted...)

		m := bigint.MustFromBytes(keyAESEncrypted)
		if m.Cmp(mod) >= 0 {
			continue
		}
		c, err := bigint.ModPow(m, exp, mod)
		if err != nil {
			return nil, err
		}
		return c.FillBytes(RSAModulusSize)
	}
	err = fmt.Errorf("%w: no temp key below modulus", ErrRSAPad)
	NewLogger("RSAPad").WithError(err, "encrypt").
		WithField("fingerprint", fmt.Sprintf("%016x", uint64(key.Fingerprint()))).
		Warn("RSA padding failed")
	return nil, err
}

// RSAUnpad reverses RSAPad with the private key and returns the 192-byte
// padded payload. It is the responder side of the exchange.
func RSAUnpad(encrypted []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if len(encrypted) != RSAModulusSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRSAPad, len(encrypted))
	}
	c, err := bigint.FromBytes(encrypted)
	if err != nil {
		return nil, err
	}
	mod, err := bigint.FromBytes(priv.N.Bytes())
	if err != nil {
		return nil, err
	}
	d, err := bigint.FromBytes(priv.D.Bytes())
	if err != nil {
		return nil, err
	}
	m, err := bigint.ModPow(c, d, mod)
	if err != nil {
		return nil, err
	}
	keyAESEncrypted, err := m.FillBytes(RSAModulusSize)
	if err != nil {
		return nil, err
	}

	aesEncrypted := keyAESEncrypted[32:]
	mask := sha256.Sum256(aesEncrypted)
	tempKey := make([]byte, 32)
	defer ZeroBytes(tempKey)
	for i := range tempKey {
		tempKey[i] = keyAESEncrypted[i] ^ mask[i]
	}

	var zeroIV [32]byte
	withHash, err := IGEDecrypt(aesEncrypted, tempKey, zeroIV[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRSAPad, err)
	}
	withPadding := make([]byte, rsaPadded)
	for i := 0; i < rsaPadded; i++ {
		withPadding[i] = withHash[rsaPadded-1-i]
	}
	h := sha256.New()
	h.Write(tempKey)
	h.Write(withPadding)
	if !bytesEqualCT(h.Sum(nil), withHash[rsaPadded:]) {
		return nil, fmt.Errorf("%w: hash mismatch", ErrRSAPad)
	}
	return withPadding, nil
}
