package crypto

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// AuthKeySize is the length of a negotiated auth key.
const AuthKeySize = 256

// AuthKey is the long-lived secret shared with one server endpoint.
type AuthKey struct {
	Key [AuthKeySize]byte
	// ID is bytes 12..20 of SHA-1(Key), sent in front of every encrypted frame.
	ID [8]byte
	// ExpiresAt is a Unix timestamp, zero for keys that do not expire.
	ExpiresAt int64
}

// NewAuthKey wraps raw key material and computes its id.
func NewAuthKey(raw []byte, expiresAt int64) (*AuthKey, error) {
	if len(raw) != AuthKeySize {
		return nil, fmt.Errorf("auth key must be %d bytes, got %d", AuthKeySize, len(raw))
	}
	k := &AuthKey{ExpiresAt: expiresAt}
	copy(k.Key[:], raw)
	sum := sha1.Sum(k.Key[:])
	copy(k.ID[:], sum[12:20])
	return k, nil
}

// IDValue returns the key id as the little-endian integer carried on the wire.
func (k *AuthKey) IDValue() uint64 {
	return binary.LittleEndian.Uint64(k.ID[:])
}

// AuxHash is the first 64 bits of SHA-1(Key).
func (k *AuthKey) AuxHash() [8]byte {
	sum := sha1.Sum(k.Key[:])
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// NewNonceHash returns the low 128 bits of SHA-1(newNonce ‖ n ‖ AuxHash), the
// confirmation value carried by dh_gen_ok (n=1), dh_gen_retry (n=2) and
// dh_gen_fail (n=3).
func (k *AuthKey) NewNonceHash(newNonce [32]byte, n byte) [16]byte {
	aux := k.AuxHash()
	buf := make([]byte, 0, 32+1+8)
	buf = append(buf, newNonce[:]...)
	buf = append(buf, n)
	buf = append(buf, aux[:]...)
	sum := sha1.Sum(buf)
	var out [16]byte
	copy(out[:], sum[4:20])
	return out
}

// Expired reports whether the key has an expiry at or before now.
func (k *AuthKey) Expired(now int64) bool {
	return k.ExpiresAt != 0 && now >= k.ExpiresAt
}

// Wipe clears the key material.
func (k *AuthKey) Wipe() {
	ZeroBytes(k.Key[:])
	k.ID = [8]byte{}
}
