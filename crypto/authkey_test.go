package crypto

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthKeyIDAndHashes(t *testing.T) {
	key := testAuthKey(t)
	sum := sha1.Sum(key.Key[:])
	assert.Equal(t, sum[12:20], key.ID[:])
	aux := key.AuxHash()
	assert.Equal(t, sum[:8], aux[:])

	var nonce [32]byte
	nonce[0] = 7
	h1 := key.NewNonceHash(nonce, 1)
	h2 := key.NewNonceHash(nonce, 2)
	assert.NotEqual(t, h1, h2)

	buf := append(append(append([]byte{}, nonce[:]...), 1), sum[:8]...)
	want := sha1.Sum(buf)
	assert.Equal(t, want[4:20], h1[:])
}

func TestNewAuthKeySize(t *testing.T) {
	_, err := NewAuthKey(make([]byte, 255), 0)
	assert.Error(t, err)
}

func TestAuthKeyExpired(t *testing.T) {
	k, err := NewAuthKey(make([]byte, AuthKeySize), 100)
	require.NoError(t, err)
	assert.False(t, k.Expired(99))
	assert.True(t, k.Expired(100))

	k.ExpiresAt = 0
	assert.False(t, k.Expired(1<<40))
}

func TestTempAESKeyIV(t *testing.T) {
	var newNonce [32]byte
	var serverNonce [16]byte
	for i := range newNonce {
		newNonce[i] = byte(i)
	}
	for i := range serverNonce {
		serverNonce[i] = byte(0xf0 + i)
	}
	key, iv := TempAESKeyIV(newNonce, serverNonce)

	nsn := sha1.Sum(append(newNonce[:], serverNonce[:]...))
	snn := sha1.Sum(append(serverNonce[:], newNonce[:]...))
	nnn := sha1.Sum(append(newNonce[:], newNonce[:]...))

	assert.Equal(t, nsn[:], key[:20])
	assert.Equal(t, snn[:12], key[20:])
	assert.Equal(t, snn[12:20], iv[:8])
	assert.Equal(t, nnn[:], iv[8:28])
	assert.Equal(t, newNonce[:4], iv[28:])
}

func TestFirstSalt(t *testing.T) {
	var newNonce [32]byte
	var serverNonce [16]byte
	newNonce[0] = 0x0f
	serverNonce[0] = 0xf0
	newNonce[7] = 0x01
	assert.Equal(t, int64(0x01000000000000ff), FirstSalt(newNonce, serverNonce))
}
