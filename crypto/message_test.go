package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Salt:      0x1122334455667788,
		SessionID: -42,
		MsgID:     0x5f00000000000004,
		SeqNo:     3,
		Body:      []byte{0xec, 0x77, 0xbe, 0x7a, 1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testAuthKey(t)
	env := sampleEnvelope()

	for _, side := range []Side{FromClient, FromServer} {
		frame, err := EncryptMessage(env, key, side, rand.Reader)
		require.NoError(t, err)
		assert.Equal(t, key.ID[:], frame[:8])
		assert.Zero(t, (len(frame)-limits.FrameHeader)%limits.BlockSize)

		got, err := DecryptMessage(frame, key, side)
		require.NoError(t, err)
		assert.Equal(t, env, got)
	}
}

func TestDecryptWrongDirection(t *testing.T) {
	key := testAuthKey(t)
	frame, err := EncryptMessage(sampleEnvelope(), key, FromClient, rand.Reader)
	require.NoError(t, err)

	_, err = DecryptMessage(frame, key, FromServer)
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}

func TestDecryptSingleBitFlip(t *testing.T) {
	key := testAuthKey(t)
	frame, err := EncryptMessage(sampleEnvelope(), key, FromServer, rand.Reader)
	require.NoError(t, err)

	for i := 0; i < len(frame)*8; i++ {
		corrupted := append([]byte(nil), frame...)
		corrupted[i/8] ^= 1 << (i % 8)
		_, err := DecryptMessage(corrupted, key, FromServer)
		require.ErrorIs(t, err, errs.ErrIntegrity, "bit %d", i)
	}
}

func TestDecryptRejectsMalformedFrames(t *testing.T) {
	key := testAuthKey(t)
	frame, err := EncryptMessage(sampleEnvelope(), key, FromClient, rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"header only", frame[:limits.FrameHeader]},
		{"unaligned", frame[:len(frame)-1]},
		{"truncated block", frame[:len(frame)-16]},
		{"other key", append(make([]byte, 8), frame[8:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptMessage(tt.frame, key, FromClient)
			assert.ErrorIs(t, err, errs.ErrIntegrity)
		})
	}
}

func TestEncryptDeterministicUnderFixedRandomness(t *testing.T) {
	key := testAuthKey(t)
	a, err := EncryptMessage(sampleEnvelope(), key, FromClient, &countingReader{n: 9})
	require.NoError(t, err)
	b, err := EncryptMessage(sampleEnvelope(), key, FromClient, &countingReader{n: 9})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncryptRejectsBadBodies(t *testing.T) {
	key := testAuthKey(t)
	env := sampleEnvelope()

	env.Body = []byte{1, 2, 3}
	_, err := EncryptMessage(env, key, FromClient, rand.Reader)
	assert.ErrorIs(t, err, errs.ErrMalformedPayload)

	env.Body = nil
	_, err = EncryptMessage(env, key, FromClient, rand.Reader)
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)
}

func TestMessageKeyDependsOnSide(t *testing.T) {
	key := testAuthKey(t)
	plain := make([]byte, 64)
	assert.NotEqual(t, MessageKey(key, plain, FromClient), MessageKey(key, plain, FromServer))

	k1, iv1 := DeriveKeyIV(key, [16]byte{1}, FromClient)
	k2, iv2 := DeriveKeyIV(key, [16]byte{1}, FromServer)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, iv1, iv2)
}
