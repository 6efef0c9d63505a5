package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// countingReader yields a fixed, reproducible byte stream.
type countingReader struct{ n byte }

func (r *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.n
		r.n = r.n*31 + 7
	}
	return len(p), nil
}

func testAuthKey(t *testing.T) *AuthKey {
	t.Helper()
	raw := make([]byte, AuthKeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	key, err := NewAuthKey(raw, 0)
	require.NoError(t, err)
	return key
}
