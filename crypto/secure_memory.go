package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding secret material with zeros.
// It returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	for i := range data {
		data[i] = 0
	}
	// Keep the slice alive so the stores above are not treated as dead.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes erases a byte slice, ignoring the nil case.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeAll erases every slice passed to it. Handshake code defers it over the
// nonces and exponents it generated.
func WipeAll(slices ...[]byte) {
	for _, s := range slices {
		ZeroBytes(s)
	}
}

func bytesEqualCT(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
