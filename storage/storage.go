// Package storage persists per-endpoint engine state: the auth key, the known
// server salts and the message id high-water mark.
package storage

import (
	"errors"
)

// ErrNotFound is returned when no record exists for an endpoint.
var ErrNotFound = errors.New("storage: not found")

// AuthKeyRecord is a persisted auth key.
type AuthKeyRecord struct {
	Key        []byte `cbor:"key"`
	ID         uint64 `cbor:"id"`
	ExpiresAt  int64  `cbor:"expires_at,omitempty"`
	CreatedAt  int64  `cbor:"created_at"`
	TimeOffset int64  `cbor:"time_offset"`
}

// SaltRecord is one server salt and its validity window in unix seconds.
type SaltRecord struct {
	ValidSince int64 `cbor:"valid_since"`
	ValidUntil int64 `cbor:"valid_until"`
	Salt       int64 `cbor:"salt"`
}

// Store holds state keyed by endpoint. Implementations are safe for
// concurrent use.
type Store interface {
	// LoadAuthKey returns ErrNotFound when no key is stored.
	LoadAuthKey(endpoint string) (*AuthKeyRecord, error)
	SaveAuthKey(endpoint string, rec *AuthKeyRecord) error
	DeleteAuthKey(endpoint string) error

	// LoadSalts returns an empty slice when none are stored.
	LoadSalts(endpoint string) ([]SaltRecord, error)
	SaveSalts(endpoint string, salts []SaltRecord) error

	// LoadHighWater returns 0 when no message id was recorded.
	LoadHighWater(endpoint string) (int64, error)
	SaveHighWater(endpoint string, msgID int64) error

	// Forget removes everything stored for endpoint.
	Forget(endpoint string) error

	Close() error
}
