// Package errs defines the error taxonomy shared by every layer of the engine.
//
// Callers classify failures with errors.Is against the sentinels below, and
// with errors.As for the typed RPCError and TransportError values. Lower
// layers wrap the sentinels with context using fmt.Errorf("...: %w", ...).
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload reports a schema decode failure. It is fatal to the
	// single message, never to the session.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrIntegrity reports a frame whose derived message key, auth key id,
	// length or padding did not verify. The whole frame is discarded.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrHandshakeFailed reports a nonce, fingerprint or DH validation failure
	// during auth key exchange.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrUnknownAuthKey reports that the server does not know our auth key id.
	// The persisted key must be discarded and a new handshake performed.
	ErrUnknownAuthKey = errors.New("unknown auth key")

	// ErrTimeout reports that no reply arrived within the allowed time.
	ErrTimeout = errors.New("timeout")

	// ErrTransportDown reports that the physical channel is unavailable.
	ErrTransportDown = errors.New("transport down")

	// ErrRetriesExhausted reports that an internal retry budget ran out.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCancelled reports that the caller cancelled a pending request.
	ErrCancelled = errors.New("request cancelled")

	// ErrClosed reports use of an engine component after Close.
	ErrClosed = errors.New("closed")
)

// RPCError is an application-level error returned by the server for a
// single request (rpc_error constructor).
type RPCError struct {
	Code    int32
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TransportError is a 4-byte negative status sent by the server in place of
// an encrypted frame.
type TransportError struct {
	Code int32
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error %d", e.Code)
}

// Unwrap maps well-known transport codes onto the taxonomy: -404 means the
// auth key id is unknown to the server, everything else is a transport fault.
func (e *TransportError) Unwrap() error {
	if e.Code == -404 {
		return ErrUnknownAuthKey
	}
	return ErrTransportDown
}
