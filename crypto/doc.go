// Package crypto implements the cryptographic layer of the rpcwire protocol.
//
// # Message Encryption
//
// Every message after the handshake travels as a frame
//
//	auth_key_id(8) msg_key(16) AES-256-IGE(salt session_id msg_id seqno len body padding)
//
// The AES key and IV are derived from a direction-dependent slice of the auth
// key and msg_key, which is itself a hash of the plaintext. There is no
// separate MAC: recomputing msg_key after decryption and comparing it with the
// frame header is what detects tampering. DecryptMessage reports every
// mismatch as errs.ErrIntegrity.
//
//	frame, err := crypto.EncryptMessage(env, key, crypto.FromClient, rand.Reader)
//	env, err := crypto.DecryptMessage(frame, key, crypto.FromServer)
//
// # Handshake Primitives
//
// The auth key exchange uses RSAPad to encrypt the client's inner data under
// a trusted server key, TempAESKeyIV to open the server's DH parameters,
// PrimeChecker and CheckDHValue to validate them and DHPublic / DHShared for
// the exchange itself. FactorPQ solves the server's proof-of-work.
//
// # Logging
//
// LoggerHelper adds the standard function and package fields. Key material is
// never logged; SecureFieldHash produces an 8-byte preview when one is needed.
package crypto
