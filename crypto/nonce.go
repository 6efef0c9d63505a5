package crypto

import (
	"crypto/sha1"
)

// TempAESKeyIV derives the key and IV that protect server_DH_inner_data and
// client_DH_inner_data during the handshake:
//
//	key = SHA1(new_nonce ‖ server_nonce) ‖ SHA1(server_nonce ‖ new_nonce)[0:12]
//	iv  = SHA1(server_nonce ‖ new_nonce)[12:20] ‖ SHA1(new_nonce ‖ new_nonce) ‖ new_nonce[0:4]
func TempAESKeyIV(newNonce [32]byte, serverNonce [16]byte) (key, iv [32]byte) {
	nsn := sha1.Sum(append(append([]byte(nil), newNonce[:]...), serverNonce[:]...))
	snn := sha1.Sum(append(append([]byte(nil), serverNonce[:]...), newNonce[:]...))
	nnn := sha1.Sum(append(append([]byte(nil), newNonce[:]...), newNonce[:]...))

	copy(key[0:20], nsn[:])
	copy(key[20:32], snn[0:12])

	copy(iv[0:8], snn[12:20])
	copy(iv[8:28], nnn[:])
	copy(iv[28:32], newNonce[0:4])
	return key, iv
}

// FirstSalt is new_nonce[0:8] xor server_nonce[0:8], read little-endian.
func FirstSalt(newNonce [32]byte, serverNonce [16]byte) int64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(newNonce[i]^serverNonce[i])
	}
	return int64(v)
}
