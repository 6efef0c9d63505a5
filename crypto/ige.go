package crypto

import (
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/opd-ai/rpcwire/errs"
)

// ErrIGEInput reports a key, IV or payload of the wrong size for IGE mode.
var ErrIGEInput = errors.New("aes-ige: bad input size")

// IGEEncrypt encrypts src with AES-256 in infinite garble extension mode.
// key is 32 bytes, iv is 32 bytes (the initial previous-ciphertext block
// followed by the initial previous-plaintext block) and src a multiple of 16.
func IGEEncrypt(src, key, iv []byte) ([]byte, error) {
	return ige(src, key, iv, true)
}

// IGEDecrypt reverses IGEEncrypt.
func IGEDecrypt(src, key, iv []byte) ([]byte, error) {
	return ige(src, key, iv, false)
}

func ige(src, key, iv []byte, encrypt bool) ([]byte, error) {
	if len(key) != 32 || len(iv) != 32 {
		return nil, fmt.Errorf("%w: key %d iv %d", ErrIGEInput, len(key), len(iv))
	}
	if len(src)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrIGEInput, len(src), errs.ErrIntegrity)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	const bs = aes.BlockSize
	out := make([]byte, len(src))
	// xorIn is the previous output block, xorOut the previous input block.
	var xorIn, xorOut [bs]byte
	if encrypt {
		copy(xorIn[:], iv[:bs])
		copy(xorOut[:], iv[bs:])
	} else {
		copy(xorOut[:], iv[:bs])
		copy(xorIn[:], iv[bs:])
	}

	var tmp [bs]byte
	for off := 0; off < len(src); off += bs {
		in := src[off : off+bs]
		for i := 0; i < bs; i++ {
			tmp[i] = in[i] ^ xorIn[i]
		}
		if encrypt {
			block.Encrypt(tmp[:], tmp[:])
		} else {
			block.Decrypt(tmp[:], tmp[:])
		}
		for i := 0; i < bs; i++ {
			out[off+i] = tmp[i] ^ xorOut[i]
		}
		copy(xorOut[:], in)
		copy(xorIn[:], out[off:off+bs])
	}
	return out, nil
}
