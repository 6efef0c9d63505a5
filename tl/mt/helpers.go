package mt

import (
	"fmt"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/tl"
)

func unexpected(id uint32, want string) error {
	return fmt.Errorf("unexpected constructor %#08x for %s: %w", id, want, errs.ErrMalformedPayload)
}

func nonces(b *tl.Buffer) (nonce, serverNonce [16]byte, err error) {
	if nonce, err = b.Int128(); err != nil {
		return
	}
	serverNonce, err = b.Int128()
	return
}

func putLongVector(b *tl.Buffer, v []int64) {
	b.PutVectorHeader(len(v))
	for _, x := range v {
		b.PutLong(x)
	}
}

func longVector(b *tl.Buffer) ([]int64, error) {
	n, err := b.VectorHeader(8)
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		if out[i], err = b.Long(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func malformedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, errs.ErrMalformedPayload)...)
}
