package testserver

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/opd-ai/rpcwire/tl/mt"
)

func (s *Server) handshakeLocked(frame []byte) error {
	_, body, err := mt.DecodePlaintext(frame)
	if err != nil {
		return err
	}
	id, err := tl.NewBuffer(body).PeekID()
	if err != nil {
		return err
	}
	var answer tl.Object
	switch id {
	case mt.ReqPQMultiID:
		var req mt.ReqPQMulti
		if err := tl.DecodeExact(body, &req); err != nil {
			return err
		}
		answer, err = s.resPQ(&req)
	case mt.ReqDHParamsID:
		var req mt.ReqDHParams
		if err := tl.DecodeExact(body, &req); err != nil {
			return err
		}
		answer, err = s.serverDHParams(&req)
	case mt.SetClientDHParamsID:
		var req mt.SetClientDHParams
		if err := tl.DecodeExact(body, &req); err != nil {
			return err
		}
		answer, err = s.dhGen(&req)
	default:
		return failf("unexpected handshake constructor %#08x", id)
	}
	if err != nil {
		return err
	}
	if s.opts.HandshakeTamper != nil {
		s.opts.HandshakeTamper(answer)
	}
	out, err := tl.Encode(answer)
	if err != nil {
		return err
	}
	s.reply(mt.EncodePlaintext(s.nextIDLocked(true), out))
	return nil
}

func (s *Server) resPQ(req *mt.ReqPQMulti) (tl.Object, error) {
	p, err := rand.Prime(rand.Reader, 31)
	if err != nil {
		return nil, err
	}
	q, err := rand.Prime(rand.Reader, 31)
	if err != nil {
		return nil, err
	}
	ex := &exchange{nonce: req.Nonce}
	copy(ex.serverNonce[:], randomBytes(16))
	s.exchanges[req.Nonce] = ex
	return &mt.ResPQ{
		Nonce:        req.Nonce,
		ServerNonce:  ex.serverNonce,
		PQ:           new(big.Int).Mul(p, q).Bytes(),
		Fingerprints: []int64{s.pub.Fingerprint()},
	}, nil
}

func (s *Server) serverDHParams(req *mt.ReqDHParams) (tl.Object, error) {
	ex, ok := s.exchanges[req.Nonce]
	if !ok || ex.serverNonce != req.ServerNonce {
		return nil, failf("req_DH_params for unknown nonce")
	}
	if req.PublicKeyFingerprint != s.pub.Fingerprint() {
		return nil, failf("unknown fingerprint %d", req.PublicKeyFingerprint)
	}
	padded, err := crypto.RSAUnpad(req.EncryptedData, s.priv)
	if err != nil {
		return nil, err
	}
	var inner mt.PQInnerDataDC
	if err := inner.Decode(tl.NewBuffer(padded)); err != nil {
		return nil, err
	}
	if inner.Nonce != ex.nonce || inner.ServerNonce != ex.serverNonce {
		return nil, failf("inner data nonce mismatch")
	}
	pq := new(big.Int).Mul(new(big.Int).SetBytes(inner.P), new(big.Int).SetBytes(inner.Q))
	if !bytes.Equal(pq.Bytes(), inner.PQ) || !bytes.Equal(inner.P, req.P) || !bytes.Equal(inner.Q, req.Q) {
		return nil, failf("factorization mismatch")
	}
	ex.newNonce = inner.NewNonce
	return s.dhParamsOK(ex)
}

func (s *Server) dhParamsOK(ex *exchange) (tl.Object, error) {
	ex.a = randomBytes(256)
	ga, err := crypto.DHPublic(s.opts.Generator, ex.a, s.prime)
	if err != nil {
		return nil, err
	}
	inner := &mt.ServerDHInnerData{
		Nonce:       ex.nonce,
		ServerNonce: ex.serverNonce,
		G:           int32(s.opts.Generator),
		DHPrime:     s.prime,
		GA:          ga,
		ServerTime:  int32(s.clock.Now().Unix()),
	}
	plain, err := mt.WrapHashed(inner, rand.Reader)
	if err != nil {
		return nil, err
	}
	key, iv := crypto.TempAESKeyIV(ex.newNonce, ex.serverNonce)
	enc, err := crypto.IGEEncrypt(plain, key[:], iv[:])
	if err != nil {
		return nil, err
	}
	return &mt.ServerDHParamsOK{Nonce: ex.nonce, ServerNonce: ex.serverNonce, EncryptedAnswer: enc}, nil
}

func (s *Server) dhGen(req *mt.SetClientDHParams) (tl.Object, error) {
	ex, ok := s.exchanges[req.Nonce]
	if !ok || ex.serverNonce != req.ServerNonce || ex.a == nil {
		return nil, failf("set_client_DH_params for unknown nonce")
	}
	key, iv := crypto.TempAESKeyIV(ex.newNonce, ex.serverNonce)
	plain, err := crypto.IGEDecrypt(req.EncryptedData, key[:], iv[:])
	if err != nil {
		return nil, err
	}
	var inner mt.ClientDHInnerData
	if err := mt.UnwrapHashed(plain, &inner); err != nil {
		return nil, err
	}
	if inner.RetryID != ex.retryID {
		return nil, failf("retry_id %d, want %d", inner.RetryID, ex.retryID)
	}
	if err := crypto.CheckDHValue(inner.GB, s.prime); err != nil {
		return nil, err
	}
	shared, err := crypto.DHShared(inner.GB, ex.a, s.prime)
	if err != nil {
		return nil, err
	}
	authKey, err := crypto.NewAuthKey(shared, 0)
	if err != nil {
		return nil, err
	}

	result := &mt.DHGenResult{Nonce: ex.nonce, ServerNonce: ex.serverNonce}
	if ex.retries < s.opts.DHGenRetries {
		ex.retries++
		aux := authKey.AuxHash()
		ex.retryID = int64(binary.LittleEndian.Uint64(aux[:]))
		result.Kind = mt.DHGenRetryID
		result.NewNonceHash = authKey.NewNonceHash(ex.newNonce, 2)
		return result, nil
	}

	result.Kind = mt.DHGenOKID
	result.NewNonceHash = authKey.NewNonceHash(ex.newNonce, 1)
	s.keys[authKey.IDValue()] = authKey
	s.salts = []int64{crypto.FirstSalt(ex.newNonce, ex.serverNonce)}
	s.handshakes++
	delete(s.exchanges, ex.nonce)
	return result, nil
}
