package mt

import "github.com/opd-ai/rpcwire/tl"

// ReqPQMulti opens the exchange with a client nonce.
type ReqPQMulti struct {
	Nonce [16]byte
}

func (*ReqPQMulti) TypeID() uint32 { return ReqPQMultiID }

func (m *ReqPQMulti) Encode(b *tl.Buffer) error {
	b.PutID(ReqPQMultiID)
	b.PutInt128(m.Nonce)
	return nil
}

func (m *ReqPQMulti) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ReqPQMultiID); err != nil {
		return err
	}
	m.Nonce, err = b.Int128()
	return err
}

// ResPQ carries the server nonce, the pq proof of work and the fingerprints
// of the RSA keys the server holds.
type ResPQ struct {
	Nonce        [16]byte
	ServerNonce  [16]byte
	PQ           []byte
	Fingerprints []int64
}

func (*ResPQ) TypeID() uint32 { return ResPQID }

func (m *ResPQ) Encode(b *tl.Buffer) error {
	b.PutID(ResPQID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutBytes(m.PQ)
	putLongVector(b, m.Fingerprints)
	return nil
}

func (m *ResPQ) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ResPQID); err != nil {
		return err
	}
	if m.Nonce, err = b.Int128(); err != nil {
		return err
	}
	if m.ServerNonce, err = b.Int128(); err != nil {
		return err
	}
	if m.PQ, err = b.Bytes(); err != nil {
		return err
	}
	m.Fingerprints, err = longVector(b)
	return err
}

// PQInnerDataDC is the payload the client encrypts with RSAPad.
type PQInnerDataDC struct {
	PQ          []byte
	P           []byte
	Q           []byte
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonce    [32]byte
	DC          int32
}

func (*PQInnerDataDC) TypeID() uint32 { return PQInnerDataDCID }

func (m *PQInnerDataDC) Encode(b *tl.Buffer) error {
	b.PutID(PQInnerDataDCID)
	b.PutBytes(m.PQ)
	b.PutBytes(m.P)
	b.PutBytes(m.Q)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutInt256(m.NewNonce)
	b.PutInt32(m.DC)
	return nil
}

func (m *PQInnerDataDC) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(PQInnerDataDCID); err != nil {
		return err
	}
	if m.PQ, err = b.Bytes(); err != nil {
		return err
	}
	if m.P, err = b.Bytes(); err != nil {
		return err
	}
	if m.Q, err = b.Bytes(); err != nil {
		return err
	}
	if m.Nonce, err = b.Int128(); err != nil {
		return err
	}
	if m.ServerNonce, err = b.Int128(); err != nil {
		return err
	}
	if m.NewNonce, err = b.Int256(); err != nil {
		return err
	}
	m.DC, err = b.Int32()
	return err
}

// ReqDHParams sends the RSA-encrypted inner data.
type ReqDHParams struct {
	Nonce                [16]byte
	ServerNonce          [16]byte
	P                    []byte
	Q                    []byte
	PublicKeyFingerprint int64
	EncryptedData        []byte
}

func (*ReqDHParams) TypeID() uint32 { return ReqDHParamsID }

func (m *ReqDHParams) Encode(b *tl.Buffer) error {
	b.PutID(ReqDHParamsID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutBytes(m.P)
	b.PutBytes(m.Q)
	b.PutLong(m.PublicKeyFingerprint)
	b.PutBytes(m.EncryptedData)
	return nil
}

func (m *ReqDHParams) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ReqDHParamsID); err != nil {
		return err
	}
	if m.Nonce, err = b.Int128(); err != nil {
		return err
	}
	if m.ServerNonce, err = b.Int128(); err != nil {
		return err
	}
	if m.P, err = b.Bytes(); err != nil {
		return err
	}
	if m.Q, err = b.Bytes(); err != nil {
		return err
	}
	if m.PublicKeyFingerprint, err = b.Long(); err != nil {
		return err
	}
	m.EncryptedData, err = b.Bytes()
	return err
}

// ServerDHParamsOK carries server_DH_inner_data encrypted with the temp key.
type ServerDHParamsOK struct {
	Nonce           [16]byte
	ServerNonce     [16]byte
	EncryptedAnswer []byte
}

func (*ServerDHParamsOK) TypeID() uint32 { return ServerDHParamsOKID }

func (m *ServerDHParamsOK) Encode(b *tl.Buffer) error {
	b.PutID(ServerDHParamsOKID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutBytes(m.EncryptedAnswer)
	return nil
}

func (m *ServerDHParamsOK) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ServerDHParamsOKID); err != nil {
		return err
	}
	if m.Nonce, m.ServerNonce, err = nonces(b); err != nil {
		return err
	}
	m.EncryptedAnswer, err = b.Bytes()
	return err
}

// ServerDHParamsFail is the server's refusal of req_DH_params.
type ServerDHParamsFail struct {
	Nonce        [16]byte
	ServerNonce  [16]byte
	NewNonceHash [16]byte
}

func (*ServerDHParamsFail) TypeID() uint32 { return ServerDHParamsFailID }

func (m *ServerDHParamsFail) Encode(b *tl.Buffer) error {
	b.PutID(ServerDHParamsFailID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutInt128(m.NewNonceHash)
	return nil
}

func (m *ServerDHParamsFail) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ServerDHParamsFailID); err != nil {
		return err
	}
	if m.Nonce, m.ServerNonce, err = nonces(b); err != nil {
		return err
	}
	m.NewNonceHash, err = b.Int128()
	return err
}

// ServerDHInnerData holds the DH group and the server's public value.
type ServerDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	G           int32
	DHPrime     []byte
	GA          []byte
	ServerTime  int32
}

func (*ServerDHInnerData) TypeID() uint32 { return ServerDHInnerDataID }

func (m *ServerDHInnerData) Encode(b *tl.Buffer) error {
	b.PutID(ServerDHInnerDataID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutInt32(m.G)
	b.PutBytes(m.DHPrime)
	b.PutBytes(m.GA)
	b.PutInt32(m.ServerTime)
	return nil
}

func (m *ServerDHInnerData) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ServerDHInnerDataID); err != nil {
		return err
	}
	if m.Nonce, m.ServerNonce, err = nonces(b); err != nil {
		return err
	}
	if m.G, err = b.Int32(); err != nil {
		return err
	}
	if m.DHPrime, err = b.Bytes(); err != nil {
		return err
	}
	if m.GA, err = b.Bytes(); err != nil {
		return err
	}
	m.ServerTime, err = b.Int32()
	return err
}

// ClientDHInnerData holds the client's public value.
type ClientDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	RetryID     int64
	GB          []byte
}

func (*ClientDHInnerData) TypeID() uint32 { return ClientDHInnerDataID }

func (m *ClientDHInnerData) Encode(b *tl.Buffer) error {
	b.PutID(ClientDHInnerDataID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutLong(m.RetryID)
	b.PutBytes(m.GB)
	return nil
}

func (m *ClientDHInnerData) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(ClientDHInnerDataID); err != nil {
		return err
	}
	if m.Nonce, m.ServerNonce, err = nonces(b); err != nil {
		return err
	}
	if m.RetryID, err = b.Long(); err != nil {
		return err
	}
	m.GB, err = b.Bytes()
	return err
}

// SetClientDHParams sends client_DH_inner_data encrypted with the temp key.
type SetClientDHParams struct {
	Nonce         [16]byte
	ServerNonce   [16]byte
	EncryptedData []byte
}

func (*SetClientDHParams) TypeID() uint32 { return SetClientDHParamsID }

func (m *SetClientDHParams) Encode(b *tl.Buffer) error {
	b.PutID(SetClientDHParamsID)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutBytes(m.EncryptedData)
	return nil
}

func (m *SetClientDHParams) Decode(b *tl.Buffer) (err error) {
	if err = b.ConsumeID(SetClientDHParamsID); err != nil {
		return err
	}
	if m.Nonce, m.ServerNonce, err = nonces(b); err != nil {
		return err
	}
	m.EncryptedData, err = b.Bytes()
	return err
}

// DHGenResult is one of dh_gen_ok, dh_gen_retry or dh_gen_fail. Kind holds
// the constructor id and selects which new_nonce_hash (1, 2 or 3) the
// message carries.
type DHGenResult struct {
	Kind         uint32
	Nonce        [16]byte
	ServerNonce  [16]byte
	NewNonceHash [16]byte
}

func (m *DHGenResult) TypeID() uint32 { return m.Kind }

// HashNumber returns the n used for new_nonce_hash{n}.
func (m *DHGenResult) HashNumber() byte {
	switch m.Kind {
	case DHGenOKID:
		return 1
	case DHGenRetryID:
		return 2
	default:
		return 3
	}
}

func (m *DHGenResult) Encode(b *tl.Buffer) error {
	b.PutID(m.Kind)
	b.PutInt128(m.Nonce)
	b.PutInt128(m.ServerNonce)
	b.PutInt128(m.NewNonceHash)
	return nil
}

func (m *DHGenResult) Decode(b *tl.Buffer) (err error) {
	id, err := b.ID()
	if err != nil {
		return err
	}
	switch id {
	case DHGenOKID, DHGenRetryID, DHGenFailID:
		m.Kind = id
	default:
		return unexpected(id, "Set_client_DH_params_answer")
	}
	if m.Nonce, m.ServerNonce, err = nonces(b); err != nil {
		return err
	}
	m.NewNonceHash, err = b.Int128()
	return err
}

// DecodeServerDHParams decodes either answer to req_DH_params.
func DecodeServerDHParams(data []byte) (tl.Object, error) {
	b := tl.NewBuffer(data)
	id, err := b.PeekID()
	if err != nil {
		return nil, err
	}
	var obj tl.Object
	switch id {
	case ServerDHParamsOKID:
		obj = &ServerDHParamsOK{}
	case ServerDHParamsFailID:
		obj = &ServerDHParamsFail{}
	default:
		return nil, unexpected(id, "Server_DH_Params")
	}
	if err := obj.Decode(b); err != nil {
		return nil, err
	}
	return obj, b.ExpectEnd()
}
