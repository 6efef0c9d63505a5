package handshake

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/metrics"
	"github.com/opd-ai/rpcwire/session"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/opd-ai/rpcwire/tl/mt"
	"github.com/opd-ai/rpcwire/transport"
)

// State is a step of the exchange.
type State int

const (
	Init State = iota
	ServerHelloReceived
	DHParamsRequested
	DHParamsReceived
	ClientKeyComputed
	AuthKeyConfirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case ServerHelloReceived:
		return "server_hello_received"
	case DHParamsRequested:
		return "dh_params_requested"
	case DHParamsReceived:
		return "dh_params_received"
	case ClientKeyComputed:
		return "client_key_computed"
	case AuthKeyConfirmed:
		return "auth_key_confirmed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNoTrustedKey reports that the server offered no RSA key the client
// trusts. Retrying cannot help, so Run gives up at once.
var ErrNoTrustedKey = fmt.Errorf("no trusted key: %w", errs.ErrHandshakeFailed)

// Options configure an exchange.
type Options struct {
	// Keys are the trusted server RSA keys.
	Keys []*crypto.RSAPublicKey
	DC   int32

	StepTimeout time.Duration
	Attempts    int
	// DHRetries bounds how many dh_gen_retry answers are followed.
	DHRetries int

	Random  io.Reader
	Clock   crypto.TimeProvider
	IDs     *session.IDGenerator
	Primes  *crypto.PrimeChecker
	Metrics *metrics.Metrics
}

func (o *Options) fixup() {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.DHRetries < 0 {
		o.DHRetries = 0
	}
	if o.Random == nil {
		o.Random = rand.Reader
	}
	o.Clock = crypto.OrDefault(o.Clock)
	if o.IDs == nil {
		o.IDs = session.NewIDGenerator(o.Clock, 0)
	}
	if o.Primes == nil {
		o.Primes = crypto.NewPrimeChecker()
	}
}

// Result is the outcome of a completed exchange.
type Result struct {
	Key  *crypto.AuthKey
	Salt int64
	// TimeOffset is server time minus local time, in seconds.
	TimeOffset int64
}

type delivery struct {
	frame []byte
	err   error
}

// Exchanger runs exchanges over one transport. Frames with a zero auth key
// id must be passed to Deliver.
type Exchanger struct {
	tr     transport.Transport
	opts   Options
	inbox  chan delivery
	logger *logrus.Entry

	mu    sync.Mutex
	state State
}

// NewExchanger prepares an exchange over tr.
func NewExchanger(tr transport.Transport, opts Options) *Exchanger {
	opts.fixup()
	return &Exchanger{
		tr:     tr,
		opts:   opts,
		inbox:  make(chan delivery, 8),
		logger: logrus.NewEntry(logrus.StandardLogger()),
	}
}

// Exchange installs a handler on tr and runs one exchange to completion.
func Exchange(ctx context.Context, tr transport.Transport, opts Options) (*Result, error) {
	e := NewExchanger(tr, opts)
	tr.OnFrame(e.Deliver)
	return e.Run(ctx)
}

// Deliver is a transport.FrameHandler. Frames arriving while nobody waits
// are dropped once the small inbox is full.
func (e *Exchanger) Deliver(frame []byte, err error) {
	select {
	case e.inbox <- delivery{frame: frame, err: err}:
	default:
		e.log("Deliver").Debug("Dropping handshake frame, inbox full")
	}
}

// State returns the current step.
func (e *Exchanger) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Exchanger) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	e.log("setState").WithFields(logrus.Fields{"from": prev.String(), "to": s.String()}).Debug("Handshake state")
}

// Run performs the exchange, restarting failed attempts from Init.
func (e *Exchanger) Run(ctx context.Context) (*Result, error) {
	var last error
	attempts := 0
	for attempts < e.opts.Attempts {
		attempts++
		e.drain()
		res, err := e.attempt(ctx)
		if err == nil {
			e.opts.Metrics.Handshake("ok")
			e.log("Run").WithFields(logrus.Fields{
				"auth_key_id": fmt.Sprintf("%016x", res.Key.IDValue()),
				"attempt":     attempts,
				"time_offset": res.TimeOffset,
			}).Info("Auth key established")
			return res, nil
		}
		e.setState(Failed)
		last = err
		e.log("Run").WithError(err).WithField("attempt", attempts).Warn("Handshake attempt failed")
		if ctx.Err() != nil {
			e.opts.Metrics.Handshake("cancelled")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("handshake: %w", errs.ErrTimeout)
			}
			return nil, errs.ErrCancelled
		}
		if errors.Is(err, ErrNoTrustedKey) {
			break
		}
	}
	e.opts.Metrics.Handshake("failed")
	if errors.Is(last, errs.ErrHandshakeFailed) {
		return nil, fmt.Errorf("after %d attempts: %w", attempts, last)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", errs.ErrHandshakeFailed, attempts, last)
}

func (e *Exchanger) drain() {
	for {
		select {
		case <-e.inbox:
		default:
			return
		}
	}
}

func failf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errs.ErrHandshakeFailed)
}

// roundTrip sends obj in a plaintext envelope and waits one step for the
// answer body.
func (e *Exchanger) roundTrip(ctx context.Context, step string, obj tl.Object) ([]byte, error) {
	body, err := tl.Encode(obj)
	if err != nil {
		return nil, err
	}
	stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
	defer cancel()
	if err := e.tr.Send(stepCtx, mt.EncodePlaintext(e.opts.IDs.Next(), body)); err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	for {
		select {
		case d := <-e.inbox:
			if d.err != nil {
				return nil, fmt.Errorf("%s: %w", step, d.err)
			}
			_, answer, err := mt.DecodePlaintext(d.frame)
			if err != nil {
				e.log("roundTrip").WithError(err).Debug("Ignoring frame outside the plaintext envelope")
				continue
			}
			return answer, nil
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s: no answer within %v: %w", step, e.opts.StepTimeout, errs.ErrTimeout)
		}
	}
}

func (e *Exchanger) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(e.opts.Random, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Exchanger) trustedKey(fingerprints []int64) *crypto.RSAPublicKey {
	for _, fp := range fingerprints {
		for _, k := range e.opts.Keys {
			if k.Fingerprint() == fp {
				return k
			}
		}
	}
	return nil
}

// attempt runs the exchange once from Init.
func (e *Exchanger) attempt(ctx context.Context) (*Result, error) {
	e.setState(Init)

	var nonce [16]byte
	if _, err := io.ReadFull(e.opts.Random, nonce[:]); err != nil {
		return nil, err
	}
	answer, err := e.roundTrip(ctx, "req_pq_multi", &mt.ReqPQMulti{Nonce: nonce})
	if err != nil {
		return nil, err
	}
	var resPQ mt.ResPQ
	if err := tl.DecodeExact(answer, &resPQ); err != nil {
		return nil, err
	}
	if resPQ.Nonce != nonce {
		return nil, failf("resPQ nonce mismatch")
	}
	serverNonce := resPQ.ServerNonce
	e.setState(ServerHelloReceived)

	key := e.trustedKey(resPQ.Fingerprints)
	if key == nil {
		return nil, ErrNoTrustedKey
	}
	if len(resPQ.PQ) == 0 || len(resPQ.PQ) > 8 {
		return nil, failf("pq of %d bytes", len(resPQ.PQ))
	}
	p, q, err := crypto.FactorPQ(new(big.Int).SetBytes(resPQ.PQ).Uint64())
	if err != nil {
		return nil, failf("factor pq: %v", err)
	}

	var newNonce [32]byte
	if _, err := io.ReadFull(e.opts.Random, newNonce[:]); err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(newNonce[:])

	inner, err := tl.Encode(&mt.PQInnerDataDC{
		PQ:          resPQ.PQ,
		P:           big.NewInt(int64(p)).Bytes(),
		Q:           big.NewInt(int64(q)).Bytes(),
		Nonce:       nonce,
		ServerNonce: serverNonce,
		NewNonce:    newNonce,
		DC:          e.opts.DC,
	})
	if err != nil {
		return nil, err
	}
	encrypted, err := crypto.RSAPad(inner, key, e.opts.Random)
	crypto.ZeroBytes(inner)
	if err != nil {
		return nil, err
	}

	e.setState(DHParamsRequested)
	answer, err = e.roundTrip(ctx, "req_DH_params", &mt.ReqDHParams{
		Nonce:                nonce,
		ServerNonce:          serverNonce,
		P:                    big.NewInt(int64(p)).Bytes(),
		Q:                    big.NewInt(int64(q)).Bytes(),
		PublicKeyFingerprint: key.Fingerprint(),
		EncryptedData:        encrypted,
	})
	if err != nil {
		return nil, err
	}
	obj, err := mt.DecodeServerDHParams(answer)
	if err != nil {
		return nil, err
	}
	var ok *mt.ServerDHParamsOK
	switch v := obj.(type) {
	case *mt.ServerDHParamsFail:
		return nil, failf("server_DH_params_fail")
	case *mt.ServerDHParamsOK:
		ok = v
	default:
		return nil, failf("unexpected answer to req_DH_params")
	}
	if ok.Nonce != nonce || ok.ServerNonce != serverNonce {
		return nil, failf("server_DH_params nonce mismatch")
	}

	tmpKey, tmpIV := crypto.TempAESKeyIV(newNonce, serverNonce)
	defer crypto.ZeroBytes(tmpKey[:])
	defer crypto.ZeroBytes(tmpIV[:])
	plain, err := crypto.IGEDecrypt(ok.EncryptedAnswer, tmpKey[:], tmpIV[:])
	if err != nil {
		return nil, failf("decrypt server_DH_inner_data: %v", err)
	}
	var dh mt.ServerDHInnerData
	if err := mt.UnwrapHashed(plain, &dh); err != nil {
		return nil, err
	}
	if dh.Nonce != nonce || dh.ServerNonce != serverNonce {
		return nil, failf("server_DH_inner_data nonce mismatch")
	}
	if err := e.opts.Primes.CheckParams(int(dh.G), dh.DHPrime); err != nil {
		return nil, failf("%v", err)
	}
	if err := crypto.CheckDHValue(dh.GA, dh.DHPrime); err != nil {
		return nil, failf("g_a: %v", err)
	}
	offset := int64(dh.ServerTime) - e.opts.Clock.Now().Unix()
	e.setState(DHParamsReceived)

	var retryID int64
	for round := 0; ; round++ {
		authKey, gen, err := e.clientDH(ctx, nonce, serverNonce, newNonce, tmpKey, tmpIV, &dh, retryID)
		if err != nil {
			return nil, err
		}
		switch gen.Kind {
		case mt.DHGenOKID:
			e.setState(AuthKeyConfirmed)
			return &Result{
				Key:        authKey,
				Salt:       crypto.FirstSalt(newNonce, serverNonce),
				TimeOffset: offset,
			}, nil
		case mt.DHGenRetryID:
			aux := authKey.AuxHash()
			authKey.Wipe()
			if round >= e.opts.DHRetries {
				return nil, failf("dh_gen_retry after %d retries", round)
			}
			retryID = int64(binary.LittleEndian.Uint64(aux[:]))
			e.log("attempt").WithField("round", round+1).Debug("Server asked for a new DH value")
		default:
			authKey.Wipe()
			return nil, failf("dh_gen_fail")
		}
	}
}

// clientDH generates b, sends set_client_DH_params and checks the hash in
// the answer against the resulting auth key.
func (e *Exchanger) clientDH(ctx context.Context, nonce, serverNonce [16]byte, newNonce [32]byte,
	tmpKey, tmpIV [32]byte, dh *mt.ServerDHInnerData, retryID int64) (*crypto.AuthKey, *mt.DHGenResult, error) {
	secret, err := e.random(crypto.DHPrimeBits / 8)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.ZeroBytes(secret)

	gb, err := crypto.DHPublic(int(dh.G), secret, dh.DHPrime)
	if err != nil {
		return nil, nil, err
	}
	if err := crypto.CheckDHValue(gb, dh.DHPrime); err != nil {
		return nil, nil, failf("g_b: %v", err)
	}
	raw, err := crypto.DHShared(dh.GA, secret, dh.DHPrime)
	if err != nil {
		return nil, nil, err
	}
	authKey, err := crypto.NewAuthKey(raw, 0)
	crypto.ZeroBytes(raw)
	if err != nil {
		return nil, nil, err
	}

	plain, err := mt.WrapHashed(&mt.ClientDHInnerData{
		Nonce:       nonce,
		ServerNonce: serverNonce,
		RetryID:     retryID,
		GB:          gb,
	}, e.opts.Random)
	if err != nil {
		authKey.Wipe()
		return nil, nil, err
	}
	encrypted, err := crypto.IGEEncrypt(plain, tmpKey[:], tmpIV[:])
	if err != nil {
		authKey.Wipe()
		return nil, nil, err
	}
	e.setState(ClientKeyComputed)

	answer, err := e.roundTrip(ctx, "set_client_DH_params", &mt.SetClientDHParams{
		Nonce:         nonce,
		ServerNonce:   serverNonce,
		EncryptedData: encrypted,
	})
	if err != nil {
		authKey.Wipe()
		return nil, nil, err
	}
	var gen mt.DHGenResult
	if err := tl.DecodeExact(answer, &gen); err != nil {
		authKey.Wipe()
		return nil, nil, err
	}
	if gen.Nonce != nonce || gen.ServerNonce != serverNonce {
		authKey.Wipe()
		return nil, nil, failf("dh_gen nonce mismatch")
	}
	if want := authKey.NewNonceHash(newNonce, gen.HashNumber()); want != gen.NewNonceHash {
		authKey.Wipe()
		return nil, nil, failf("new_nonce_hash%d mismatch", gen.HashNumber())
	}
	return authKey, &gen, nil
}

func (e *Exchanger) log(function string) *logrus.Entry {
	return e.logger.WithField("function", function)
}
