// Package testserver is an in-process responder for the auth key exchange
// and the encrypted session, used by tests across the module.
package testserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/tl"
	"github.com/opd-ai/rpcwire/tl/mt"
	"github.com/opd-ai/rpcwire/transport"
)

// Handler answers one RPC body. A non-nil *mt.RPCError is sent as rpc_error.
type Handler func(body []byte) ([]byte, *mt.RPCError)

// Options configure a Server.
type Options struct {
	Handler Handler
	// Generator is the DH generator; 2 by default.
	Generator int
	// DHGenRetries answers dh_gen_retry this many times before dh_gen_ok.
	DHGenRetries int
	// HandshakeTamper may modify each handshake answer before it is sent.
	HandshakeTamper func(obj tl.Object)
	// AnnounceSessions sends new_session_created for unknown session ids.
	AnnounceSessions bool
	Clock            crypto.TimeProvider
}

// Received records one client message the server decrypted.
type Received struct {
	SessionID   int64
	MsgID       int64
	SeqNo       int32
	Body        []byte
	ContainerID int64
}

type peer struct {
	key      *crypto.AuthKey
	seq      int32
	seen     map[int64]bool
	answered map[int64][]byte
}

type exchange struct {
	nonce       [16]byte
	serverNonce [16]byte
	newNonce    [32]byte
	a           []byte
	retries     int
	retryID     int64
}

// Server answers frames arriving on tr.
type Server struct {
	tr     transport.Transport
	priv   *rsa.PrivateKey
	pub    *crypto.RSAPublicKey
	opts   Options
	clock  crypto.TimeProvider
	prime  []byte
	logger *logrus.Entry

	mu         sync.Mutex
	exchanges  map[[16]byte]*exchange
	keys       map[uint64]*crypto.AuthKey
	salts      []int64
	sessions   map[int64]*peer
	received   []Received
	lastID     int64
	silent     bool
	stateInfo  func(ids []int64) []byte
	handshakes int
}

// New starts answering frames on tr.
func New(tr transport.Transport, priv *rsa.PrivateKey, opts Options) (*Server, error) {
	pub, err := crypto.NewRSAPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	if opts.Generator == 0 {
		opts.Generator = 2
	}
	if opts.Handler == nil {
		opts.Handler = Echo
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, err
	}
	s := &Server{
		tr:        tr,
		priv:      priv,
		pub:       pub,
		opts:      opts,
		clock:     crypto.OrDefault(opts.Clock),
		prime:     crypto.KnownSafePrime(),
		logger:    logrus.WithField("package", "testserver"),
		exchanges: make(map[[16]byte]*exchange),
		keys:      make(map[uint64]*crypto.AuthKey),
		salts:     []int64{int64(binary.LittleEndian.Uint64(raw[:]))},
		sessions:  make(map[int64]*peer),
	}
	tr.OnFrame(s.HandleFrame)
	return s, nil
}

// Echo answers every request with its own body.
func Echo(body []byte) ([]byte, *mt.RPCError) {
	return append([]byte(nil), body...), nil
}

// PublicKey returns the key clients must trust.
func (s *Server) PublicKey() *crypto.RSAPublicKey { return s.pub }

// AddKey registers an auth key created outside a handshake.
func (s *Server) AddKey(k *crypto.AuthKey) {
	s.mu.Lock()
	s.keys[k.IDValue()] = k
	s.mu.Unlock()
}

// Key returns the auth key with id, if the server holds it.
func (s *Server) Key(id uint64) *crypto.AuthKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[id]
}

// ForgetKeys drops every auth key; later frames are answered with -404.
func (s *Server) ForgetKeys() {
	s.mu.Lock()
	s.keys = make(map[uint64]*crypto.AuthKey)
	s.mu.Unlock()
}

// Salt returns the current server salt.
func (s *Server) Salt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.salts[0]
}

// Handshakes counts completed key exchanges.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Received returns the client messages seen so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// SetSilent stops answering RPCs while still recording them.
func (s *Server) SetSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

// SetStateInfo overrides the answers to msgs_state_req.
func (s *Server) SetStateInfo(f func(ids []int64) []byte) {
	s.mu.Lock()
	s.stateInfo = f
	s.mu.Unlock()
}

// Push sends an unsolicited content message to a session.
func (s *Server) Push(sessionID int64, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[sessionID]
	if !ok {
		return errors.New("testserver: unknown session")
	}
	s.sendLocked(p, sessionID, body, true, false)
	return nil
}

// HandleFrame is the transport frame handler.
func (s *Server) HandleFrame(frame []byte, err error) {
	if err != nil || len(frame) < 8 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if binary.LittleEndian.Uint64(frame[:8]) == 0 {
		if err := s.handshakeLocked(frame); err != nil {
			s.log("HandleFrame").WithError(err).Debug("Handshake frame rejected")
		}
		return
	}
	s.sessionLocked(frame)
}

func (s *Server) nextIDLocked(response bool) int64 {
	now := s.clock.Now()
	frac := uint64(now.Nanosecond()) << 32 / uint64(time.Second)
	id := (now.Unix()<<32 | int64(frac)) &^ 3
	if id <= s.lastID {
		id = (s.lastID &^ 3) + 4
	}
	if response {
		id |= 1
	} else {
		id |= 3
	}
	s.lastID = id
	return id
}

func (s *Server) reply(frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tr.Send(ctx, frame); err != nil {
		s.log("reply").WithError(err).Debug("Reply not delivered")
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func failf(format string, args ...interface{}) error {
	return fmt.Errorf("testserver: "+format, args...)
}

func (s *Server) log(function string) *logrus.Entry {
	return s.logger.WithField("function", function)
}
