package rpcwire

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/config"
	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/handshake"
	"github.com/opd-ai/rpcwire/metrics"
	"github.com/opd-ai/rpcwire/session"
	"github.com/opd-ai/rpcwire/storage"
	"github.com/opd-ai/rpcwire/tl/schema"
	"github.com/opd-ai/rpcwire/transport"
)

// State is the connection state of a Client.
type State = session.State

const (
	Connecting = session.StateConnecting
	Ready      = session.StateReady
	Degraded   = session.StateDegraded
	Failed     = session.StateFailed
)

const eventQueue = 256

// Event is a server push.
type Event struct {
	MsgID int64
	// NewSession reports that the server started a new session. Pushes sent
	// before it may have been lost.
	NewSession bool
	// Value is the decoded push. Constructors missing from the schema
	// decode to *schema.Unknown.
	Value schema.Value
	Raw   []byte
}

// EventSink receives server pushes on the dispatcher goroutine.
type EventSink func(Event)

// StateCallback is invoked on every connection state change.
type StateCallback func(State, error)

// Options configure a Client.
type Options struct {
	// Endpoint keys persisted state. Defaults to the transport address.
	Endpoint  string
	Transport transport.Transport
	Keys      []*crypto.RSAPublicKey
	DC        int32
	Schema    *schema.Schema

	Handshake *config.Handshake
	Session   *config.Session

	// Store defaults to an in-memory store.
	Store   storage.Store
	Metrics *metrics.Metrics
	Random  io.Reader
	Clock   crypto.TimeProvider
}

// InvokeOptions tune a single call.
type InvokeOptions struct {
	// Timeout bounds each attempt. Zero uses the configured RPC timeout,
	// or splits the context deadline across attempts when Retries is set.
	Timeout time.Duration
	// Retries is how many times the request is resent with a fresh id after
	// an attempt timed out or its answer may have been lost.
	Retries int
}

// Client runs one encrypted session against one endpoint. It performs the
// auth key exchange on first use and again whenever the server forgets the
// key.
type Client struct {
	tr       transport.Transport
	endpoint string
	keys     []*crypto.RSAPublicKey
	dc       int32
	codec    *schema.Codec
	hs       *config.Handshake
	settings *config.Session
	store    storage.Store
	ownStore bool
	metrics  *metrics.Metrics
	random   io.Reader
	clock    crypto.TimeProvider
	ids      *session.IDGenerator
	coord    handshake.Coordinator
	logger   *logrus.Entry

	events chan session.Event
	quit   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	sess      *session.Session
	exch      *handshake.Exchanger
	state     State
	lastErr   error
	sinks     map[int]EventSink
	nextSink  int
	onState   StateCallback
	closed    bool
	closeOnce sync.Once
}

// New creates a Client on an established transport. No traffic is sent
// until the first call or Connect.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("rpcwire: no transport")
	}
	if opts.Schema == nil {
		return nil, errors.New("rpcwire: no schema")
	}
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("rpcwire: %w", handshake.ErrNoTrustedKey)
	}
	if opts.Endpoint == "" {
		if ra, ok := opts.Transport.(interface{ RemoteAddr() string }); ok {
			opts.Endpoint = ra.RemoteAddr()
		} else {
			opts.Endpoint = "default"
		}
	}
	if opts.Handshake == nil {
		opts.Handshake = config.DefaultHandshake()
	}
	if opts.Session == nil {
		opts.Session = config.DefaultSession()
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	opts.Clock = crypto.OrDefault(opts.Clock)

	c := &Client{
		tr:       opts.Transport,
		endpoint: opts.Endpoint,
		keys:     opts.Keys,
		dc:       opts.DC,
		codec:    schema.NewCodec(opts.Schema, 0),
		hs:       opts.Handshake,
		settings: opts.Session,
		store:    opts.Store,
		metrics:  opts.Metrics,
		random:   opts.Random,
		clock:    opts.Clock,
		events:   make(chan session.Event, eventQueue),
		quit:     make(chan struct{}),
		sinks:    make(map[int]EventSink),
		logger:   logrus.WithField("endpoint", opts.Endpoint),
	}
	if c.store == nil {
		c.store = storage.NewMemoryStore()
		c.ownStore = true
	}
	hw, err := c.store.LoadHighWater(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("rpcwire: load message id high water: %w", err)
	}
	c.ids = session.NewIDGenerator(c.clock, hw)
	c.metrics.SetState(Connecting.String())

	c.tr.OnFrame(c.route)
	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

// route splits inbound frames between a running key exchange and the
// session. Transport errors go to both.
func (c *Client) route(frame []byte, err error) {
	c.mu.Lock()
	sess, exch := c.sess, c.exch
	c.mu.Unlock()

	if err != nil {
		if exch != nil {
			exch.Deliver(nil, err)
		}
		if sess != nil {
			sess.HandleFrame(nil, err)
		}
		return
	}
	if isPlaintext(frame) {
		if exch != nil {
			exch.Deliver(frame, nil)
			return
		}
		c.log("route").WithField("size", len(frame)).Debug("Dropping plaintext frame outside a key exchange")
		return
	}
	if sess != nil {
		sess.HandleFrame(frame, nil)
		return
	}
	c.log("route").WithField("size", len(frame)).Debug("Dropping frame without a session")
}

func isPlaintext(frame []byte) bool {
	if len(frame) < 8 {
		return false
	}
	for _, b := range frame[:8] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Connect establishes a session, running the key exchange if no usable key
// is stored.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.current(ctx)
	return err
}

func (c *Client) current(ctx context.Context) (*session.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.ErrClosed
	}
	if s := c.sess; s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	_, _, err := c.coord.Do(ctx, c.endpoint, c.connect)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errs.ErrClosed
	}
	if c.sess == nil {
		return nil, fmt.Errorf("session lost while connecting: %w", errs.ErrTransportDown)
	}
	return c.sess, nil
}

// connect runs at most once per endpoint at a time.
func (c *Client) connect(ctx context.Context) (*handshake.Result, error) {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil, nil
	}
	c.mu.Unlock()
	c.setState(Connecting, nil)

	key, salts, offset, err := c.loadKey()
	if err != nil {
		c.log("connect").WithError(err).Warn("Discarding stored auth key")
		if err := c.store.Forget(c.endpoint); err != nil {
			return nil, fmt.Errorf("forget stored state: %w", err)
		}
	}
	var res *handshake.Result
	if key == nil {
		res, err = c.exchange(ctx)
		if err != nil {
			c.setState(Failed, err)
			return nil, err
		}
		key, offset = res.Key, res.TimeOffset
		salts = []session.Salt{{
			ValidSince: c.clock.Now().Add(-time.Minute),
			ValidUntil: c.clock.Now().Add(30 * time.Minute),
			Value:      res.Salt,
		}}
		if err := c.store.SaveAuthKey(c.endpoint, &storage.AuthKeyRecord{
			Key:        key.Key[:],
			ID:         key.IDValue(),
			ExpiresAt:  key.ExpiresAt,
			CreatedAt:  c.clock.Now().Unix(),
			TimeOffset: offset,
		}); err != nil {
			return nil, fmt.Errorf("save auth key: %w", err)
		}
	}
	c.ids.SetOffset(offset)

	sess, err := session.New(c.tr, session.Options{
		Key:      key,
		Salts:    salts,
		IDs:      c.ids,
		Settings: c.settings,
		Random:   c.random,
		Clock:    c.clock,
		Metrics:  c.metrics,
		Store:    c.store,
		Endpoint: c.endpoint,
		OnEvent:  c.queueEvent,
		OnState:  c.sessionState,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close()
		return nil, errs.ErrClosed
	}
	c.sess = sess
	c.mu.Unlock()
	c.wg.Add(1)
	go c.watch(sess)

	c.log("connect").WithFields(crypto.SecureFieldHash(key.ID[:], "auth_key_id")).WithFields(logrus.Fields{
		"session_id":  sess.ID(),
		"time_offset": offset,
		"handshake":   res != nil,
	}).Info("Session started")
	return res, nil
}

// loadKey returns a nil key when nothing usable is stored.
func (c *Client) loadKey() (*crypto.AuthKey, []session.Salt, int64, error) {
	rec, err := c.store.LoadAuthKey(c.endpoint)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, 0, nil
	}
	if err != nil {
		return nil, nil, 0, err
	}
	key, err := crypto.NewAuthKey(rec.Key, rec.ExpiresAt)
	if err != nil {
		return nil, nil, 0, err
	}
	if key.IDValue() != rec.ID {
		key.Wipe()
		return nil, nil, 0, fmt.Errorf("stored auth key id %x does not match its key", rec.ID)
	}
	if key.Expired(c.clock.Now().Unix()) {
		key.Wipe()
		return nil, nil, 0, errors.New("stored auth key expired")
	}
	recs, err := c.store.LoadSalts(c.endpoint)
	if err != nil {
		return nil, nil, 0, err
	}
	return key, session.SaltsFromRecords(recs), rec.TimeOffset, nil
}

func (c *Client) exchange(ctx context.Context) (*handshake.Result, error) {
	exch := handshake.NewExchanger(c.tr, handshake.Options{
		Keys:        c.keys,
		DC:          c.dc,
		StepTimeout: c.hs.StepTimeout.Duration,
		Attempts:    c.hs.Attempts,
		DHRetries:   c.hs.DHRetries,
		Random:      c.random,
		Clock:       c.clock,
		IDs:         c.ids,
		Metrics:     c.metrics,
	})
	c.mu.Lock()
	c.exch = exch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.exch = nil
		c.mu.Unlock()
	}()
	return exch.Run(ctx)
}

// sessionState runs on the session goroutine.
func (c *Client) sessionState(st State, err error) {
	if st == Failed && errors.Is(err, errs.ErrUnknownAuthKey) {
		if derr := c.store.DeleteAuthKey(c.endpoint); derr != nil {
			c.log("sessionState").WithError(derr).Warn("Failed to delete rejected auth key")
		}
	}
	c.setState(st, err)
}

// watch clears a session once it stopped on its own.
func (c *Client) watch(sess *session.Session) {
	defer c.wg.Done()
	select {
	case <-sess.Done():
	case <-c.quit:
		return
	}
	c.mu.Lock()
	current := c.sess == sess
	if current {
		c.sess = nil
	}
	c.mu.Unlock()
	if current {
		c.setState(Failed, nil)
	}
}

func (c *Client) setState(st State, err error) {
	c.mu.Lock()
	if c.state == st && err == nil {
		c.mu.Unlock()
		return
	}
	changed := c.state != st
	c.state = st
	if err != nil {
		c.lastErr = err
	}
	cb := c.onState
	c.mu.Unlock()
	if !changed {
		return
	}
	c.metrics.SetState(st.String())
	c.log("setState").WithFields(logrus.Fields{"state": st.String(), "error": err}).Debug("Connection state changed")
	if cb != nil {
		cb(st, err)
	}
}

// dropKey removes the stored key after the server rejected it.
func (c *Client) dropKey(sess *session.Session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	sess.Close()
	if err := c.store.DeleteAuthKey(c.endpoint); err != nil {
		c.log("dropKey").WithError(err).Warn("Failed to delete rejected auth key")
	}
	c.coord.Forget(c.endpoint)
}

// Invoke calls method with args and waits for the decoded result. When the
// server no longer knows the auth key a new one is negotiated and the call
// is sent once more.
func (c *Client) Invoke(ctx context.Context, method string, args map[string]schema.Value, opts InvokeOptions) (schema.Value, error) {
	body, err := c.codec.EncodeMethod(method, args)
	if err != nil {
		return nil, err
	}
	start := c.clock.Now()
	var raw []byte
	for rekeyed := false; ; rekeyed = true {
		sess, err := c.current(ctx)
		if err != nil {
			return nil, err
		}
		raw, err = sess.Call(ctx, body, session.CallOptions{Timeout: opts.Timeout, Retries: opts.Retries})
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrUnknownAuthKey) || rekeyed {
			return nil, err
		}
		c.log("Invoke").WithField("method", method).Info("Server rejected auth key, negotiating a new one")
		c.dropKey(sess)
	}

	v, err := c.codec.DecodeResult(method, raw)
	if err != nil {
		return nil, err
	}
	c.log("Invoke").WithFields(logrus.Fields{
		"method":  method,
		"elapsed": c.clock.Since(start),
	}).Trace("Call completed")
	return v, nil
}

// Args converts a JSON object into the arguments of method.
func (c *Client) Args(method string, data []byte) (map[string]schema.Value, error) {
	return c.codec.ArgsFromJSON(method, data)
}

// Call is an Invoke running in the background.
type Call struct {
	Method string

	done  chan struct{}
	value schema.Value
	err   error
}

// Done is closed when the call completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result blocks until the call completed.
func (c *Call) Result() (schema.Value, error) {
	<-c.done
	return c.value, c.err
}

// Go starts Invoke on its own goroutine and returns immediately.
func (c *Client) Go(ctx context.Context, method string, args map[string]schema.Value, opts InvokeOptions) *Call {
	call := &Call{Method: method, done: make(chan struct{})}
	go func() {
		call.value, call.err = c.Invoke(ctx, method, args, opts)
		close(call.done)
	}()
	return call
}

// Subscribe registers sink for server pushes. The returned function
// removes it.
func (c *Client) Subscribe(sink EventSink) (cancel func()) {
	c.mu.Lock()
	id := c.nextSink
	c.nextSink++
	c.sinks[id] = sink
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.sinks, id)
			c.mu.Unlock()
		})
	}
}

// OnConnectionState registers a callback for state changes.
func (c *Client) OnConnectionState(cb StateCallback) {
	c.mu.Lock()
	c.onState = cb
	c.mu.Unlock()
}

// ConnectionState returns the current state.
func (c *Client) ConnectionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the cause of the last state change that carried one.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns the session bookkeeping, or false without a session.
func (c *Client) Stats() (session.Stats, bool) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return session.Stats{}, false
	}
	return sess.Stats(), true
}

// queueEvent runs on the session goroutine and must not block.
func (c *Client) queueEvent(ev session.Event) {
	select {
	case c.events <- ev:
	default:
		c.log("queueEvent").WithField("msg_id", ev.MsgID).Warn("Event queue full, dropping push")
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.deliver(ev)
		case <-c.quit:
			return
		}
	}
}

func (c *Client) deliver(ev session.Event) {
	out := Event{MsgID: ev.MsgID, Raw: ev.Body, NewSession: ev.Kind == session.EventNewSession}
	if !out.NewSession {
		v, err := c.codec.DecodeExact(ev.Body, "Object", schema.DecodeOptions{AllowUnknown: true})
		if err != nil {
			c.metrics.Malformed()
			c.log("deliver").WithFields(logrus.Fields{
				"msg_id": ev.MsgID,
				"error":  err,
			}).Warn("Dropping undecodable push")
			return
		}
		out.Value = v
	}

	c.mu.Lock()
	sinks := make([]EventSink, 0, len(c.sinks))
	for _, s := range c.sinks {
		sinks = append(sinks, s)
	}
	c.mu.Unlock()
	for _, s := range sinks {
		s(out)
	}
}

// Forget closes the session and removes all state stored for the
// endpoint. The next call negotiates a new auth key.
func (c *Client) Forget() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
	c.coord.Forget(c.endpoint)
	return c.store.Forget(c.endpoint)
}

// Close stops the session and the transport. Pending calls fail with
// errs.ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sess := c.sess
		c.sess = nil
		c.mu.Unlock()

		if sess != nil {
			sess.Close()
		}
		close(c.quit)
		c.wg.Wait()
		err = c.tr.Close()
		if c.ownStore {
			if cerr := c.store.Close(); err == nil {
				err = cerr
			}
		}
		c.log("Close").Info("Client closed")
	})
	return err
}

func (c *Client) log(function string) *logrus.Entry {
	return c.logger.WithField("function", function)
}
