package session

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/cache"
	"github.com/opd-ai/rpcwire/config"
	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
	"github.com/opd-ai/rpcwire/metrics"
	"github.com/opd-ai/rpcwire/storage"
	"github.com/opd-ai/rpcwire/transport"
)

// State is the connection state reported to the application.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind classifies pushed events.
type EventKind int

const (
	// EventUpdate is a message that answers no request.
	EventUpdate EventKind = iota
	// EventNewSession reports that the server started a new session and
	// pushes sent before it may be lost.
	EventNewSession
)

// Event is a server push delivered to the application.
type Event struct {
	Kind  EventKind
	MsgID int64
	Body  []byte
}

// Options configure a Session.
type Options struct {
	Key *crypto.AuthKey

	// SessionID is drawn from Random when zero.
	SessionID int64
	Salts     []Salt
	IDs       *IDGenerator
	Settings  *config.Session

	Random  io.Reader
	Clock   crypto.TimeProvider
	Metrics *metrics.Metrics

	// Store and Endpoint persist salts and the message id high-water mark.
	Store    storage.Store
	Endpoint string

	// OnEvent receives pushes on the session goroutine. It must not block.
	OnEvent func(Event)
	// OnState is called on the session goroutine when the state changes.
	OnState func(State, error)
}

// Stats is a snapshot of the session bookkeeping.
type Stats struct {
	SessionID   int64
	State       State
	Pending     int
	Unacked     int
	Queued      int
	PendingAcks int
	Salts       int
	TimeOffset  int64
	LastMsgID   int64
}

type inbound struct {
	frame []byte
	err   error
	// gen is the connection generation of a failed write; zero for
	// anything the transport reported.
	gen int
}

type outFrame struct {
	data []byte
	gen  int
}

type cmdInvoke struct{ req *request }

type cmdCancel struct {
	req *request
	err error
}

type cmdStats struct{ reply chan Stats }

type cmdInspect struct{ reply chan []int64 }

type cmdReconnected struct{}

type cmdReconnectFailed struct{ err error }

// Session multiplexes requests over one auth key and transport. A single
// goroutine owns all protocol state; the exported methods only post to it.
type Session struct {
	tr       transport.Transport
	key      *crypto.AuthKey
	id       int64
	ids      *IDGenerator
	settings *config.Session
	random   io.Reader
	clock    crypto.TimeProvider
	metrics  *metrics.Metrics
	store    storage.Store
	endpoint string
	onEvent  func(Event)
	onState  func(State, error)
	logger   *logrus.Entry

	cmds       chan interface{}
	inbound    chan inbound
	frames     chan outFrame
	writerDone chan struct{}
	ctx        context.Context
	cancelF    context.CancelFunc
	done       chan struct{}
	closeMu    sync.Mutex
	closed     bool

	// Owned by the actor goroutine.
	state        State
	seq          int32
	salts        *SaltSet
	queue        []*outMsg
	sent         map[int64]*outMsg
	pending      map[int64]*request
	pendingAcks  []int64
	seen         *cache.TTL[int64, struct{}]
	containers   *cache.TTL[int64, []int64]
	queries      *cache.TTL[int64, []int64]
	lastSent     time.Time
	lastServer   int32
	down         bool
	gen          int
	saltsReq     *outMsg
	pollDue      bool
	lastPoll     time.Time
	savedHW      int64
	flushTimer   *time.Timer
	flushPending bool
}

// New starts a session on tr. Install s.HandleFrame as the transport's
// frame handler (directly or through a router).
func New(tr transport.Transport, opts Options) (*Session, error) {
	if opts.Key == nil {
		return nil, fmt.Errorf("session: no auth key")
	}
	if opts.Settings == nil {
		opts.Settings = config.DefaultSession()
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	clock := crypto.OrDefault(opts.Clock)
	if opts.IDs == nil {
		opts.IDs = NewIDGenerator(clock, 0)
	}
	id := opts.SessionID
	if id == 0 {
		var raw [8]byte
		if _, err := io.ReadFull(opts.Random, raw[:]); err != nil {
			return nil, fmt.Errorf("session id: %w", err)
		}
		id = int64(binary.LittleEndian.Uint64(raw[:]))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tr:         tr,
		key:        opts.Key,
		id:         id,
		ids:        opts.IDs,
		settings:   opts.Settings,
		random:     opts.Random,
		clock:      clock,
		metrics:    opts.Metrics,
		store:      opts.Store,
		endpoint:   opts.Endpoint,
		onEvent:    opts.OnEvent,
		onState:    opts.OnState,
		cmds:       make(chan interface{}),
		inbound:    make(chan inbound, 64),
		frames:     make(chan outFrame, sendQueue),
		writerDone: make(chan struct{}),
		ctx:        ctx,
		cancelF:    cancel,
		done:       make(chan struct{}),
		state:      StateConnecting,
		salts:      NewSaltSet(opts.Settings.SaltGrace.Duration),
		sent:       make(map[int64]*outMsg),
		pending:    make(map[int64]*request),
		seen:       cache.New[int64, struct{}](10*time.Minute, 1<<14, clock),
		containers: cache.New[int64, []int64](10*time.Minute, 1<<12, clock),
		queries:    cache.New[int64, []int64](10*time.Minute, 1<<10, clock),
		lastServer: -1,
		gen:        1,
		lastSent:   clock.Now(),
		lastPoll:   clock.Now(),
		pollDue:    true,
		logger:     logrus.WithField("session_id", fmt.Sprintf("%016x", uint64(id))),
	}
	s.salts.Add(opts.Salts...)
	s.savedHW = s.ids.Last()
	s.metrics.SetState(s.state.String())

	go s.write()
	go s.run()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

// HandleFrame is a transport.FrameHandler.
func (s *Session) HandleFrame(frame []byte, err error) {
	select {
	case s.inbound <- inbound{frame: frame, err: err}:
	case <-s.done:
	}
}

// Start queues body as a content message and returns a handle for its
// result. body must be a serialized method call.
func (s *Session) Start(ctx context.Context, body []byte, opts CallOptions) (*Pending, error) {
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("body of %d bytes is not word aligned: %w", len(body), errs.ErrMalformedPayload)
	}
	if err := limits.ValidateMessageBody(body); err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrMalformedPayload)
	}
	req := &request{retries: opts.Retries, done: make(chan struct{})}
	req.msg = &outMsg{body: body, content: true, req: req}
	select {
	case s.cmds <- cmdInvoke{req: req}:
		return &Pending{s: s, req: req}, nil
	case <-s.done:
		return nil, errs.ErrClosed
	case <-ctx.Done():
		return nil, contextError(ctx.Err())
	}
}

// Call sends body and waits for the result. Each attempt is bounded by
// the attempt timeout; an attempt that times out is withdrawn and, while
// retries remain, sent again under a fresh message id. The caller's
// deadline bounds the whole call.
func (s *Session) Call(ctx context.Context, body []byte, opts CallOptions) ([]byte, error) {
	retries := opts.Retries
	for attempt := 1; ; attempt++ {
		actx, cancel := s.attemptContext(ctx, opts.Timeout, retries)
		p, err := s.Start(actx, body, CallOptions{Retries: retries})
		var result []byte
		if err == nil {
			result, err = p.Wait(actx)
			retries = p.req.retries
		}
		cancel()
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errs.ErrTimeout) || retries <= 0 || ctx.Err() != nil {
			return nil, err
		}
		retries--
		s.metrics.Retransmission("timeout")
		s.log("Call").WithField("attempt", attempt).Debug("Attempt timed out, retrying")
	}
}

func (s *Session) attemptContext(ctx context.Context, timeout time.Duration, retries int) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		deadline, ok := ctx.Deadline()
		switch {
		case !ok:
			timeout = s.settings.RPCTimeout.Duration
		case retries > 0:
			timeout = time.Until(deadline) / time.Duration(retries+1)
		default:
			return context.WithCancel(ctx)
		}
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Session) cancel(req *request, err error) {
	select {
	case s.cmds <- cmdCancel{req: req, err: err}:
	case <-s.done:
	}
}

// Stats returns a snapshot of the session state.
func (s *Session) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case s.cmds <- cmdStats{reply: reply}:
		return <-reply
	case <-s.done:
		return Stats{SessionID: s.id, State: StateFailed}
	}
}

// Close stops the session. Outstanding requests fail with errs.ErrClosed.
func (s *Session) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()
	s.cancelF()
	<-s.done
	return nil
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) log(function string) *logrus.Entry {
	return s.logger.WithField("function", function)
}
