package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
)

// TCPOptions tune a TCPTransport. Zero values pick the defaults.
type TCPOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// ReconnectInterval is the minimum spacing between connection attempts
	// once ReconnectBurst attempts have been spent.
	ReconnectInterval time.Duration
	ReconnectBurst    int
	Proxy             *ProxyConfig
}

func (o *TCPOptions) fixup() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
	if o.ReconnectBurst <= 0 {
		o.ReconnectBurst = 3
	}
}

// TCPTransport is a persistent connection using intermediate framing: the
// 4-byte tag 0xeeeeeeee once, then each frame prefixed by its little-endian
// uint32 length.
type TCPTransport struct {
	addr    string
	opts    TCPOptions
	dialer  contextDialer
	limiter *rate.Limiter
	handler *handlerSlot
	logger  *logrus.Entry

	done chan struct{}

	mu     sync.Mutex
	conn   net.Conn
	gen    uint64
	closed bool
}

// DialTCP connects to addr and starts delivering frames to the handler
// installed with OnFrame.
func DialTCP(ctx context.Context, addr string, opts TCPOptions) (*TCPTransport, error) {
	opts.fixup()
	dialer, err := newDialer(opts.Proxy, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	t := &TCPTransport{
		addr:    addr,
		opts:    opts,
		dialer:  dialer,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectInterval), opts.ReconnectBurst),
		handler: newHandlerSlot(),
		done:    make(chan struct{}),
		logger:  logrus.WithField("addr", addr),
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// OnFrame implements Transport.
func (t *TCPTransport) OnFrame(h FrameHandler) { t.handler.set(h) }

func (t *TCPTransport) connect(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("reconnect pacing: %w", errs.ErrTransportDown)
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		t.log("connect").WithError(err).Warn("Dial failed")
		return fmt.Errorf("dial %s: %v: %w", t.addr, err, errs.ErrTransportDown)
	}
	var tag [4]byte
	binary.LittleEndian.PutUint32(tag[:], IntermediateTag)
	if err := conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err == nil {
		_, err = conn.Write(tag[:])
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("write framing tag: %v: %w", err, errs.ErrTransportDown)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return errs.ErrClosed
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.gen++
	t.conn = conn
	gen := t.gen
	t.mu.Unlock()

	t.log("connect").WithField("generation", gen).Debug("Connected")
	go t.readLoop(conn, gen)
	return nil
}

// current reports whether gen is still the live connection.
func (t *TCPTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.gen == gen
}

func (t *TCPTransport) readLoop(conn net.Conn, gen uint64) {
	select {
	case <-t.handler.ready:
	case <-t.done:
		return
	}
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			if !t.current(gen) {
				return
			}
			t.drop(conn)
			t.log("readLoop").WithError(err).Warn("Connection lost")
			t.handler.deliver(nil, fmt.Errorf("read: %v: %w", err, errs.ErrTransportDown))
			return
		}
		if !t.current(gen) {
			return
		}
		if status := StatusError(frame); status != nil {
			t.handler.deliver(nil, status)
			continue
		}
		t.handler.deliver(frame, nil)
	}
}

// drop forgets conn if it is still the live connection.
func (t *TCPTransport) drop(conn net.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
}

// Send implements Transport.
func (t *TCPTransport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	closed, conn := t.closed, t.conn
	t.mu.Unlock()
	if closed {
		return errs.ErrClosed
	}
	if conn == nil {
		return fmt.Errorf("not connected: %w", errs.ErrTransportDown)
	}

	deadline := time.Now().Add(t.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		t.drop(conn)
		return fmt.Errorf("set deadline: %v: %w", err, errs.ErrTransportDown)
	}
	if err := WriteFrame(conn, frame); err != nil {
		if errors.Is(err, limits.ErrMessageTooLarge) {
			return err
		}
		t.drop(conn)
		return fmt.Errorf("write: %v: %w", err, errs.ErrTransportDown)
	}
	return nil
}

// Reconnect implements Transport. Attempts are paced by a token bucket.
func (t *TCPTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errs.ErrClosed
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.gen++
	t.mu.Unlock()
	return t.connect(ctx)
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// RemoteAddr returns the endpoint address.
func (t *TCPTransport) RemoteAddr() string { return t.addr }

func (t *TCPTransport) log(function string) *logrus.Entry {
	return t.logger.WithField("function", function)
}
