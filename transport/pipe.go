package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/opd-ai/rpcwire/errs"
)

const pipeQueue = 256

// Pipe is one end of an in-memory transport pair. Frames are delivered in
// order on a dedicated goroutine per end.
type Pipe struct {
	peer    *Pipe
	inbox   chan []byte
	handler *handlerSlot
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	tamper func([]byte) []byte
	down   bool
	polls  bool
}

// NewPipe returns two connected ends.
func NewPipe() (client, server *Pipe) {
	client = newPipeEnd()
	server = newPipeEnd()
	client.peer, server.peer = server, client
	go client.pump()
	go server.pump()
	return client, server
}

func newPipeEnd() *Pipe {
	return &Pipe{
		inbox:   make(chan []byte, pipeQueue),
		handler: newHandlerSlot(),
		done:    make(chan struct{}),
	}
}

func (p *Pipe) pump() {
	select {
	case <-p.handler.ready:
	case <-p.done:
		return
	}
	for {
		select {
		case frame := <-p.inbox:
			if status := StatusError(frame); status != nil {
				p.handler.deliver(nil, status)
				continue
			}
			p.handler.deliver(frame, nil)
		case <-p.done:
			return
		}
	}
}

// OnFrame implements Transport.
func (p *Pipe) OnFrame(h FrameHandler) { p.handler.set(h) }

// Send implements Transport. The frame is copied, passed through the tamper
// hook if one is set, and queued at the peer.
func (p *Pipe) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return errs.ErrClosed
	default:
	}
	p.mu.Lock()
	down, tamper := p.down, p.tamper
	p.mu.Unlock()
	if down {
		return fmt.Errorf("pipe disconnected: %w", errs.ErrTransportDown)
	}

	select {
	case <-p.peer.done:
		return fmt.Errorf("peer closed: %w", errs.ErrTransportDown)
	default:
	}

	out := append([]byte(nil), frame...)
	if tamper != nil {
		if out = tamper(out); out == nil {
			return nil
		}
	}
	select {
	case p.peer.inbox <- out:
		return nil
	case <-p.peer.done:
		return fmt.Errorf("peer closed: %w", errs.ErrTransportDown)
	case <-p.done:
		return errs.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTamper installs a hook applied to every outgoing frame. Returning nil
// drops the frame.
func (p *Pipe) SetTamper(f func([]byte) []byte) {
	p.mu.Lock()
	p.tamper = f
	p.mu.Unlock()
}

// Disconnect makes Send fail and reports the loss to this end's handler,
// as a broken socket would.
func (p *Pipe) Disconnect() {
	p.mu.Lock()
	p.down = true
	p.mu.Unlock()
	go p.handler.deliver(nil, fmt.Errorf("pipe disconnected: %w", errs.ErrTransportDown))
}

// SetPolling makes this end report itself as a polling transport.
func (p *Pipe) SetPolling(v bool) {
	p.mu.Lock()
	p.polls = v
	p.mu.Unlock()
}

// Polling implements Poller.
func (p *Pipe) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

// Reconnect implements Transport. It clears a simulated disconnect.
func (p *Pipe) Reconnect(ctx context.Context) error {
	select {
	case <-p.done:
		return errs.ErrClosed
	default:
	}
	p.mu.Lock()
	p.down = false
	p.mu.Unlock()
	return nil
}

// Close implements Transport.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
