package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// FrameHandler receives every inbound frame. A read failure or a transport
// status code is reported with frame == nil and err != nil.
type FrameHandler func(frame []byte, err error)

// Transport moves opaque frames between the client and one server endpoint.
// Implementations are safe for concurrent use.
type Transport interface {
	// Send writes one frame. It returns once the frame is handed to the
	// network, not when the server answers.
	Send(ctx context.Context, frame []byte) error

	// OnFrame installs the inbound handler. Frames that arrive before a
	// handler is installed are held back until one is.
	OnFrame(h FrameHandler)

	// Reconnect drops the current channel and opens a new one.
	Reconnect(ctx context.Context) error

	// Close releases the channel. Send fails with errs.ErrClosed afterwards.
	Close() error
}

// Poller is implemented by transports that only receive data in response to
// a request, such as HTTP. The session keeps an http_wait outstanding on them.
type Poller interface {
	Polling() bool
}

// IsPolling reports whether t needs long polling to receive pushes.
func IsPolling(t Transport) bool {
	p, ok := t.(Poller)
	return ok && p.Polling()
}

// handlerSlot holds the installed FrameHandler. ready is closed once the
// first handler is set so pumps can wait for it.
type handlerSlot struct {
	mu      sync.RWMutex
	h       FrameHandler
	ready   chan struct{}
	setOnce sync.Once
}

func newHandlerSlot() *handlerSlot {
	return &handlerSlot{ready: make(chan struct{})}
}

func (s *handlerSlot) set(h FrameHandler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
	if h != nil {
		s.setOnce.Do(func() { close(s.ready) })
	}
}

func (s *handlerSlot) deliver(frame []byte, err error) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlerSlot.deliver",
			"size":     len(frame),
		}).Debug("Dropping frame, no handler installed")
		return
	}
	h(frame, err)
}
