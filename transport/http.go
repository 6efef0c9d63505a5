package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/errs"
	"github.com/opd-ai/rpcwire/limits"
)

// HTTPTransport POSTs every frame to the endpoint and delivers each response
// body as an inbound frame. The server can only push inside a response, so
// the session keeps a long-poll outstanding.
type HTTPTransport struct {
	url     string
	client  *http.Client
	handler *handlerSlot
	logger  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewHTTPTransport returns a transport for endpoint. A bare host:port becomes
// http://host:port/api. A nil client uses one with a 60 second timeout, long
// enough for http_wait.
func NewHTTPTransport(endpoint string, client *http.Client) *HTTPTransport {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint + "/api"
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:     endpoint,
		client:  client,
		handler: newHandlerSlot(),
		logger:  logrus.WithField("url", endpoint),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewHTTPClient returns a client for NewHTTPTransport whose connections go
// through proxy. A nil proxy dials directly.
func NewHTTPClient(proxy *ProxyConfig) (*http.Client, error) {
	d, err := newDialer(proxy, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: &http.Transport{DialContext: d.DialContext},
	}, nil
}

// Polling implements Poller.
func (t *HTTPTransport) Polling() bool { return true }

// OnFrame implements Transport.
func (t *HTTPTransport) OnFrame(h FrameHandler) { t.handler.set(h) }

// Send implements Transport. The request runs in the background; its
// response, or its failure, reaches the frame handler.
func (t *HTTPTransport) Send(ctx context.Context, frame []byte) error {
	if len(frame) > limits.MaxFrameSize {
		return fmt.Errorf("frame of %d bytes: %w", len(frame), limits.ErrMessageTooLarge)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errs.ErrClosed
	}
	t.wg.Add(1)
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		t.wg.Done()
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	go func() {
		defer t.wg.Done()
		t.roundTrip(req)
	}()
	return nil
}

func (t *HTTPTransport) roundTrip(req *http.Request) {
	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.log("roundTrip").WithError(err).Warn("POST failed")
		t.deliver(nil, fmt.Errorf("post: %v: %w", err, errs.ErrTransportDown))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxFrameSize+1))
	if err != nil {
		t.deliver(nil, fmt.Errorf("read response: %v: %w", err, errs.ErrTransportDown))
		return
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		t.deliver(nil, &errs.TransportError{Code: -404})
	case resp.StatusCode != http.StatusOK:
		t.deliver(nil, &errs.TransportError{Code: -int32(resp.StatusCode)})
	case len(body) > limits.MaxFrameSize:
		t.deliver(nil, fmt.Errorf("response of %d bytes: %w", len(body), errs.ErrMalformedPayload))
	case len(body) == 0:
	case StatusError(body) != nil:
		t.deliver(nil, StatusError(body))
	default:
		t.deliver(body, nil)
	}
}

func (t *HTTPTransport) deliver(frame []byte, err error) {
	select {
	case <-t.handler.ready:
	case <-t.ctx.Done():
		return
	}
	t.handler.deliver(frame, err)
}

// Reconnect implements Transport. HTTP holds no connection of its own, so it
// only drops idle keep-alive connections.
func (t *HTTPTransport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errs.ErrClosed
	}
	t.client.CloseIdleConnections()
	return nil
}

// Close implements Transport. In-flight requests are cancelled.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *HTTPTransport) log(function string) *logrus.Entry {
	return t.logger.WithField("function", function)
}
