// Package transport carries opaque frames between the client and a server
// endpoint.
//
// Every implementation satisfies Transport:
//
//	type Transport interface {
//	    Send(ctx context.Context, frame []byte) error
//	    OnFrame(h FrameHandler)
//	    Reconnect(ctx context.Context) error
//	    Close() error
//	}
//
// Inbound frames and channel failures both reach the FrameHandler; a failure
// has a nil frame and an error wrapping errs.ErrTransportDown, or an
// *errs.TransportError when the server answered with a 4-byte status code.
//
// # Implementations
//
// TCPTransport keeps one connection open with intermediate framing:
//
//	t, err := transport.DialTCP(ctx, "149.154.167.50:443", transport.TCPOptions{})
//
// Reconnect attempts are paced by a token bucket, and connections can be
// tunnelled through a SOCKS5 or HTTP CONNECT proxy with TCPOptions.Proxy.
//
// HTTPTransport POSTs each frame and treats the response body as the reply.
// It reports Polling() == true so the session keeps an http_wait pending.
//
// Pipe is an in-memory pair used by tests and the simulated server. It can
// tamper with frames in flight and simulate disconnects.
package transport
