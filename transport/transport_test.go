package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rpcwire/errs"
)

type inbound struct {
	frame []byte
	err   error
}

func collect(tr Transport) <-chan inbound {
	ch := make(chan inbound, 16)
	tr.OnFrame(func(frame []byte, err error) { ch <- inbound{frame, err} })
	return ch
}

func next(t *testing.T, ch <-chan inbound) inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return inbound{}
	}
}

// echoServer accepts intermediate-framed connections, checks the tag and
// echoes frames. A frame "ERR!" is answered with a -404 status.
func echoServer(t *testing.T) (addr string, accepted <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
			go func(c net.Conn) {
				defer c.Close()
				var tag [4]byte
				if _, err := io.ReadFull(c, tag[:]); err != nil || binary.LittleEndian.Uint32(tag[:]) != IntermediateTag {
					return
				}
				for {
					frame, err := ReadFrame(c)
					if err != nil {
						return
					}
					if string(frame) == "ERR!" {
						frame = StatusFrame(-404)
					}
					if WriteFrame(c, frame) != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), conns
}

func TestTCPTransportEcho(t *testing.T) {
	addr, _ := echoServer(t)
	tr, err := DialTCP(context.Background(), addr, TCPOptions{})
	require.NoError(t, err)
	defer tr.Close()
	ch := collect(tr)

	require.NoError(t, tr.Send(context.Background(), []byte("hello world!")))
	in := next(t, ch)
	require.NoError(t, in.err)
	assert.Equal(t, []byte("hello world!"), in.frame)

	require.NoError(t, tr.Send(context.Background(), []byte("ERR!")))
	in = next(t, ch)
	assert.Nil(t, in.frame)
	assert.ErrorIs(t, in.err, errs.ErrUnknownAuthKey)
}

func TestTCPTransportReconnect(t *testing.T) {
	addr, accepted := echoServer(t)
	tr, err := DialTCP(context.Background(), addr, TCPOptions{ReconnectInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()
	ch := collect(tr)

	first := <-accepted
	first.Close()
	in := next(t, ch)
	assert.ErrorIs(t, in.err, errs.ErrTransportDown)

	require.NoError(t, tr.Reconnect(context.Background()))
	require.NoError(t, tr.Send(context.Background(), []byte("again")))
	in = next(t, ch)
	require.NoError(t, in.err)
	assert.Equal(t, []byte("again"), in.frame)
}

func TestTCPTransportClosed(t *testing.T) {
	addr, _ := echoServer(t)
	tr, err := DialTCP(context.Background(), addr, TCPOptions{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Send(context.Background(), []byte("x")), errs.ErrClosed)
	assert.ErrorIs(t, tr.Reconnect(context.Background()), errs.ErrClosed)
}

func TestTCPDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = DialTCP(context.Background(), addr, TCPOptions{DialTimeout: time.Second})
	assert.ErrorIs(t, err, errs.ErrTransportDown)
}

func TestUnsupportedProxy(t *testing.T) {
	_, err := DialTCP(context.Background(), "127.0.0.1:1", TCPOptions{Proxy: &ProxyConfig{Type: "gopher"}})
	assert.Error(t, err)
}

func TestHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch string(body) {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "empty":
		default:
			_, _ = w.Write(body)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/api", nil)
	defer tr.Close()
	assert.True(t, IsPolling(tr))
	ch := collect(tr)

	require.NoError(t, tr.Send(context.Background(), []byte("ping-frame")))
	in := next(t, ch)
	require.NoError(t, in.err)
	assert.Equal(t, []byte("ping-frame"), in.frame)

	require.NoError(t, tr.Send(context.Background(), []byte("missing")))
	in = next(t, ch)
	assert.ErrorIs(t, in.err, errs.ErrUnknownAuthKey)

	require.NoError(t, tr.Send(context.Background(), []byte("empty")))
	select {
	case in := <-ch:
		t.Fatalf("unexpected delivery %+v", in)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, tr.Reconnect(context.Background()))
}

func TestHTTPTransportDefaultURL(t *testing.T) {
	tr := NewHTTPTransport("example.org:80", nil)
	defer tr.Close()
	assert.Equal(t, "http://example.org:80/api", tr.url)
}

func TestHTTPTransportClosed(t *testing.T) {
	tr := NewHTTPTransport("127.0.0.1:1", nil)
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), []byte("x")), errs.ErrClosed)
	assert.ErrorIs(t, tr.Reconnect(context.Background()), errs.ErrClosed)
}

func TestPipe(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()
	assert.False(t, IsPolling(a))

	// Frames sent before a handler exists are held, not dropped.
	require.NoError(t, a.Send(context.Background(), []byte("early")))
	ch := collect(b)
	assert.Equal(t, []byte("early"), next(t, ch).frame)

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(context.Background(), []byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, []byte{byte(i)}, next(t, ch).frame)
	}

	require.NoError(t, b.Send(context.Background(), StatusFrame(-404)))
	in := next(t, collect(a))
	assert.ErrorIs(t, in.err, errs.ErrUnknownAuthKey)
}

func TestPipeTamperAndDisconnect(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()
	ch := collect(b)
	achan := collect(a)

	a.SetTamper(func(f []byte) []byte {
		if string(f) == "drop" {
			return nil
		}
		f[0] ^= 1
		return f
	})
	require.NoError(t, a.Send(context.Background(), []byte("drop")))
	require.NoError(t, a.Send(context.Background(), []byte("abc")))
	assert.Equal(t, []byte("`bc"), next(t, ch).frame)
	a.SetTamper(nil)

	a.Disconnect()
	assert.ErrorIs(t, next(t, achan).err, errs.ErrTransportDown)
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), errs.ErrTransportDown)
	require.NoError(t, a.Reconnect(context.Background()))
	require.NoError(t, a.Send(context.Background(), []byte("x")))
	assert.Equal(t, []byte("x"), next(t, ch).frame)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send(context.Background(), []byte("y")), errs.ErrTransportDown)
	assert.ErrorIs(t, b.Send(context.Background(), []byte("y")), errs.ErrClosed)
}
