package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ProxyConfig routes TCP connections through a SOCKS5 or HTTP CONNECT proxy.
type ProxyConfig struct {
	Type     string // "socks5" or "http"
	Address  string
	Username string
	Password string
}

// contextDialer is the dialing surface TCPTransport needs.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// newDialer returns a direct dialer, or one that tunnels through cfg.
func newDialer(cfg *ProxyConfig, timeout time.Duration) (contextDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if cfg == nil || cfg.Type == "" {
		return direct, nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "newDialer",
		"proxy_type": cfg.Type,
		"proxy_addr": cfg.Address,
	}).Info("Configuring proxy dialer")

	switch cfg.Type {
	case "socks5":
		var auth *proxy.Auth
		if cfg.Username != "" || cfg.Password != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		d, err := proxy.SOCKS5("tcp", cfg.Address, auth, direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		return cd, nil
	case "http":
		u := &url.URL{Scheme: "http", Host: cfg.Address}
		if cfg.Username != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		}
		return &httpProxyDialer{proxyURL: u, direct: direct}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s (must be 'socks5' or 'http')", cfg.Type)
	}
}

// httpProxyDialer opens tunnels with HTTP CONNECT.
type httpProxyDialer struct {
	proxyURL *url.URL
	direct   *net.Dialer
}

// DialContext connects to addr through the proxy.
func (d *httpProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("HTTP CONNECT proxy only supports TCP, got: %s", network)
	}

	conn, err := d.direct.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		req.SetBasicAuth(d.proxyURL.User.Username(), password)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy returned non-200 status: %s", resp.Status)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}
