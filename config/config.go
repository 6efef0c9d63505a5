// Package config loads the engine configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/opd-ai/rpcwire/crypto"
	"github.com/opd-ai/rpcwire/transport"
)

const (
	defaultLogLevel             = "INFO"
	defaultTransport            = "tcp"
	defaultHandshakeStepTimeout = 10 * time.Second
	defaultHandshakeAttempts    = 5
	defaultDHRetries            = 3
	defaultRPCTimeout           = 30 * time.Second
	defaultAckBackoffBase       = time.Second
	defaultAckBackoffMax        = 30 * time.Second
	defaultMaxStateRequests     = 5
	defaultSaltGrace            = time.Minute
	defaultFutureSaltsLow       = 2
	defaultPingInterval         = time.Minute
	defaultDisconnectDelay      = 75 * time.Second
	defaultHTTPWait             = 25 * time.Second
	defaultFlushInterval        = 5 * time.Millisecond
)

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func fixDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func fixInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG", "TRACE":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// Endpoint names the server to talk to.
type Endpoint struct {
	// Address is host:port for tcp, or a URL or host:port for http.
	Address string

	// Transport is "tcp" or "http".
	Transport string

	// DC is the datacenter number sent during the handshake.
	DC int

	// PublicKeys are PEM encoded RSA keys the server may present.
	PublicKeys []string

	// PublicKeyFiles are paths to PEM files, read during validation.
	PublicKeyFiles []string
}

// Handshake tunes the auth key exchange.
type Handshake struct {
	// StepTimeout bounds the wait for each server reply.
	StepTimeout Duration

	// Attempts bounds the number of full restarts.
	Attempts int

	// DHRetries bounds dh_gen_retry rounds within one attempt.
	DHRetries int
}

// Session tunes the multiplexer.
type Session struct {
	// RPCTimeout applies to calls without a caller deadline.
	RPCTimeout Duration

	// AckBackoffBase is the first wait before asking about an unanswered
	// request. It doubles per state request up to AckBackoffMax.
	AckBackoffBase Duration
	AckBackoffMax  Duration

	// MaxStateRequests bounds msgs_state_req rounds per request.
	MaxStateRequests int

	// SaltGrace is how long an expired salt is still used when no newer
	// one is known.
	SaltGrace Duration

	// FutureSaltsLow triggers get_future_salts when fewer salts remain.
	FutureSaltsLow int

	// PingInterval is the idle time before a keepalive is sent.
	PingInterval Duration

	// DisconnectDelay is passed in ping_delay_disconnect.
	DisconnectDelay Duration

	// HTTPWait is max_wait for http_wait on polling transports.
	HTTPWait Duration

	// FlushInterval batches queued messages into one container.
	FlushInterval Duration
}

// Storage selects persistent state.
type Storage struct {
	// Path is a bbolt file. Empty keeps state in memory.
	Path string

	// Passphrase seals auth keys at rest.
	Passphrase string
}

// Metrics configures the Prometheus exporter of the command line tool.
type Metrics struct {
	// Address serves /metrics when set.
	Address string
}

// Config is the top level configuration.
type Config struct {
	Endpoint  *Endpoint
	Logging   *Logging
	Proxy     *transport.ProxyConfig
	Handshake *Handshake
	Session   *Session
	Storage   *Storage
	Metrics   *Metrics

	keys []*crypto.RSAPublicKey
}

// Keys returns the parsed server keys. Valid after FixupAndValidate.
func (c *Config) Keys() []*crypto.RSAPublicKey {
	return c.keys
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Endpoint == nil {
		return errors.New("config: No Endpoint block was present")
	}
	if c.Endpoint.Address == "" {
		return errors.New("config: Endpoint: Address is not set")
	}
	switch c.Endpoint.Transport {
	case "":
		c.Endpoint.Transport = defaultTransport
	case "tcp", "http":
	default:
		return fmt.Errorf("config: Endpoint: Transport '%v' is invalid", c.Endpoint.Transport)
	}

	c.keys = c.keys[:0]
	for i, p := range c.Endpoint.PublicKeys {
		k, err := crypto.ParseRSAPublicKeyPEM([]byte(p))
		if err != nil {
			return fmt.Errorf("config: Endpoint: PublicKeys[%d]: %w", i, err)
		}
		c.keys = append(c.keys, k)
	}
	for _, f := range c.Endpoint.PublicKeyFiles {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("config: Endpoint: %w", err)
		}
		k, err := crypto.ParseRSAPublicKeyPEM(b)
		if err != nil {
			return fmt.Errorf("config: Endpoint: %s: %w", f, err)
		}
		c.keys = append(c.keys, k)
	}
	if len(c.keys) == 0 {
		return errors.New("config: Endpoint: no server public keys")
	}

	if c.Proxy != nil {
		switch c.Proxy.Type {
		case "", "none":
			c.Proxy = nil
		case "socks5", "http":
			if c.Proxy.Address == "" {
				return errors.New("config: Proxy: Address is not set")
			}
		default:
			return fmt.Errorf("config: Proxy: Type '%v' is invalid", c.Proxy.Type)
		}
	}

	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Handshake == nil {
		c.Handshake = &Handshake{}
	}
	c.Handshake.fixup()
	if c.Session == nil {
		c.Session = &Session{}
	}
	c.Session.fixup()
	if c.Session.AckBackoffMax.Duration < c.Session.AckBackoffBase.Duration {
		return errors.New("config: Session: AckBackoffMax is below AckBackoffBase")
	}
	if c.Storage == nil {
		c.Storage = &Storage{}
	}
	if c.Storage.Path != "" && c.Storage.Passphrase == "" {
		return errors.New("config: Storage: a Passphrase is required with a Path")
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	return nil
}

func (h *Handshake) fixup() {
	fixDuration(&h.StepTimeout, defaultHandshakeStepTimeout)
	fixInt(&h.Attempts, defaultHandshakeAttempts)
	fixInt(&h.DHRetries, defaultDHRetries)
}

func (s *Session) fixup() {
	fixDuration(&s.RPCTimeout, defaultRPCTimeout)
	fixDuration(&s.AckBackoffBase, defaultAckBackoffBase)
	fixDuration(&s.AckBackoffMax, defaultAckBackoffMax)
	fixInt(&s.MaxStateRequests, defaultMaxStateRequests)
	fixDuration(&s.SaltGrace, defaultSaltGrace)
	fixInt(&s.FutureSaltsLow, defaultFutureSaltsLow)
	fixDuration(&s.PingInterval, defaultPingInterval)
	fixDuration(&s.DisconnectDelay, defaultDisconnectDelay)
	fixDuration(&s.HTTPWait, defaultHTTPWait)
	fixDuration(&s.FlushInterval, defaultFlushInterval)
}

// DefaultSession returns session settings with every default applied.
func DefaultSession() *Session {
	s := &Session{}
	s.fixup()
	return s
}

// DefaultHandshake returns handshake settings with every default applied.
func DefaultHandshake() *Handshake {
	h := &Handshake{}
	h.fixup()
	return h
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
