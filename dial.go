package rpcwire

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rpcwire/config"
	"github.com/opd-ai/rpcwire/metrics"
	"github.com/opd-ai/rpcwire/storage"
	"github.com/opd-ai/rpcwire/tl/schema"
	"github.com/opd-ai/rpcwire/transport"
)

// EndpointKey names the persisted state of an endpoint.
func EndpointKey(ep *config.Endpoint) string {
	return fmt.Sprintf("%s/%s/%d", ep.Transport, ep.Address, ep.DC)
}

// OpenStore opens the store selected by cfg: a bbolt file when a path is
// set, memory otherwise.
func OpenStore(cfg *config.Storage) (storage.Store, error) {
	if cfg == nil || cfg.Path == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenBolt(cfg.Path, []byte(cfg.Passphrase))
}

// DialTransport connects the transport selected by cfg.
func DialTransport(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	switch cfg.Endpoint.Transport {
	case "http":
		hc, err := transport.NewHTTPClient(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTPTransport(cfg.Endpoint.Address, hc), nil
	default:
		return transport.DialTCP(ctx, cfg.Endpoint.Address, transport.TCPOptions{Proxy: cfg.Proxy})
	}
}

// Dial builds a Client from a validated configuration. Metrics are
// registered on reg unless it is nil. The returned Client owns the
// transport and the store.
func Dial(ctx context.Context, cfg *config.Config, s *schema.Schema, reg prometheus.Registerer) (*Client, error) {
	var m *metrics.Metrics
	if reg != nil {
		var err error
		if m, err = metrics.New(reg); err != nil {
			return nil, err
		}
	}
	store, err := OpenStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	tr, err := DialTransport(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	c, err := New(Options{
		Endpoint:  EndpointKey(cfg.Endpoint),
		Transport: tr,
		Keys:      cfg.Keys(),
		DC:        int32(cfg.Endpoint.DC),
		Schema:    s,
		Handshake: cfg.Handshake,
		Session:   cfg.Session,
		Store:     store,
		Metrics:   m,
	})
	if err != nil {
		tr.Close()
		store.Close()
		return nil, err
	}
	c.ownStore = true
	logrus.WithFields(logrus.Fields{
		"function":  "Dial",
		"address":   cfg.Endpoint.Address,
		"transport": cfg.Endpoint.Transport,
	}).Info("Client created")
	return c, nil
}
