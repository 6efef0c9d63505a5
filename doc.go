// Package rpcwire is a client for an encrypted, multiplexed RPC protocol.
//
// A Client negotiates an auth key with the server through a Diffie-Hellman
// exchange authenticated by the server's RSA key, then runs an encrypted
// session over one transport. Calls are described by a TL schema: method
// arguments are encoded into the binary wire format, sent as content
// messages, and their results decoded back into schema values.
//
// # Getting Started
//
//	cfg, err := config.LoadFile("rpcwire.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := schema.Parse(strings.NewReader(apiSchema))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := rpcwire.Dial(ctx, cfg, s, prometheus.DefaultRegisterer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	user, err := client.Invoke(ctx, "users.getUser", map[string]schema.Value{
//	    "id": schema.Long(42),
//	}, rpcwire.InvokeOptions{})
//
// # Sessions
//
// Concurrent calls share one session. Messages queued close together are
// packed into a container, acknowledged, and resent when the server reports
// them lost or asks for a new salt. The session survives transport failures
// by reconnecting and resending everything not yet answered. When the server
// forgets the auth key the Client negotiates a new one and retries the call
// once.
//
// # Server Pushes
//
// Messages that answer no request are decoded against the schema and passed
// to every sink registered with Subscribe:
//
//	cancel := client.Subscribe(func(ev rpcwire.Event) {
//	    fmt.Println(ev.MsgID, ev.Value)
//	})
//	defer cancel()
//
// # Persistence
//
// The auth key, the known salts and the highest message id used are kept
// in a storage.Store keyed by endpoint, so a restarted client resumes
// without a new key exchange and never reuses a message id.
//
// # Transports
//
// The transport package provides a TCP transport using the intermediate
// framing (optionally through a SOCKS5 or HTTP CONNECT proxy), an HTTP
// polling transport, and an in-memory pipe for tests.
package rpcwire
