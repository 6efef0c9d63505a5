// Package mt defines the protocol's own constructors: the auth key exchange
// messages and the service messages the session layer exchanges with the
// server (acks, containers, salts, state requests, pings).
//
// Every type implements tl.Object; Encode writes the constructor id followed
// by the fields and Decode consumes both. DecodeService switches over the
// closed set of service constructors a session may receive.
package mt
