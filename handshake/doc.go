// Package handshake runs the client side of the auth key exchange.
//
// The exchange walks a fixed sequence of states:
//
//	Init → ServerHelloReceived → DHParamsRequested → DHParamsReceived →
//	ClientKeyComputed → AuthKeyConfirmed
//
// Any failed check moves it to Failed. Each step waits at most
// Options.StepTimeout for the server; a failed attempt starts again from
// Init with fresh randomness, up to Options.Attempts times. Handshake
// messages travel in the plaintext envelope (auth key id zero).
//
// Coordinator makes concurrent callers for one endpoint share a single
// exchange.
package handshake
