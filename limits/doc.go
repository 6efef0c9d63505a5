// Package limits provides centralized size constants and validation functions
// for the wire protocol. Every layer that accepts untrusted bytes checks them
// against these limits before allocating.
//
// # Size Hierarchy
//
//   - MaxMessageBody (1 MiB): largest serialized body of a single message.
//   - MaxContainerBytes (32 KiB) / MaxContainerMessages (1020): bounds for
//     packing several small messages into one container. Larger messages are
//     always sent alone.
//   - MaxFrameSize (16 MiB): absolute maximum for one transport frame. This
//     prevents memory exhaustion from a hostile length prefix.
//
// # Padding
//
// Encrypted payloads carry MinPadding..MaxPadding random bytes so that the
// total is a multiple of BlockSize. Encoder and decoder enforce the same bounds.
//
//	err := limits.ValidateMessageBody(body)
//	if err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
package limits
