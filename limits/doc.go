// Package limits provides centralized size constants, validation functions and
// a per-key rate limiter for the handshake core.
//
// # Size Hierarchy
//
//   - MaxPayload (4096 bytes): the largest payload a signed envelope carries.
//   - MaxEnvelopeBody: MaxPayload plus the fixed envelope fields.
//   - MaxWireText (8192 bytes): the armored text form of an envelope, checked
//     before any decoding of untrusted input.
//   - MaxKeyFile (8192 bytes): armored key files read at startup.
//
// Each validation function checks for empty input and size violations and
// returns ErrMessageEmpty or an error wrapping ErrMessageTooLarge:
//
//	if err := limits.ValidateWireText(text); err != nil {
//	    return err
//	}
//
// # Rate Limiting
//
// MapLimiter is a token bucket per key built on golang.org/x/time/rate. The
// responder uses the claimed fingerprint header as the key, before any
// cryptographic work is done for the connection.
package limits
