package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPayload is the largest payload a signed envelope may carry.
	// Handshake payloads are a few hundred bytes; the headroom allows
	// small application-defined extensions.
	MaxPayload = 4096

	// EnvelopeOverhead bounds the non-payload bytes of an envelope body:
	// field tags, version, kind, the 32-byte signer key and 64-byte signature.
	EnvelopeOverhead = 256

	// MaxEnvelopeBody is the maximum size of a binary envelope body.
	MaxEnvelopeBody = MaxPayload + EnvelopeOverhead

	// MaxWireText is the maximum size of an armored envelope.
	// Base64 expands MaxEnvelopeBody by 4/3, plus line breaks, checksum and armor lines.
	MaxWireText = 8192

	// MaxKeyFile is the maximum size of an armored key file.
	MaxKeyFile = 8192

	// MaxLabel is the maximum length of an identity label.
	MaxLabel = 256

	// MaxHeaderValue bounds identifying header values such as the claimed fingerprint.
	MaxHeaderValue = 128
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayload validates an envelope payload against MaxPayload.
// Empty payloads are rejected: every handshake step signs something.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPayload)
	}
	return nil
}

// ValidateWireText validates an armored envelope against MaxWireText.
// This must run before any decoding of untrusted input.
func ValidateWireText(text string) error {
	if len(text) == 0 {
		return ErrMessageEmpty
	}
	if len(text) > MaxWireText {
		return fmt.Errorf("%w: wire text size %d exceeds limit %d", ErrMessageTooLarge, len(text), MaxWireText)
	}
	return nil
}

// ValidateKeyFile validates the raw content of a key file against MaxKeyFile.
func ValidateKeyFile(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxKeyFile {
		return fmt.Errorf("%w: key file size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxKeyFile)
	}
	return nil
}

// ValidateLabel validates an identity label. Empty labels are allowed.
func ValidateLabel(label string) error {
	if len(label) > MaxLabel {
		return fmt.Errorf("%w: label length %d exceeds limit %d", ErrMessageTooLarge, len(label), MaxLabel)
	}
	return nil
}

// ValidateHeaderValue validates an identifying header value received before authentication.
func ValidateHeaderValue(value string) error {
	if len(value) == 0 {
		return ErrMessageEmpty
	}
	if len(value) > MaxHeaderValue {
		return fmt.Errorf("%w: header value length %d exceeds limit %d", ErrMessageTooLarge, len(value), MaxHeaderValue)
	}
	return nil
}
