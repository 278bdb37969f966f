package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Sign creates an Ed25519 signature for a message using the key pair.
// Ed25519 signatures are deterministic: the same key and message always
// yield the same signature.
func Sign(message []byte, kp *KeyPair) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if kp == nil || len(kp.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("signing key unavailable")
	}
	return ed25519.Sign(kp.Private, message), nil
}

// Verify checks if a signature is valid for a message and public key.
// A malformed key or signature is reported as an error, a well-formed but
// wrong signature as false.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: got %d, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if len(signature) != SignatureSize {
		return false, fmt.Errorf("invalid signature size: got %d, want %d", len(signature), SignatureSize)
	}
	return ed25519.Verify(publicKey, message, signature), nil
}
