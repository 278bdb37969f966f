package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase key derivation.
	PBKDF2Iterations = 100000
	// SealVersion is the current sealed-key format version.
	SealVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	sealNonceSize = 12
	sealTagSize   = 16
	sealHeader    = 2 + SaltSize + sealNonceSize
)

// sealAAD binds sealed blobs to their purpose.
var sealAAD = []byte("wicrs-private-key-v1")

// SealSecret encrypts secret under a key derived from passphrase.
// Format: [version:2][salt:32][nonce:12][ciphertext+tag]
func SealSecret(secret, passphrase []byte) ([]byte, error) {
	return sealSecret(rand.Reader, secret, passphrase)
}

func sealSecret(random io.Reader, secret, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}

	out := make([]byte, sealHeader, sealHeader+len(secret)+sealTagSize)
	binary.BigEndian.PutUint16(out[0:2], SealVersion)
	salt := out[2 : 2+SaltSize]
	nonce := out[2+SaltSize : sealHeader]
	if _, err := io.ReadFull(random, out[2:sealHeader]); err != nil {
		return nil, fmt.Errorf("failed to generate salt and nonce: %w", err)
	}

	gcm, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(out, nonce, secret, sealAAD), nil
}

// OpenSecret reverses SealSecret. A wrong passphrase and a damaged blob are
// indistinguishable and both yield ErrWrongPassphrase.
func OpenSecret(sealed, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrPassphraseRequired
	}
	if len(sealed) < sealHeader+sealTagSize {
		return nil, fmt.Errorf("%w: sealed key too short: %d bytes", ErrKeyFileMalformed, len(sealed))
	}
	if v := binary.BigEndian.Uint16(sealed[0:2]); v != SealVersion {
		return nil, fmt.Errorf("%w: unsupported seal version %d", ErrKeyFileMalformed, v)
	}

	salt := sealed[2 : 2+SaltSize]
	nonce := sealed[2+SaltSize : sealHeader]

	gcm, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed[sealHeader:], sealAAD)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

func passphraseAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	defer ZeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
