package crypto

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyStoreIo indicates a filesystem failure while loading or persisting keys.
	ErrKeyStoreIo = errors.New("key store i/o failure")

	// ErrKeyStoreCorrupt indicates a persisted key file exists but is unusable.
	ErrKeyStoreCorrupt = errors.New("key store corrupt")

	// ErrKeyStoreLocked indicates the private key is sealed and the
	// passphrase is missing or wrong.
	ErrKeyStoreLocked = errors.New("key store locked")

	// ErrKeyFileMalformed indicates armored key text does not parse.
	ErrKeyFileMalformed = errors.New("malformed key file")

	// ErrPassphraseRequired indicates a sealed private key was opened without a passphrase.
	ErrPassphraseRequired = errors.New("passphrase required")

	// ErrWrongPassphrase indicates a sealed private key failed authentication.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key")
)

// KeyStoreErrorKind classifies a KeyStoreError.
type KeyStoreErrorKind int

const (
	// KeyStoreIo covers missing directories, permission errors and failed writes.
	KeyStoreIo KeyStoreErrorKind = iota
	// KeyStoreCorrupt covers unparsable files and mismatched key pairs.
	KeyStoreCorrupt
	// KeyStoreLocked covers a sealed private key that could not be opened.
	KeyStoreLocked
)

// String returns the name of the kind.
func (k KeyStoreErrorKind) String() string {
	switch k {
	case KeyStoreIo:
		return "io"
	case KeyStoreCorrupt:
		return "corrupt"
	case KeyStoreLocked:
		return "locked"
	default:
		return fmt.Sprintf("KeyStoreErrorKind(%d)", int(k))
	}
}

// KeyStoreError reports why LoadOrCreate failed and which file was involved.
type KeyStoreError struct {
	Kind KeyStoreErrorKind
	Path string
	Err  error
}

func (e *KeyStoreError) Error() string {
	return fmt.Sprintf("key store %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *KeyStoreError) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can use errors.Is.
func (e *KeyStoreError) Is(target error) bool {
	switch target {
	case ErrKeyStoreIo:
		return e.Kind == KeyStoreIo
	case ErrKeyStoreCorrupt:
		return e.Kind == KeyStoreCorrupt
	case ErrKeyStoreLocked:
		return e.Kind == KeyStoreLocked
	}
	return false
}

func ioError(path string, err error) error {
	return &KeyStoreError{Kind: KeyStoreIo, Path: path, Err: err}
}

func corruptError(path string, err error) error {
	return &KeyStoreError{Kind: KeyStoreCorrupt, Path: path, Err: err}
}
