package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wicrsclient/limits"
)

const (
	privateKeyMode = 0o600
	publicKeyMode  = 0o644
	keyDirMode     = 0o700
)

// pathLocks serializes first-run generation per private key path within
// the process. Across processes the hard-link publish in createPrivate
// decides the winner.
var pathLocks sync.Map

func lockPath(path string) func() {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	v, _ := pathLocks.LoadOrStore(abs, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// KeyStore loads the long-term key pair from its two files, or generates and
// persists one on first run.
type KeyStore struct {
	label       string
	privatePath string
	publicPath  string
	passphrase  []byte
	logger      *logrus.Logger
	random      io.Reader
	timeSource  TimeProvider
}

// KeyStoreOption configures a KeyStore.
type KeyStoreOption func(*KeyStore)

// WithPassphrase seals newly written private keys and opens sealed ones.
func WithPassphrase(passphrase []byte) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.passphrase = append([]byte(nil), passphrase...)
	}
}

// WithLogger sets the logger. The logrus standard logger is used by default.
func WithLogger(logger *logrus.Logger) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.logger = logger
	}
}

// WithTimeProvider sets the clock used to stamp generated keys.
func WithTimeProvider(tp TimeProvider) KeyStoreOption {
	return func(ks *KeyStore) {
		ks.timeSource = tp
	}
}

// NewKeyStore creates a key store for the given label and file paths.
func NewKeyStore(label, privatePath, publicPath string, opts ...KeyStoreOption) *KeyStore {
	ks := &KeyStore{
		label:       label,
		privatePath: privatePath,
		publicPath:  publicPath,
		logger:      logrus.StandardLogger(),
		random:      rand.Reader,
	}
	for _, opt := range opts {
		opt(ks)
	}
	if ks.timeSource == nil {
		ks.timeSource = defaultTimeProvider
	}
	return ks
}

// LoadOrCreate is shorthand for NewKeyStore(label, privatePath, publicPath).LoadOrCreate().
func LoadOrCreate(label, privatePath, publicPath string) (*KeyPair, error) {
	return NewKeyStore(label, privatePath, publicPath).LoadOrCreate()
}

// LoadOrCreate returns the persisted key pair, generating it on first run.
//
// A file that exists but does not parse, a public key that does not match
// the private key, and a public key without its private key are all
// reported as corrupt. The store never replaces an existing identity.
// A missing public key next to a valid private key is re-derived.
func (ks *KeyStore) LoadOrCreate() (*KeyPair, error) {
	log := NewLogger("LoadOrCreate").Using(ks.logger).WithFields(logrus.Fields{
		"private_path": ks.privatePath,
		"public_path":  ks.publicPath,
	})
	log.Entry("loading identity")
	defer log.Exit()

	if err := limits.ValidateLabel(ks.label); err != nil {
		return nil, fmt.Errorf("invalid identity label: %w", err)
	}

	unlock := lockPath(ks.privatePath)
	defer unlock()

	kp, err := ks.load()
	if err == nil {
		log.WithFingerprint("fingerprint", kp.Fingerprint()).Debug("Loaded existing identity")
		return kp, nil
	}
	if !errors.Is(err, errNoIdentity) {
		log.WithError(err, fmt.Sprintf("%T", err), "load").Error("Failed to load identity")
		return nil, err
	}

	kp, err = ks.create()
	if err != nil {
		log.WithError(err, fmt.Sprintf("%T", err), "create").Error("Failed to create identity")
		return nil, err
	}
	return kp, nil
}

var errNoIdentity = errors.New("no persisted identity")

func (ks *KeyStore) load() (*KeyPair, error) {
	privText, privExists, err := readKeyFile(ks.privatePath)
	if err != nil {
		return nil, err
	}
	pubText, pubExists, err := readKeyFile(ks.publicPath)
	if err != nil {
		return nil, err
	}

	if !privExists {
		if pubExists {
			return nil, corruptError(ks.privatePath, errors.New("public key present without private key"))
		}
		return nil, errNoIdentity
	}

	kp, err := ParsePrivateKey(privText, ks.passphrase)
	switch {
	case errors.Is(err, ErrPassphraseRequired), errors.Is(err, ErrWrongPassphrase):
		return nil, &KeyStoreError{Kind: KeyStoreLocked, Path: ks.privatePath, Err: err}
	case err != nil:
		return nil, corruptError(ks.privatePath, err)
	}

	if !pubExists {
		NewLogger("load").Using(ks.logger).
			WithField("public_path", ks.publicPath).
			WithFingerprint("fingerprint", kp.Fingerprint()).
			Warn("Public key missing, re-deriving from private key")
		if err := ks.writePublic(kp); err != nil {
			return nil, err
		}
		return kp, nil
	}

	pub, err := ParsePublicKey(pubText)
	if err != nil {
		return nil, corruptError(ks.publicPath, err)
	}
	if !pub.Fingerprint.Equal(kp.Fingerprint()) {
		return nil, corruptError(ks.publicPath, fmt.Errorf("public key %s does not match private key %s",
			pub.Fingerprint.Short(), kp.Fingerprint().Short()))
	}
	return kp, nil
}

func (ks *KeyStore) create() (*KeyPair, error) {
	kp, err := generateKeyPair(ks.random, ks.label, ks.timeSource.Now())
	if err != nil {
		return nil, &KeyStoreError{Kind: KeyStoreIo, Path: ks.privatePath, Err: err}
	}

	won, err := ks.createPrivate(kp)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another process published a key first; adopt it.
		return ks.load()
	}

	if err := ks.writePublic(kp); err != nil {
		return nil, err
	}

	NewLogger("create").Using(ks.logger).
		WithField("label", kp.Label).
		WithFingerprint("fingerprint", kp.Fingerprint()).
		Info("Generated new identity")
	return kp, nil
}

// createPrivate writes the private key to a temporary file and hard-links it
// into place, which fails if the target already exists. It reports false
// when another writer got there first.
func (ks *KeyStore) createPrivate(kp *KeyPair) (bool, error) {
	text, err := MarshalPrivateKey(kp, ks.passphrase)
	if err != nil {
		return false, &KeyStoreError{Kind: KeyStoreIo, Path: ks.privatePath, Err: err}
	}

	tmp, err := writeTemp(ks.privatePath, text, privateKeyMode)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, ks.privatePath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, ioError(ks.privatePath, fmt.Errorf("failed to publish private key: %w", err))
	}
	return true, nil
}

// writePublic replaces the public key file atomically.
func (ks *KeyStore) writePublic(kp *KeyPair) error {
	text, err := MarshalPublicKey(kp)
	if err != nil {
		return &KeyStoreError{Kind: KeyStoreIo, Path: ks.publicPath, Err: err}
	}

	tmp, err := writeTemp(ks.publicPath, text, publicKeyMode)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, ks.publicPath); err != nil {
		os.Remove(tmp)
		return ioError(ks.publicPath, fmt.Errorf("failed to rename public key: %w", err))
	}
	return nil
}

// writeTemp writes text plus a trailing newline to a new temporary file next
// to path, creating parent directories as needed.
func writeTemp(path, text string, mode os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, keyDirMode); err != nil {
		return "", ioError(path, fmt.Errorf("failed to create key directory: %w", err))
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", ioError(path, fmt.Errorf("failed to create temporary file: %w", err))
	}
	name := f.Name()

	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(name)
		return "", ioError(path, err)
	}

	if err := f.Chmod(mode); err != nil {
		return fail(fmt.Errorf("failed to set key file mode: %w", err))
	}
	if _, err := io.WriteString(f, text+"\n"); err != nil {
		return fail(fmt.Errorf("failed to write key file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync key file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", ioError(path, fmt.Errorf("failed to close key file: %w", err))
	}
	return name, nil
}

// readKeyFile reads a key file, reporting whether it exists.
func readKeyFile(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ioError(path, fmt.Errorf("failed to read key file: %w", err))
	}
	if err := limits.ValidateKeyFile(data); err != nil {
		return "", true, corruptError(path, err)
	}
	return string(data), true, nil
}
