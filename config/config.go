// Package config loads client settings from YAML with environment
// overrides.
//
// Load starts from Default, overlays the YAML file if one is given, applies
// WICRS_* environment variables and validates the result. Durations are
// written as Go duration strings ("10s", "1m30s").
//
//	identity:
//	  label: alice
//	  privateKey: ~/.config/wicrs/identity.key
//	  publicKey: ~/.config/wicrs/identity.pub
//	server:
//	  url: wss://hub.example/ws
//	  preflightUrl: https://hub.example
//	  trustAnchor: ~/.config/wicrs/hub.pub
//	handshake:
//	  mode: preflight
//	  challengeTimeout: 10s
//	  confirmTimeout: 10s
//	log:
//	  level: info
//	  format: text
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opd-ai/wicrsclient/limits"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Environment variables applied after the file.
const (
	EnvServerURL     = "WICRS_SERVER_URL"
	EnvPreflightURL  = "WICRS_PREFLIGHT_URL"
	EnvIdentityLabel = "WICRS_IDENTITY_LABEL"
	EnvPassphrase    = "WICRS_KEY_PASSPHRASE"
	EnvLogLevel      = "WICRS_LOG_LEVEL"
)

// Handshake modes.
const (
	ModeAuto      = ""
	ModeInBand    = "in-band"
	ModePreflight = "preflight"
)

// ErrInvalid indicates a configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete client configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Server    ServerConfig    `yaml:"server"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Log       LogConfig       `yaml:"log"`
}

// IdentityConfig locates the long-term key pair.
type IdentityConfig struct {
	Label          string `yaml:"label"`
	PrivateKeyPath string `yaml:"privateKey"`
	PublicKeyPath  string `yaml:"publicKey"`
	// Passphrase seals the private key file. Prefer WICRS_KEY_PASSPHRASE
	// over writing it into the file.
	Passphrase string `yaml:"passphrase"`
}

// ServerConfig names the server and the key it must prove.
type ServerConfig struct {
	// URL is the WebSocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`
	// PreflightURL is the HTTP(S) origin of the pre-flight endpoint.
	PreflightURL string `yaml:"preflightUrl"`
	// TrustAnchorPath is the server's armored public key.
	TrustAnchorPath string `yaml:"trustAnchor"`
}

// HandshakeConfig tunes the handshake.
type HandshakeConfig struct {
	// Mode is in-band, preflight or empty to use preflight whenever a
	// pre-flight URL is configured.
	Mode             string        `yaml:"mode"`
	ChallengeTimeout time.Duration `yaml:"challengeTimeout"`
	ConfirmTimeout   time.Duration `yaml:"confirmTimeout"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration. Key files live under the
// user's configuration directory.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		Identity: IdentityConfig{
			Label:          "wicrs-client",
			PrivateKeyPath: filepath.Join(dir, "identity.key"),
			PublicKeyPath:  filepath.Join(dir, "identity.pub"),
		},
		Server: ServerConfig{
			TrustAnchorPath: filepath.Join(dir, "server.pub"),
		},
		Handshake: HandshakeConfig{
			Mode:             ModeAuto,
			ChallengeTimeout: 10 * time.Second,
			ConfirmTimeout:   10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultDir returns the directory holding key files by default.
func DefaultDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".wicrs"
	}
	return filepath.Join(base, "wicrs")
}

// Load reads path (skipped when empty), applies the environment and
// validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML data on the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// ApplyEnv overrides fields from WICRS_* variables that are set and non-empty.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.URL, EnvServerURL)
	set(&c.Server.PreflightURL, EnvPreflightURL)
	set(&c.Identity.Label, EnvIdentityLabel)
	set(&c.Log.Level, EnvLogLevel)
	// Passphrases may legitimately start or end with spaces.
	if v, ok := os.LookupEnv(EnvPassphrase); ok && v != "" {
		c.Identity.Passphrase = v
	}
}

func (c *Config) expandPaths() {
	c.Identity.PrivateKeyPath = expandHome(c.Identity.PrivateKeyPath)
	c.Identity.PublicKeyPath = expandHome(c.Identity.PublicKeyPath)
	c.Server.TrustAnchorPath = expandHome(c.Server.TrustAnchorPath)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// EffectiveMode resolves ModeAuto.
func (c *Config) EffectiveMode() string {
	if c.Handshake.Mode != ModeAuto {
		return c.Handshake.Mode
	}
	if c.Server.PreflightURL != "" {
		return ModePreflight
	}
	return ModeInBand
}

// Validate reports the first problem found, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.Label) == "" {
		return invalid("identity.label is required")
	}
	if err := limits.ValidateLabel(c.Identity.Label); err != nil {
		return invalid("identity.label: %v", err)
	}
	if c.Identity.PrivateKeyPath == "" || c.Identity.PublicKeyPath == "" {
		return invalid("identity key paths are required")
	}
	if c.Identity.PrivateKeyPath == c.Identity.PublicKeyPath {
		return invalid("identity.privateKey and identity.publicKey must differ")
	}

	if err := checkURL(c.Server.URL, "ws", "wss"); err != nil {
		return invalid("server.url: %v", err)
	}
	if c.Server.PreflightURL != "" {
		if err := checkURL(c.Server.PreflightURL, "http", "https"); err != nil {
			return invalid("server.preflightUrl: %v", err)
		}
	}
	if c.Server.TrustAnchorPath == "" {
		return invalid("server.trustAnchor is required")
	}

	switch c.Handshake.Mode {
	case ModeAuto, ModeInBand:
	case ModePreflight:
		if c.Server.PreflightURL == "" {
			return invalid("handshake.mode %q needs server.preflightUrl", ModePreflight)
		}
	default:
		return invalid("handshake.mode %q is not one of %q, %q", c.Handshake.Mode, ModeInBand, ModePreflight)
	}
	if c.Handshake.ChallengeTimeout <= 0 || c.Handshake.ConfirmTimeout <= 0 {
		return invalid("handshake timeouts must be positive")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format %q is not text or json", c.Log.Format)
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme %q is not one of %v", u.Scheme, schemes)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
