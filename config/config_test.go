package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
identity:
  label: alice
  privateKey: /keys/alice.key
  publicKey: /keys/alice.pub
server:
  url: wss://hub.example/ws
  preflightUrl: https://hub.example
  trustAnchor: /keys/hub.pub
handshake:
  mode: preflight
  challengeTimeout: 3s
  confirmTimeout: 1m30s
log:
  level: debug
  format: json
`

func clearEnv(t *testing.T) {
	for _, key := range []string{EnvServerURL, EnvPreflightURL, EnvIdentityLabel, EnvPassphrase, EnvLogLevel} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Identity.Label)
	assert.Equal(t, "/keys/alice.key", cfg.Identity.PrivateKeyPath)
	assert.Equal(t, "wss://hub.example/ws", cfg.Server.URL)
	assert.Equal(t, ModePreflight, cfg.EffectiveMode())
	assert.Equal(t, 3*time.Second, cfg.Handshake.ChallengeTimeout)
	assert.Equal(t, 90*time.Second, cfg.Handshake.ConfirmTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestDefaultsFillGaps(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "server:\n  url: ws://localhost:8080/ws\n"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Identity.Label, cfg.Identity.Label)
	assert.Equal(t, def.Handshake.ChallengeTimeout, cfg.Handshake.ChallengeTimeout)
	assert.Equal(t, ModeInBand, cfg.EffectiveMode())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvServerURL, "ws://override:1/ws")
	t.Setenv(EnvPreflightURL, "http://override:2")
	t.Setenv(EnvIdentityLabel, "bob")
	t.Setenv(EnvPassphrase, " secret ")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "ws://override:1/ws", cfg.Server.URL)
	assert.Equal(t, "http://override:2", cfg.Server.PreflightURL)
	assert.Equal(t, "bob", cfg.Identity.Label)
	assert.Equal(t, " secret ", cfg.Identity.Passphrase)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadWithoutFile(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	assert.ErrorIs(t, err, ErrInvalid, "no server URL configured")

	t.Setenv(EnvServerURL, "ws://localhost/ws")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost/ws", cfg.Server.URL)
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server:\n  url: ws://h/ws\n  bogus: 1\n"))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = Load(writeConfig(t, "server:\n  url: ws://h/ws\nhandshake:\n  challengeTimeout: soon\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Parse([]byte(sample))
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(c *Config){
		"empty label":         func(c *Config) { c.Identity.Label = "" },
		"same key paths":      func(c *Config) { c.Identity.PublicKeyPath = c.Identity.PrivateKeyPath },
		"missing key path":    func(c *Config) { c.Identity.PrivateKeyPath = "" },
		"http server url":     func(c *Config) { c.Server.URL = "http://hub.example/ws" },
		"no host":             func(c *Config) { c.Server.URL = "ws:///ws" },
		"ws preflight url":    func(c *Config) { c.Server.PreflightURL = "ws://hub.example" },
		"preflight needs url": func(c *Config) { c.Server.PreflightURL = "" },
		"unknown mode":        func(c *Config) { c.Handshake.Mode = "carrier-pigeon" },
		"zero timeout":        func(c *Config) { c.Handshake.ConfirmTimeout = 0 },
		"bad level":           func(c *Config) { c.Log.Level = "loud" },
		"bad format":          func(c *Config) { c.Log.Format = "xml" },
		"missing anchor":      func(c *Config) { c.Server.TrustAnchorPath = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "keys/a.key"), expandHome("~/keys/a.key"))
	assert.Equal(t, "/abs/a.key", expandHome("/abs/a.key"))
	assert.Equal(t, "rel/a.key", expandHome("rel/a.key"))
}
