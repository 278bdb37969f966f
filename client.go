package wicrsclient

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/opd-ai/wicrsclient/config"
	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/handshake"
	"github.com/opd-ai/wicrsclient/preflight"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/opd-ai/wicrsclient/trust"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Options contains what New needs beyond the configuration file.
type Options struct {
	// Config defaults to config.Default with environment overrides.
	Config *config.Config
	// Logger is configured from Config.Log. Nil gives the client its own
	// logger writing to stderr; the logrus standard logger is never touched.
	Logger *logrus.Logger
	// Registerer receives the handshake metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Dialer opens the socket. Defaults to a WebSocket dialer.
	Dialer transport.Dialer
	// OnTransition observes handshake state changes.
	OnTransition handshake.TransitionFunc
}

// NewOptions returns options holding the default configuration with
// environment overrides applied.
func NewOptions() *Options {
	cfg := config.Default()
	cfg.ApplyEnv()
	return &Options{Config: cfg}
}

// Client holds the long-term identity and the server's trust anchor and
// runs handshakes against that server.
type Client struct {
	cfg      *config.Config
	logger   *logrus.Logger
	identity *crypto.KeyPair
	anchor   *trust.Anchor
	protocol *handshake.Protocol
}

// New loads or creates the identity, loads the trust anchor and prepares
// the handshake. Both key components are established here, before any
// network traffic.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}
	cfg := options.Config
	if cfg == nil {
		cfg = NewOptions().Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if err := ConfigureLogger(logger, cfg.Log); err != nil {
		return nil, err
	}
	log := logger.WithFields(logrus.Fields{
		"function": "New",
		"package":  "wicrsclient",
	})

	var ksOpts []crypto.KeyStoreOption
	ksOpts = append(ksOpts, crypto.WithLogger(logger))
	if cfg.Identity.Passphrase != "" {
		ksOpts = append(ksOpts, crypto.WithPassphrase([]byte(cfg.Identity.Passphrase)))
	}
	ks := crypto.NewKeyStore(cfg.Identity.Label, cfg.Identity.PrivateKeyPath, cfg.Identity.PublicKeyPath, ksOpts...)
	identity, err := ks.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	anchor, err := trust.LoadFile(cfg.Server.TrustAnchorPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchor: %w", err)
	}

	var metrics *handshake.Metrics
	if options.Registerer != nil {
		if metrics, err = handshake.NewMetrics(options.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	dialer := options.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(logger)
	}

	var strategy handshake.Strategy
	switch cfg.EffectiveMode() {
	case config.ModePreflight:
		strategy = &handshake.Preflight{
			Client: preflight.NewClient(cfg.Server.PreflightURL, logger),
			Dialer: dialer,
			URL:    cfg.Server.URL,
		}
	default:
		strategy = &handshake.InBand{Dialer: dialer, URL: cfg.Server.URL}
	}

	protocol, err := handshake.New(handshake.Config{
		Identity:         identity,
		Anchor:           anchor,
		Strategy:         strategy,
		ChallengeTimeout: cfg.Handshake.ChallengeTimeout,
		ConfirmTimeout:   cfg.Handshake.ConfirmTimeout,
		Logger:           logger,
		Metrics:          metrics,
		OnTransition:     options.OnTransition,
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"fingerprint": identity.Fingerprint().String(),
		"server":      anchor.Fingerprint().String(),
		"mode":        cfg.EffectiveMode(),
	}).Info("Client ready")

	return &Client{
		cfg:      cfg,
		logger:   logger,
		identity: identity,
		anchor:   anchor,
		protocol: protocol,
	}, nil
}

// Connect runs one handshake. Failures are *handshake.Error; callers decide
// whether to retry using Retryable.
func (c *Client) Connect(ctx context.Context) (*handshake.Session, error) {
	return c.protocol.Run(ctx)
}

// Identity returns the local public identity.
func (c *Client) Identity() crypto.PublicIdentity { return c.identity.Identity() }

// Fingerprint returns the local fingerprint.
func (c *Client) Fingerprint() crypto.Fingerprint { return c.identity.Fingerprint() }

// ServerIdentity returns the identity the server must prove.
func (c *Client) ServerIdentity() crypto.PublicIdentity { return c.anchor.Identity() }

// Logger returns the logger the client and its handshakes write to.
func (c *Client) Logger() *logrus.Logger { return c.logger }

// Config returns the configuration in use.
func (c *Client) Config() *config.Config { return c.cfg }

// ExportPublicKey returns the armored public key to hand to the server
// operator.
func (c *Client) ExportPublicKey() (string, error) {
	return crypto.MarshalPublicKey(c.identity)
}

// ConfigureLogger applies level and format to logger.
func ConfigureLogger(logger *logrus.Logger, cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("%w: log level: %v", config.ErrInvalid, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("%w: log format %q", config.ErrInvalid, cfg.Format)
	}
	if logger.Out == nil {
		logger.SetOutput(os.Stderr)
	}
	return nil
}

// IsRetryable reports whether err is a handshake failure worth retrying.
func IsRetryable(err error) bool {
	var herr *handshake.Error
	return errors.As(err, &herr) && herr.Retryable()
}
