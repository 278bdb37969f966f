package preflight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opd-ai/wicrsclient/limits"
	"github.com/sirupsen/logrus"
)

// Path is the endpoint path below the base URL.
const Path = "/v1/handshake/one-time-key"

// ContentType is used for requests and responses.
const ContentType = "text/plain; charset=utf-8"

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 10 * time.Second

// Client requests one-time keys.
type Client struct {
	// BaseURL is the server's HTTP(S) origin, e.g. "https://hub.example".
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// NewClient returns a client for baseURL using a dedicated http.Client.
func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		Logger:     logger,
	}
}

// Endpoint returns the full request URL.
func (c *Client) Endpoint() string {
	return strings.TrimRight(c.BaseURL, "/") + Path
}

// RequestKey posts an armored key-request and returns the armored answer.
// A non-200 answer is returned as *StatusError.
func (c *Client) RequestKey(ctx context.Context, requestText string) (string, error) {
	if err := limits.ValidateWireText(requestText); err != nil {
		return "", fmt.Errorf("invalid key request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), strings.NewReader(requestText))
	if err != nil {
		return "", fmt.Errorf("failed to build pre-flight request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	log := c.logger().WithFields(logrus.Fields{
		"function": "RequestKey",
		"package":  "preflight",
		"endpoint": c.Endpoint(),
	})
	log.Debug("Requesting one-time key")

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		log.WithError(err).Debug("Pre-flight request failed")
		return "", fmt.Errorf("pre-flight request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxWireText+1))
	if err != nil {
		return "", fmt.Errorf("failed to read pre-flight response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.WithField("status", resp.StatusCode).Warn("Pre-flight request rejected")
		return "", &StatusError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body[:min(len(body), 256)])),
		}
	}

	text := string(body)
	if err := limits.ValidateWireText(text); err != nil {
		return "", fmt.Errorf("invalid pre-flight response: %w", err)
	}
	return text, nil
}

func (c *Client) logger() *logrus.Logger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
