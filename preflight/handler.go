package preflight

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/opd-ai/wicrsclient/limits"
	"github.com/sirupsen/logrus"
)

// Issuer answers key requests. Errors should wrap ErrBadRequest,
// ErrUnauthorized or ErrRateLimited; anything else becomes a 500.
type Issuer interface {
	IssueOneTimeKey(ctx context.Context, remote, requestText string) (string, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, remote, requestText string) (string, error)

// IssueOneTimeKey calls f.
func (f IssuerFunc) IssueOneTimeKey(ctx context.Context, remote, requestText string) (string, error) {
	return f(ctx, remote, requestText)
}

// Handler serves the pre-flight endpoint. Mount it at Path.
type Handler struct {
	Issuer Issuer
	Logger *logrus.Logger
}

// NewHandler returns a handler for issuer.
func NewHandler(issuer Issuer, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{Issuer: issuer, Logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := h.Logger.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"package":  "preflight",
		"remote":   r.RemoteAddr,
	})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limits.MaxWireText))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	answer, err := h.Issuer.IssueOneTimeKey(r.Context(), remote, string(body))
	if err != nil {
		status := statusFor(err)
		entry := log.WithError(err).WithField("status", status)
		if status == http.StatusInternalServerError {
			entry.Error("Failed to issue one-time key")
			http.Error(w, "internal error", status)
			return
		}
		entry.Info("Rejected pre-flight request")
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, answer); err != nil {
		log.WithError(err).Debug("Failed to write pre-flight response")
	}
}
