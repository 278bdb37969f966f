package handshake

import (
	"errors"
	"fmt"
)

// Reason classifies why a handshake failed.
type Reason uint8

const (
	// ReasonTransportClosed: the connection closed or could not be opened.
	ReasonTransportClosed Reason = iota + 1
	// ReasonTimeout: the peer did not answer in time.
	ReasonTimeout
	// ReasonMalformed: a message did not decode or had the wrong kind.
	ReasonMalformed
	// ReasonServerIdentityRejected: a server message failed anchor verification.
	ReasonServerIdentityRejected
	// ReasonServerRejectedClient: the server sent a verified rejection.
	ReasonServerRejectedClient
	// ReasonCancelled: the caller's context was cancelled.
	ReasonCancelled
	// ReasonLocal: a local precondition failed, such as entropy.
	ReasonLocal

	// ReasonClientIdentityRejected: the client's signature or claim was wrong.
	ReasonClientIdentityRejected
	// ReasonReplayDetected: the token was unknown, stale or already used.
	ReasonReplayDetected
	// ReasonRateLimited: the client exceeded its attempt budget.
	ReasonRateLimited
	// ReasonUnauthorized: the client is valid but not allowed in.
	ReasonUnauthorized
)

var reasonNames = map[Reason]string{
	ReasonTransportClosed:        "transport closed",
	ReasonTimeout:                "timeout",
	ReasonMalformed:              "malformed message",
	ReasonServerIdentityRejected: "server identity rejected",
	ReasonServerRejectedClient:   "server rejected client",
	ReasonCancelled:              "cancelled",
	ReasonLocal:                  "local failure",
	ReasonClientIdentityRejected: "client identity rejected",
	ReasonReplayDetected:         "replay detected",
	ReasonRateLimited:            "rate limited",
	ReasonUnauthorized:           "unauthorized",
}

// String returns a short description of the reason.
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// label is the metrics label for r.
func (r Reason) label() string {
	switch r {
	case ReasonTransportClosed:
		return "transport_closed"
	case ReasonTimeout:
		return "timeout"
	case ReasonMalformed:
		return "malformed"
	case ReasonServerIdentityRejected:
		return "server_identity_rejected"
	case ReasonServerRejectedClient:
		return "server_rejected_client"
	case ReasonCancelled:
		return "cancelled"
	case ReasonLocal:
		return "local"
	case ReasonClientIdentityRejected:
		return "client_identity_rejected"
	case ReasonReplayDetected:
		return "replay_detected"
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonUnauthorized:
		return "unauthorized"
	}
	return "unknown"
}

// Error is a failed handshake attempt.
type Error struct {
	Reason Reason
	// State is where the attempt was when it failed.
	State State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handshake failed in %s: %s", e.State, e.Reason)
	}
	return fmt.Sprintf("handshake failed in %s: %s: %v", e.State, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Reason, so callers can write
// errors.Is(err, &handshake.Error{Reason: handshake.ReasonTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

// Retryable reports whether a fresh attempt might succeed. The protocol
// never retries on its own.
func (e *Error) Retryable() bool {
	return e.Reason == ReasonTimeout || e.Reason == ReasonTransportClosed
}

// ReasonOf extracts the failure reason from err.
func ReasonOf(err error) (Reason, bool) {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Reason, true
	}
	return 0, false
}

// Rejection is the verified content of a server rejection.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return "rejected: " + r.Reason.String()
	}
	return fmt.Sprintf("rejected: %s: %s", r.Reason, r.Message)
}
