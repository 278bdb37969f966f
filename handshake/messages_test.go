package handshake

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/wicrsclient/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmationRoundTrip(t *testing.T) {
	kp := newKeyPair(t, "alice")
	in := confirmationMsg{
		tokenDigest: tokenDigest([]byte("token")),
		client:      kp.Fingerprint(),
		ephemeral:   make([]byte, 32),
		sessionID:   uuid.New(),
	}
	out, err := parseConfirmation(in.marshal())
	require.NoError(t, err)
	assert.Equal(t, in.tokenDigest, out.tokenDigest)
	assert.Equal(t, in.sessionID, out.sessionID)
	assert.True(t, out.client.Equal(kp.Fingerprint()))
}

func TestKeyRequestRoundTrip(t *testing.T) {
	kp := newKeyPair(t, "alice")
	at := time.Unix(1_700_000_000, 0)
	in := keyRequestMsg{
		claim:     kp.Fingerprint(),
		ephemeral: make([]byte, 32),
		server:    kp.Fingerprint(),
		nonce:     make([]byte, NonceSize),
		issuedAt:  at,
	}
	out, err := parseKeyRequest(in.marshal())
	require.NoError(t, err)
	assert.True(t, out.issuedAt.Equal(at))
	assert.Equal(t, in.nonce, out.nonce)
}

func TestRejectionMessageOptional(t *testing.T) {
	out, err := parseRejection(rejectionMsg{reason: ReasonRateLimited}.marshal())
	require.NoError(t, err)
	assert.Equal(t, ReasonRateLimited, out.reason)
	assert.Empty(t, out.message)

	out, err = parseRejection(rejectionMsg{reason: ReasonTimeout, message: "slow"}.marshal())
	require.NoError(t, err)
	assert.Equal(t, "slow", out.message)
}

func TestPayloadParsersRejectBadInput(t *testing.T) {
	short := wire.NewEncoder(8).Bytes(1, []byte{1, 2, 3}).Finish()

	tests := map[string]func() error{
		"challenge short token": func() error { _, err := parseChallenge(short); return err },
		"challenge empty":       func() error { _, err := parseChallenge(nil); return err },
		"response missing":      func() error { _, err := parseResponse(short); return err },
		"confirmation missing":  func() error { _, err := parseConfirmation(short); return err },
		"rejection zero": func() error {
			_, err := parseRejection(wire.NewEncoder(4).Uint(1, 0).Finish())
			return err
		},
		"rejection huge code": func() error {
			_, err := parseRejection(wire.NewEncoder(8).Uint(1, 1000).Finish())
			return err
		},
		"key request missing":  func() error { _, err := parseKeyRequest(short); return err },
		"one-time key missing": func() error { _, err := parseOneTimeKey(short); return err },
		"grant short": func() error {
			_, err := parseGrant(wire.NewEncoder(16).Bytes(1, []byte{1}).Bytes(2, []byte{2}).Finish())
			return err
		},
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, fn(), wire.ErrMalformed)
		})
	}
}
