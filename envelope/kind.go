package envelope

import "fmt"

// Kind identifies the handshake step an envelope belongs to. It is part of
// the signed data, so an envelope signed for one step cannot be replayed as
// another.
type Kind uint8

const (
	// KindChallenge carries a server-issued challenge token.
	KindChallenge Kind = iota + 1
	// KindResponse carries the client's answer to a challenge.
	KindResponse
	// KindConfirmation carries the server's acceptance of a response.
	KindConfirmation
	// KindRejection carries the server's refusal of a client.
	KindRejection
	// KindKeyRequest carries a pre-flight one-time key request.
	KindKeyRequest
	// KindOneTimeKey carries a server-issued one-time key.
	KindOneTimeKey
)

var kindNames = map[Kind]string{
	KindChallenge:    "challenge",
	KindResponse:     "response",
	KindConfirmation: "confirmation",
	KindRejection:    "rejection",
	KindKeyRequest:   "key-request",
	KindOneTimeKey:   "one-time-key",
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// String returns the kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}
