// Package preflight carries the HTTP half of the pre-flight handshake.
//
// A client POSTs an armored key-request envelope to
// {base}/v1/handshake/one-time-key and receives an armored one-time-key
// envelope signed by the server. The envelopes are opaque here: Client moves
// text and Handler hands it to an Issuer, which does all signature work.
//
// Status codes: 200 with the one-time-key envelope, 400 for malformed
// requests, 401 for bad signatures or stale requests, 429 when the caller
// is rate limited.
package preflight
