// Package wicrsclient is the identity core of a WICRS terminal client.
//
// It turns an anonymous WebSocket into a mutually authenticated session: the
// server proves it holds the key the client pinned out of band, and the
// client proves it holds its own long-term key. Chat semantics live
// elsewhere; this package only establishes who is on the other end.
//
// # Getting Started
//
// Load the configuration, create a client and connect:
//
//	cfg, err := config.Load("wicrs.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := wicrsclient.New(&wicrsclient.Options{Config: cfg})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session, err := client.Connect(ctx)
//	if err != nil {
//	    if wicrsclient.IsRetryable(err) {
//	        // back off and try again
//	    }
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
// New loads the long-term key pair from disk, generating it on first run,
// and reads the server's armored public key. Neither step touches the
// network.
//
// # Packages
//
//   - crypto: key pairs, fingerprints, armored key files and the KeyStore.
//   - trust: the server's pinned public key.
//   - envelope: signed, armored handshake messages.
//   - handshake: the client state machine and the server Responder.
//   - transport: WebSocket and in-memory message connections.
//   - preflight: the HTTP one-time-key exchange.
//   - replay: single-use token ledgers (memory and BadgerDB).
//   - noise: ephemeral key agreement and the session cipher.
//   - config: YAML configuration with environment overrides.
//
// # Logging
//
// All packages log through logrus. ConfigureLogger applies the level and
// format from config; key material is never logged, only short
// fingerprints and hashed previews.
package wicrsclient
