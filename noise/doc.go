// Package noise derives the session key of an authenticated wicrs
// connection.
//
// During the signed handshake each side contributes an ephemeral X25519
// public key inside its signed envelope. Once both envelopes verify, each
// side computes the Diffie-Hellman secret with flynn/noise's DH25519 and
// expands it with HKDF-SHA256, salted with the server-issued token and bound
// to both fingerprints. The result is two directional ChaCha20-Poly1305 keys
// wrapped in a SessionCipher.
//
// Because the ephemeral keys are discarded after the handshake, recorded
// traffic cannot be decrypted later even if a long-term signing key leaks.
//
//	eph, err := noise.NewEphemeral()
//	if err != nil {
//	    return err
//	}
//	defer eph.Wipe()
//	// send eph.Public() inside the signed response...
//	keys, err := eph.Agree(peerEphemeral, token, clientFP[:], serverFP[:])
//	cipher := noise.NewSessionCipher(keys, noise.Initiator)
//	ct, err := cipher.Seal([]byte("hello"), nil)
package noise
