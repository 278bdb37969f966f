// Package crypto manages the long-term signing identity of a wicrs client.
//
// # Identities
//
// A [KeyPair] is an Ed25519 key pair with a human label and a creation time.
// Its [Fingerprint] is the BLAKE2b-256 digest of the public key, written as
// "wicrs1" followed by base58 text, and can also be rendered as a 24-word
// phrase for comparison over the phone:
//
//	kp, _ := crypto.GenerateKeyPair("alice@laptop")
//	fmt.Println(kp.Fingerprint())
//	words, _ := kp.Fingerprint().Words()
//
// [PublicIdentity] is the shareable half: public key, fingerprint and label.
//
// # Key files
//
// Keys are stored as two OpenPGP-style armored text blocks. The public block
// ("WICRS PUBLIC KEY") is self-signed and carries a Fingerprint header; it is
// what a server operator hands out as a trust anchor. The private block
// ("WICRS PRIVATE KEY") holds the seed, optionally sealed with a passphrase
// using PBKDF2-SHA256 and AES-256-GCM.
//
// # KeyStore
//
// [LoadOrCreate] loads the key pair from its two files or generates one on
// first run. It never regenerates over an existing file: an unreadable or
// mismatched file is reported as [ErrKeyStoreCorrupt], because a silently
// replaced key would invalidate every server that has pinned the old one.
//
//	kp, err := crypto.LoadOrCreate("alice", "~/.wicrs/id.key", "~/.wicrs/id.pub")
//	if errors.Is(err, crypto.ErrKeyStoreCorrupt) {
//	    // ask the user to restore or remove the key files
//	}
//
// Concurrent first runs in one process are serialized per path. Separate
// processes race on an exclusive hard link, and the loser loads the winner's key.
//
// # Logging
//
// The package logs through logrus via [LoggerHelper]. Key material never
// appears in log fields; fingerprints are logged in their short form.
package crypto
