// Package replay records single-use handshake material: challenge tokens
// issued on the live socket and one-time keys issued by the pre-flight
// endpoint.
//
// Every token is issued once with a lifetime and may be consumed at most
// once before it expires. Consuming an unknown, expired or already consumed
// token fails, which is what makes a captured handshake response useless on
// a later connection.
//
// Two implementations are provided. MemoryLedger keeps entries in a map and
// sweeps expired ones in the background. BadgerLedger stores them in a
// BadgerDB with native TTLs so outstanding one-time keys survive a restart
// and can be shared by processes that open the same directory in turn.
//
//	ledger := replay.NewMemoryLedger(nil)
//	defer ledger.Close()
//
//	if err := ledger.Issue(token, nil, time.Now(), 30*time.Second); err != nil {
//	    return err
//	}
//	...
//	if _, err := ledger.Consume(token, time.Now()); err != nil {
//	    // replayed or stale
//	}
//
// Issue may attach a small value to a token. Consume hands it back, which
// lets the pre-flight endpoint remember whom a one-time key was issued to.
package replay
