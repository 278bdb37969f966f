// Package handshake upgrades an anonymous transport into a mutually
// authenticated session.
//
// The client half is Protocol. Each call to Run performs one attempt:
//
//	Idle -> Connecting -> AwaitingChallenge -> RespondingToChallenge
//	     -> AwaitingConfirmation -> Authenticated
//
// Any step may end in Failed, which closes the transport and wipes the
// challenge token and the ephemeral key. Every inbound envelope is checked
// against the server's trust anchor before its payload is read, so an
// impostor's challenge is dropped without the client signing anything.
//
// How the transport is opened is a Strategy. InBand dials the socket and
// waits for a challenge on it. Preflight first obtains a one-time key over
// HTTP, presents it when dialing and skips straight to the confirmation.
//
// The server half is Responder. It issues challenges, checks responses
// against the replay ledger and answers pre-flight key requests.
//
// Example:
//
//	proto, err := handshake.New(handshake.Config{
//	    Identity: kp,
//	    Anchor:   anchor,
//	    Strategy: &handshake.InBand{Dialer: transport.NewWebSocketDialer(nil), URL: url},
//	})
//	if err != nil {
//	    return err
//	}
//	session, err := proto.Run(ctx)
//	if err != nil {
//	    var herr *handshake.Error
//	    if errors.As(err, &herr) && herr.Retryable() {
//	        // try again later
//	    }
//	    return err
//	}
//	defer session.Close()
package handshake
