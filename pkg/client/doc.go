// Package client registers new accounts on a sync server using a locally
// generated secret key.
//
// The secret never leaves the process. Register mints a fresh secret with
// package secretkey, posts only its fingerprint as the form field
// hashedSecretKey, and attaches the secret to the returned Outcome when the
// server answers with an account UID.
//
// # Registering
//
//	c, err := client.New(
//	    client.WithUserAgent(client.FormatUserAgent("keyprov", 1, 4, 2)),
//	    client.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	out, err := c.Register(ctx, "wss://sync.example.com")
//	if err != nil {
//	    // out.ErrorMessage is safe to show; err carries the detail.
//	}
//	store(out.UID, out.SecretKey)
//
// Streaming addresses are accepted as-is: wss:// is sent as https:// and
// ws:// as http://.
//
// # Endpoint versions and fallback
//
// Servers expose either the legacy route (/auth/registerNewKey), its
// successor (/auth/registerNewKeyV2), or both. Register tries one and, if it
// fails with anything other than cancellation, tries the other exactly once.
// Which goes first is a deployment decision:
//
//	client.New(client.WithOrder(client.LegacyFirst))
//
// RenewalFlow uses a single route and never falls back:
//
//	client.New(client.WithFlow(client.RenewalFlow))
//
// # Cancellation
//
// The context is checked before every request. A cancelled call returns an
// error matching ErrCancelled, never ErrRejected, so callers can tell a user
// abort from a server refusal. There is no built-in timeout; use
// context.WithTimeout.
//
// # Lifetime
//
// A Client owns one pooled HTTP client. Share it across goroutines and call
// Close once at shutdown.
package client
