// Package identity turns a bearer credential issued by the external identity
// provider (Privy) into a local user id.
//
// A Verifier checks the credential and returns the provider's claims. The
// Resolver caches successful resolutions, coalesces concurrent calls for the
// same token and provisions the local user on first sight. Every failure on
// that path is reported as Unauthorized; the cause is logged, never returned
// to the client.
package identity

import "errors"

var (
	// ErrNotVerified means the provider answered but rejected the credential.
	ErrNotVerified = errors.New("credential not verified")
	// ErrMalformedResponse means the provider answer lacked required fields.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrProviderUnavailable means the provider could not be reached or the
	// circuit is open.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)
