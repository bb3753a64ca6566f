package client

import "errors"

// Provider business errors form a closed set so callers can branch on
// each case with errors.Is instead of string matching.
var (
	// ErrProviderAuth means the API key was rejected. Surfaced to the
	// synchronous caller immediately, never retried.
	ErrProviderAuth = errors.New("provider authentication failed")
	// ErrProviderQuota means the account has no credits left. Surfaced
	// immediately, never retried.
	ErrProviderQuota = errors.New("provider quota exhausted")
	// ErrProviderTransient covers network failures, 5xx and 429
	// responses. Safe to retry with backoff.
	ErrProviderTransient = errors.New("transient provider error")
)
