package domain

import "errors"

// Sentinel errors for the sync core. Callers match them with errors.Is;
// lower layers wrap them with context using %w.
var (
	// ErrAuth means the credential was missing, malformed, expired or
	// rejected by the server. It is reported once and never retried.
	ErrAuth = errors.New("authentication failed")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("not connected")

	ErrNotFound = errors.New("requested resource not found")

	// ErrLoadInFlight rejects a load-more while the previous one for the
	// same scope has not completed.
	ErrLoadInFlight = errors.New("page load already in flight")

	// ErrRateLimited rejects a load-more issued inside the minimum interval.
	ErrRateLimited = errors.New("page load rate limited")

	// ErrStale means an async result was discarded because the scope was
	// reset or reloaded while it was in flight.
	ErrStale = errors.New("result superseded")

	ErrInvalidDraft = errors.New("invalid message draft")
)
