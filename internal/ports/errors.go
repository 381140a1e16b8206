package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard
// errors so the core can branch on errors.Is without knowing the adapter.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Feed Specific Errors
	ErrFeedUnavailable  = errors.New("market data feed is unavailable")
	ErrConnectionFailed = errors.New("failed to connect to the feed")
	ErrRateLimited      = errors.New("feed rate limit exceeded")

	// Engine Specific Errors
	ErrStreamCommitted = errors.New("stream is committed for this trading date")
	ErrInvariant       = errors.New("engine invariant violated")
	ErrDateNotLocked   = errors.New("trading date has not been locked yet")

	// Journal Specific Errors
	ErrJournalWrite   = errors.New("journal write failed")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrDuplicateEntry = errors.New("database record already exists")
)
