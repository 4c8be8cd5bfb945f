package domain

import "errors"

var (
	// ErrSourceUnavailable means the hub could not be reached or an RPC failed.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrEventNotFound means the hub no longer has the requested event (pruned).
	ErrEventNotFound = errors.New("event not found")

	// ErrIntegrityMismatch tags fetched records owned by a different account
	// than the one requested.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrBackfillActive is returned when a backfill is requested while one is running.
	ErrBackfillActive = errors.New("backfill already running")
)
