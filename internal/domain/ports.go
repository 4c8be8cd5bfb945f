package domain

import (
	"context"
	"time"
)

// CursorRepository defines persistence operations for the hub event cursor.
type CursorRepository interface {
	// GetCursor retrieves the last acknowledged event id for the given
	// service. ok is false if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (id int64, ok bool, err error)

	// UpdateCursor persists the cursor. A value lower than the stored one is
	// ignored so the cursor never regresses.
	UpdateCursor(ctx context.Context, service string, id int64) error
}

// FidPull records when an account's full state was last pulled from the hub.
type FidPull struct {
	Fid       int64
	UpdatedAt time.Time
}

// FreshnessRepository defines persistence operations for per-account
// freshness records.
type FreshnessRepository interface {
	// GetLatestFidPull returns the record for fid. ok is false if none exists.
	GetLatestFidPull(ctx context.Context, fid int64) (updatedAt time.Time, ok bool, err error)

	// UpsertLatestFidPull inserts or overwrites the record for fid.
	UpsertLatestFidPull(ctx context.Context, fid int64, updatedAt time.Time) error

	// ListLatestFidPulls returns every record.
	ListLatestFidPulls(ctx context.Context) ([]FidPull, error)
}

// HubInfo is the subset of the hub's self-description used at startup.
type HubInfo struct {
	Version   string
	Nickname  string
	IsSyncing bool
}

// EventStream is a live subscription to hub events. Events is closed when
// the stream terminates; Err then reports why (nil for a clean end).
type EventStream interface {
	Events() <-chan *HubEvent
	Err() error
	Close() error
}

// SourceClient is the upstream hub.
type SourceClient interface {
	// Info returns hub metadata; used to validate connectivity.
	Info(ctx context.Context) (*HubInfo, error)

	// NewestFid returns the highest registered account id.
	NewestFid(ctx context.Context) (int64, error)

	// MessagesByFid returns one page of a paginated category and the token of
	// the next page (empty if the hub reports none).
	MessagesByFid(ctx context.Context, category Category, fid int64, pageSize int, pageToken string) ([]*Message, string, error)

	// AllMessagesByFid returns the complete set of a single-shot category.
	AllMessagesByFid(ctx context.Context, category Category, fid int64) ([]*Message, error)

	// Subscribe opens the event stream. A nil fromID starts from the oldest
	// event the hub retains.
	Subscribe(ctx context.Context, types []EventType, fromID *int64) (EventStream, error)

	// Event fetches a single event; ErrEventNotFound if the hub pruned it.
	Event(ctx context.Context, id int64) (*HubEvent, error)

	// CurrentEventID returns an event id no older than the hub's present position.
	CurrentEventID(ctx context.Context) (int64, error)

	Close() error
}
