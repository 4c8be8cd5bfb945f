package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CursorService is the cursor key under which the hub stream position is stored.
const CursorService = "hub"

// DefaultFreshnessThreshold matches the hub's pruning window: pulling an
// account more often than this retrieves no additional history.
const DefaultFreshnessThreshold = 72 * time.Hour

// StateService owns the replicator's durable progress markers: the event
// cursor and the per-account freshness records.
type StateService struct {
	cursors   CursorRepository
	freshness FreshnessRepository
	threshold time.Duration
	logger    *slog.Logger
}

// NewStateService creates a StateService. A non-positive threshold selects
// DefaultFreshnessThreshold.
func NewStateService(cursors CursorRepository, freshness FreshnessRepository, threshold time.Duration, logger *slog.Logger) *StateService {
	if threshold <= 0 {
		threshold = DefaultFreshnessThreshold
	}
	return &StateService{
		cursors:   cursors,
		freshness: freshness,
		threshold: threshold,
		logger:    logger,
	}
}

// Threshold returns the freshness window.
func (s *StateService) Threshold() time.Duration {
	return s.threshold
}

// LoadCursor returns the last saved event id, or nil if none was saved.
func (s *StateService) LoadCursor(ctx context.Context) (*int64, error) {
	id, ok, err := s.cursors.GetCursor(ctx, CursorService)
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &id, nil
}

// SaveCursor persists id. Failures are logged and reported but callers are
// free to ignore them; the next successful save corrects the stored value.
func (s *StateService) SaveCursor(ctx context.Context, id int64) error {
	if err := s.cursors.UpdateCursor(ctx, CursorService, id); err != nil {
		s.logger.Error("failed to save cursor", "event_id", id, "error", err)
		return fmt.Errorf("update cursor: %w", err)
	}
	return nil
}

// IsFresh reports whether fid was fully pulled within the threshold of asOf.
func (s *StateService) IsFresh(ctx context.Context, fid int64, asOf time.Time) (bool, error) {
	updatedAt, ok, err := s.freshness.GetLatestFidPull(ctx, fid)
	if err != nil {
		return false, fmt.Errorf("get latest fid pull %d: %w", fid, err)
	}
	return ok && s.within(updatedAt, asOf), nil
}

// MarkFresh records a completed full pull of fid that captured state as of at.
func (s *StateService) MarkFresh(ctx context.Context, fid int64, at time.Time) error {
	if err := s.freshness.UpsertLatestFidPull(ctx, fid, at.UTC()); err != nil {
		return fmt.Errorf("upsert latest fid pull %d: %w", fid, err)
	}
	return nil
}

// ListFresh returns every account that is fresh as of asOf.
func (s *StateService) ListFresh(ctx context.Context, asOf time.Time) (map[int64]time.Time, error) {
	pulls, err := s.freshness.ListLatestFidPulls(ctx)
	if err != nil {
		return nil, fmt.Errorf("list latest fid pulls: %w", err)
	}
	fresh := make(map[int64]time.Time, len(pulls))
	for _, p := range pulls {
		if s.within(p.UpdatedAt, asOf) {
			fresh[p.Fid] = p.UpdatedAt
		}
	}
	return fresh, nil
}

// RefreshIfFresh moves fid's freshness record forward to at, but only when
// the account is already fresh as of at. A live event never promotes an
// account that was not backfilled, and a record is never moved backwards.
// Returns true if the record was updated.
func (s *StateService) RefreshIfFresh(ctx context.Context, fid int64, at time.Time) (bool, error) {
	updatedAt, ok, err := s.freshness.GetLatestFidPull(ctx, fid)
	if err != nil {
		return false, fmt.Errorf("get latest fid pull %d: %w", fid, err)
	}
	if !ok || !s.within(updatedAt, at) || !at.After(updatedAt) {
		return false, nil
	}
	if err := s.MarkFresh(ctx, fid, at); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StateService) within(updatedAt, asOf time.Time) bool {
	return !updatedAt.Before(asOf.Add(-s.threshold))
}
