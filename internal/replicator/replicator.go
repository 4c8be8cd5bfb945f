// Package replicator wires the backfill orchestrator and the live subscriber
// around one shared set of batch writers.
package replicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/backfill"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/batch"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/firehose"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/pipeline"
)

// ErrNotRunning is returned by TriggerBackfill before Run has started.
var ErrNotRunning = errors.New("replicator not running")

// Config carries the tunables of the owned components.
type Config struct {
	Backfill   backfill.Options
	Subscriber firehose.Options
}

// Options control one Run.
type Options struct {
	// ForceBackfill runs a backfill even when the stored cursor is valid.
	ForceBackfill bool

	// Range bounds the startup backfill.
	Range backfill.FidRange
}

// Replicator is the process root.
type Replicator struct {
	source       domain.SourceClient
	state        *domain.StateService
	registry     *pipeline.Registry
	orchestrator *backfill.Orchestrator
	subscriber   *firehose.Subscriber
	logger       *slog.Logger
	startedAt    time.Time
	now          func() time.Time

	mu         sync.Mutex
	runCtx     context.Context
	background sync.WaitGroup
	lastReport *backfill.Report
}

// New creates a Replicator around source, state and registry.
func New(source domain.SourceClient, state *domain.StateService, registry *pipeline.Registry, cfg Config, logger *slog.Logger) *Replicator {
	return &Replicator{
		source:       source,
		state:        state,
		registry:     registry,
		orchestrator: backfill.NewOrchestrator(source, state, registry, cfg.Backfill, logger),
		subscriber:   firehose.NewSubscriber(source, state, registry, cfg.Subscriber, logger),
		logger:       logger.With("component", "replicator"),
		startedAt:    time.Now(),
		now:          time.Now,
	}
}

// Validate checks that the hub answers. Failure is fatal at startup.
func (r *Replicator) Validate(ctx context.Context) error {
	info, err := r.source.Info(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
		}
		return fmt.Errorf("validate hub: %w", err)
	}
	r.logger.Info("connected to hub", "version", info.Version, "nickname", info.Nickname, "syncing", info.IsSyncing)
	return nil
}

// Run validates the hub, backfills if the stored cursor is missing, pruned
// or a backfill was forced, then follows the live stream until ctx ends.
func (r *Replicator) Run(ctx context.Context, opts Options) error {
	if err := r.Validate(ctx); err != nil {
		return err
	}

	cursor, err := r.validCursor(ctx)
	if err != nil {
		return err
	}

	if opts.ForceBackfill || cursor == nil {
		report, err := r.Backfill(ctx, backfill.Request{Range: opts.Range, SaveSnapshot: true})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if report.Snapshot != nil {
			cursor = report.Snapshot
		}
	}

	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.runCtx = nil
		r.mu.Unlock()
		r.background.Wait()
	}()

	err = r.subscriber.Start(ctx, cursor)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// validCursor returns the stored cursor, or nil if none is stored or the hub
// pruned the event it points at. A snapshot cursor need not name a real
// event, so a missing event only counts as pruned once its id is older than
// the freshness window.
func (r *Replicator) validCursor(ctx context.Context) (*int64, error) {
	cursor, err := r.state.LoadCursor(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		r.logger.Info("no stored cursor")
		return nil, nil
	}

	if _, err := r.source.Event(ctx, *cursor); err != nil {
		if errors.Is(err, domain.ErrEventNotFound) {
			age := r.now().Sub(domain.EventTime(*cursor))
			if age < r.state.Threshold() {
				r.logger.Info("stored cursor is not a hub event but is recent, resuming", "event_id", *cursor, "age", age)
				return cursor, nil
			}
			r.logger.Warn("stored cursor was pruned by the hub", "event_id", *cursor, "age", age)
			return nil, nil
		}
		return nil, fmt.Errorf("check cursor %d: %w", *cursor, err)
	}
	return cursor, nil
}

// Backfill runs one backfill in the foreground and flushes the writers.
func (r *Replicator) Backfill(ctx context.Context, req backfill.Request) (*backfill.Report, error) {
	report, err := r.orchestrator.Run(ctx, req)
	if report != nil {
		r.mu.Lock()
		r.lastReport = report
		r.mu.Unlock()
	}
	if err != nil {
		return report, fmt.Errorf("backfill: %w", err)
	}
	if err := r.registry.Flush(ctx); err != nil {
		r.logger.Warn("flush after backfill failed", "error", err)
	}
	return report, nil
}

// TriggerBackfill starts a targeted backfill beside the live subscription.
// The cursor is not touched.
func (r *Replicator) TriggerBackfill(rng backfill.FidRange) error {
	if r.orchestrator.Active() {
		return domain.ErrBackfillActive
	}
	r.mu.Lock()
	ctx := r.runCtx
	if ctx == nil {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.background.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.background.Done()
		if _, err := r.Backfill(ctx, backfill.Request{Range: rng}); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("triggered backfill failed", "min_fid", rng.Min, "max_fid", rng.Max, "error", err)
		}
	}()
	return nil
}

// Close drains the writers and closes the hub connection.
func (r *Replicator) Close(ctx context.Context) error {
	regErr := r.registry.Close(ctx)
	srcErr := r.source.Close()
	return errors.Join(regErr, srcErr)
}

// SubscriberStats describes the live stream.
type SubscriberStats struct {
	State         string     `json:"state"`
	LastEventID   *int64     `json:"last_event_id,omitempty"`
	LastEventTime *time.Time `json:"last_event_time,omitempty"`
	Processed     int64      `json:"processed"`
	Reconnects    int64      `json:"reconnects"`
}

// BackfillStats describes the current or last backfill.
type BackfillStats struct {
	Active     bool              `json:"active"`
	Progress   backfill.Progress `json:"progress"`
	LastReport *backfill.Report  `json:"last_report,omitempty"`
}

// Stats is a point-in-time view of the replicator.
type Stats struct {
	StartedAt  time.Time       `json:"started_at"`
	Subscriber SubscriberStats `json:"subscriber"`
	Backfill   BackfillStats   `json:"backfill"`
	Writers    []batch.Stats   `json:"writers"`
}

// Stats returns the current state of every component.
func (r *Replicator) Stats() Stats {
	sub := SubscriberStats{
		State:      r.subscriber.State().String(),
		Processed:  r.subscriber.Processed(),
		Reconnects: r.subscriber.Reconnects(),
	}
	if id, ok := r.subscriber.LastEventID(); ok {
		at := domain.EventTime(id)
		sub.LastEventID = &id
		sub.LastEventTime = &at
	}

	r.mu.Lock()
	last := r.lastReport
	r.mu.Unlock()

	return Stats{
		StartedAt:  r.startedAt,
		Subscriber: sub,
		Backfill: BackfillStats{
			Active:     r.orchestrator.Active(),
			Progress:   r.orchestrator.Progress(),
			LastReport: last,
		},
		Writers: r.registry.Stats(),
	}
}
