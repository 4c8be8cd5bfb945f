package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/batch"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

// DefaultConcurrency is the number of accounts fetched at once.
const DefaultConcurrency = 5

// State is the orchestrator's position in a run.
type State int32

const (
	StateIdle State = iota
	StateResolvingRange
	StateFiltering
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolvingRange:
		return "RESOLVING_RANGE"
	case StateFiltering:
		return "FILTERING"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Sink accepts fetched messages for writing.
type Sink interface {
	Add(ctx context.Context, msg *domain.Message) *batch.Pending
}

// Request describes one backfill run.
type Request struct {
	Range FidRange

	// SaveSnapshot records the current stream position before fetching so
	// the live subscription resumes no earlier than the backfill's start.
	// Targeted runs beside a live subscription leave the cursor alone.
	SaveSnapshot bool
}

// Report summarizes a finished run. Writes may still be in flight in the
// batch writers when it is returned.
type Report struct {
	RunID     string        `json:"run_id"`
	Requested int           `json:"requested"`
	Skipped   int           `json:"skipped"`
	Processed int64         `json:"processed"`
	Failed    int64         `json:"failed"`
	Snapshot  *int64        `json:"snapshot,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Progress is a live view of the current or last run.
type Progress struct {
	State     string    `json:"state"`
	RunID     string    `json:"run_id,omitempty"`
	Range     FidRange  `json:"range"`
	Pending   int       `json:"pending"`
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Options configure an Orchestrator.
type Options struct {
	Concurrency int
	PageSize    int
}

// Orchestrator runs backfills: resolve the account range, skip fresh
// accounts, then fetch the rest under a concurrency cap.
type Orchestrator struct {
	source      domain.SourceClient
	state       *domain.StateService
	sink        Sink
	fetcher     *Fetcher
	concurrency int
	logger      *slog.Logger

	active  atomic.Bool
	current atomic.Int32

	mu        sync.Mutex
	runID     string
	runRange  FidRange
	pending   int
	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64

	// now is replaced in tests.
	now func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(source domain.SourceClient, state *domain.StateService, sink Sink, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger = logger.With("component", "backfill")
	return &Orchestrator{
		source:      source,
		state:       state,
		sink:        sink,
		fetcher:     NewFetcher(source, opts.PageSize, logger),
		concurrency: opts.Concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.current.Load())
}

// Active reports whether a run is in progress.
func (o *Orchestrator) Active() bool {
	return o.active.Load()
}

// Progress returns counters of the current or most recent run.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Progress{
		State:     o.State().String(),
		RunID:     o.runID,
		Range:     o.runRange,
		Pending:   o.pending,
		Processed: o.processed.Load(),
		Failed:    o.failed.Load(),
		StartedAt: o.startedAt,
	}
}

// Run performs one backfill. Only one run may be active at a time; a second
// concurrent call returns domain.ErrBackfillActive. Resolving the range and
// reading freshness records are fatal; individual account failures are
// logged and counted.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	if !o.active.CompareAndSwap(false, true) {
		return nil, domain.ErrBackfillActive
	}
	defer o.active.Store(false)

	start := o.now()
	report := &Report{RunID: uuid.NewString()}
	o.begin(report.RunID, req.Range, start)
	logger := o.logger.With("run_id", report.RunID)
	logger.Info("backfill started", "min_fid", req.Range.Min, "max_fid", req.Range.Max)

	if req.SaveSnapshot {
		snap, err := o.snapshot(ctx)
		if err != nil {
			o.setState(StateIdle)
			return nil, err
		}
		report.Snapshot = &snap
	}

	o.setState(StateResolvingRange)
	fids, err := ResolveFids(ctx, o.source, req.Range)
	if err != nil {
		o.setState(StateIdle)
		return nil, err
	}
	report.Requested = len(fids)

	o.setState(StateFiltering)
	fresh, err := o.state.ListFresh(ctx, start)
	if err != nil {
		o.setState(StateIdle)
		return nil, fmt.Errorf("filter fresh fids: %w", err)
	}
	todo := fids[:0:0]
	for _, fid := range fids {
		if _, ok := fresh[fid]; !ok {
			todo = append(todo, fid)
		}
	}
	report.Skipped = len(fids) - len(todo)
	o.mu.Lock()
	o.pending = len(todo)
	o.mu.Unlock()
	logger.Info("backfill range resolved", "requested", report.Requested, "skipped_fresh", report.Skipped)

	o.setState(StateRunning)
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, fid := range todo {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o.backfillFid(ctx, logger, fid)
			return nil
		})
	}
	_ = g.Wait()

	report.Processed = o.processed.Load()
	report.Failed = o.failed.Load()
	report.Elapsed = o.now().Sub(start)
	o.setState(StateDone)

	logger.Info("backfill finished",
		"processed", report.Processed,
		"failed", report.Failed,
		"skipped_fresh", report.Skipped,
		"elapsed", report.Elapsed.String(),
	)
	return report, ctx.Err()
}

// snapshot persists max(stored cursor, hub position) and returns it.
func (o *Orchestrator) snapshot(ctx context.Context) (int64, error) {
	current, err := o.source.CurrentEventID(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot cursor: %w", err)
	}
	stored, err := o.state.LoadCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot cursor: %w", err)
	}
	snap := current
	if stored != nil && *stored > snap {
		snap = *stored
	}
	// A failed save is logged by the state service; the stream position
	// is still usable in memory.
	_ = o.state.SaveCursor(ctx, snap)
	return snap, nil
}

func (o *Orchestrator) backfillFid(ctx context.Context, logger *slog.Logger, fid int64) {
	defer func() {
		o.mu.Lock()
		o.pending--
		o.mu.Unlock()
	}()

	start := o.now()
	profile, err := o.fetcher.FetchProfile(ctx, fid)
	if err != nil {
		o.failed.Add(1)
		logger.Warn("backfill of fid failed", "fid", fid, "error", err)
		return
	}

	msgs := profile.Messages()
	for _, m := range msgs {
		o.sink.Add(ctx, m)
	}

	if err := o.state.MarkFresh(ctx, fid, start); err != nil {
		o.failed.Add(1)
		logger.Error("failed to mark fid fresh", "fid", fid, "error", err)
		return
	}
	o.processed.Add(1)
	logger.Debug("backfilled fid", "fid", fid, "messages", len(msgs))
}

func (o *Orchestrator) begin(runID string, r FidRange, start time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runID = runID
	o.runRange = r
	o.pending = 0
	o.startedAt = start
	o.processed.Store(0)
	o.failed.Store(0)
}

func (o *Orchestrator) setState(s State) {
	o.current.Store(int32(s))
}
