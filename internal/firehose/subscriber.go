// Package firehose follows the hub's live event stream.
package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/batch"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	shutdownSaveTimeout   = 5 * time.Second
	statsLogInterval      = 30 * time.Second

	// maxBurst bounds how many already-buffered events share one
	// synchronous flush.
	maxBurst = 1000
)

var errStreamEnded = errors.New("hub stream ended")

// State is the subscriber's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateSubscribed
)

func (s State) String() string {
	if s == StateSubscribed {
		return "SUBSCRIBED"
	}
	return "DISCONNECTED"
}

// Sink accepts classified writes.
type Sink interface {
	Add(ctx context.Context, msg *domain.Message) *batch.Pending
	Remove(ctx context.Context, rm domain.Removal) *batch.Pending
	Flush(ctx context.Context) error
}

// Options configure a Subscriber.
type Options struct {
	// ReconnectDelay is the pause between a terminated stream and the next
	// subscription attempt.
	ReconnectDelay time.Duration

	// SyncFlush holds the cursor back until an event's writes are flushed,
	// trading throughput for no gap between cursor and stored data. Events
	// already waiting on the stream are flushed together.
	SyncFlush bool
}

// Subscriber consumes hub events, routes them to the writers and persists
// the stream position after each event.
type Subscriber struct {
	source domain.SourceClient
	state  *domain.StateService
	sink   Sink
	opts   Options
	logger *slog.Logger

	current    atomic.Int32
	lastID     atomic.Int64
	hasLast    atomic.Bool
	processed  atomic.Int64
	reconnects atomic.Int64
}

// NewSubscriber creates a new hub event subscriber.
func NewSubscriber(source domain.SourceClient, state *domain.StateService, sink Sink, opts Options, logger *slog.Logger) *Subscriber {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	return &Subscriber{
		source: source,
		state:  state,
		sink:   sink,
		opts:   opts,
		logger: logger.With("component", "subscriber"),
	}
}

// State returns the connection state.
func (s *Subscriber) State() State {
	return State(s.current.Load())
}

// LastEventID returns the id of the last handled event.
func (s *Subscriber) LastEventID() (int64, bool) {
	return s.lastID.Load(), s.hasLast.Load()
}

// Processed returns the number of events handled since start.
func (s *Subscriber) Processed() int64 {
	return s.processed.Load()
}

// Reconnects returns how often the stream was re-established.
func (s *Subscriber) Reconnects() int64 {
	return s.reconnects.Load()
}

// Start subscribes from the given event id (nil for the oldest event the
// hub retains) and processes events until ctx is cancelled. A terminated
// stream is re-opened from the persisted cursor after ReconnectDelay. On
// cancellation the last handled event id is saved before returning.
func (s *Subscriber) Start(ctx context.Context, from *int64) error {
	defer s.saveLast()

	next := from
	for {
		err := s.subscribe(ctx, next)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("hub stream terminated, reconnecting", "error", err, "delay", s.opts.ReconnectDelay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.ReconnectDelay):
		}
		s.reconnects.Add(1)
		next = s.resumePoint(ctx, next)
	}
}

func (s *Subscriber) subscribe(ctx context.Context, from *int64) error {
	stream, err := s.source.Subscribe(ctx, domain.ReplicatedEventTypes, from)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()

	s.setState(StateSubscribed)
	if from != nil {
		s.logger.Info("subscribed to hub events", "from_event_id", *from)
	} else {
		s.logger.Info("subscribed to hub events from the oldest retained event")
	}

	var received int64
	lastStatsLog := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("read events: %w", err)
				}
				return errStreamEnded
			}
			burst := []*domain.HubEvent{ev}
			if s.opts.SyncFlush {
				burst = drain(stream.Events(), burst)
			}
			s.handle(ctx, burst)
			received += int64(len(burst))

			if time.Since(lastStatsLog) >= statsLogInterval {
				s.logger.Info("subscriber stats", "events_received", received, "last_event_id", burst[len(burst)-1].ID)
				lastStatsLog = time.Now()
			}
		}
	}
}

// drain appends events that are already buffered, without blocking.
func drain(events <-chan *domain.HubEvent, burst []*domain.HubEvent) []*domain.HubEvent {
	for len(burst) < maxBurst {
		select {
		case ev, ok := <-events:
			if !ok {
				return burst
			}
			burst = append(burst, ev)
		default:
			return burst
		}
	}
	return burst
}

// handle routes a burst of events and advances the cursor to its last id.
// With SyncFlush the writers are flushed first and the cursor only moves
// once the burst's writes have completed.
func (s *Subscriber) handle(ctx context.Context, burst []*domain.HubEvent) {
	var pending []*batch.Pending
	for _, ev := range burst {
		for _, op := range Classify(ev) {
			if op.Add != nil {
				pending = append(pending, s.sink.Add(ctx, op.Add))
			} else {
				pending = append(pending, s.sink.Remove(ctx, *op.Removal))
			}
		}
	}
	if s.opts.SyncFlush {
		// Flush failures are logged by the writer; the cursor still
		// advances so one bad batch cannot stall the stream.
		if err := s.sink.Flush(ctx); err != nil {
			s.logger.Warn("flush before cursor save failed", "error", err)
		}
		for _, p := range pending {
			_ = p.Wait(ctx)
		}
	}

	last := burst[len(burst)-1].ID
	s.lastID.Store(last)
	s.hasLast.Store(true)
	s.processed.Add(int64(len(burst)))
	_ = s.state.SaveCursor(ctx, last)

	for _, ev := range burst {
		if ev.Type != domain.EventTypeMergeMessage || ev.Message == nil {
			continue
		}
		msg := ev.Message
		if _, err := s.state.RefreshIfFresh(ctx, msg.Fid, msg.Timestamp); err != nil {
			s.logger.Warn("failed to refresh freshness", "fid", msg.Fid, "error", err)
		}
	}
}

// resumePoint prefers the persisted cursor, then the last handled id, then
// the previous starting point.
func (s *Subscriber) resumePoint(ctx context.Context, prev *int64) *int64 {
	cursor, err := s.state.LoadCursor(ctx)
	if err != nil {
		s.logger.Warn("failed to load cursor, resuming from memory", "error", err)
	} else if cursor != nil {
		return cursor
	}
	if id, ok := s.LastEventID(); ok {
		return &id
	}
	return prev
}

func (s *Subscriber) saveLast() {
	id, ok := s.LastEventID()
	if !ok {
		s.logger.Warn("no hub event handled, cursor not saved")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownSaveTimeout)
	defer cancel()
	if err := s.state.SaveCursor(ctx, id); err == nil {
		s.logger.Info("saved cursor on shutdown", "event_id", id)
	}
}

func (s *Subscriber) setState(st State) {
	s.current.Store(int32(st))
}
