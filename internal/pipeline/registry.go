// Package pipeline owns the per-category batch writers and routes protocol
// messages to them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/batch"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

// pruneOrderingAt is the size at which resolved ordering entries are swept.
const pruneOrderingAt = 10_000

// Store is the write side of the relational store.
type Store interface {
	InsertCasts(ctx context.Context, msgs []*domain.Message) (int64, error)
	InsertReactions(ctx context.Context, msgs []*domain.Message) (int64, error)
	InsertLinks(ctx context.Context, msgs []*domain.Message) (int64, error)
	InsertVerifications(ctx context.Context, msgs []*domain.Message) (int64, error)
	UpsertUserData(ctx context.Context, msgs []*domain.Message) (int64, error)

	ApplyCastRemovals(ctx context.Context, removals []domain.Removal) (int64, error)
	ApplyReactionRemovals(ctx context.Context, removals []domain.Removal) (int64, error)
	ApplyLinkRemovals(ctx context.Context, removals []domain.Removal) (int64, error)
	ApplyVerificationRemovals(ctx context.Context, removals []domain.Removal) (int64, error)
	ApplyUserDataRemovals(ctx context.Context, removals []domain.Removal) (int64, error)
}

type opKey struct {
	category domain.Category
	fid      int64
}

type lastOp struct {
	removal bool
	pending *batch.Pending
}

// Registry holds one add writer and one removal writer per category. It is
// built once by the process root and shared by the backfill orchestrator and
// the event subscriber.
type Registry struct {
	adds     map[domain.Category]*batch.Writer[*domain.Message]
	removals map[domain.Category]*batch.Writer[domain.Removal]
	logger   *slog.Logger

	mu   sync.Mutex
	last map[opKey]lastOp
}

// NewRegistry creates the writers for every category on top of store.
func NewRegistry(store Store, opts batch.Options, logger *slog.Logger) *Registry {
	logger = logger.With("component", "pipeline")

	addFlush := map[domain.Category]batch.FlushFunc[*domain.Message]{
		domain.CategoryCast:         store.InsertCasts,
		domain.CategoryReaction:     store.InsertReactions,
		domain.CategoryLink:         store.InsertLinks,
		domain.CategoryVerification: store.InsertVerifications,
		domain.CategoryUserData:     store.UpsertUserData,
	}
	removalFlush := map[domain.Category]batch.FlushFunc[domain.Removal]{
		domain.CategoryCast:         store.ApplyCastRemovals,
		domain.CategoryReaction:     store.ApplyReactionRemovals,
		domain.CategoryLink:         store.ApplyLinkRemovals,
		domain.CategoryVerification: store.ApplyVerificationRemovals,
		domain.CategoryUserData:     store.ApplyUserDataRemovals,
	}

	r := &Registry{
		adds:     make(map[domain.Category]*batch.Writer[*domain.Message], len(domain.Categories)),
		removals: make(map[domain.Category]*batch.Writer[domain.Removal], len(domain.Categories)),
		logger:   logger,
		last:     make(map[opKey]lastOp),
	}
	for _, c := range domain.Categories {
		r.adds[c] = batch.NewWriter(c.String()+".add", addFlush[c], describeMessage, opts, logger)
		r.removals[c] = batch.NewWriter(c.String()+".remove", removalFlush[c], describeRemoval, opts, logger)
	}
	return r
}

// Add enqueues an add message into its category's writer.
func (r *Registry) Add(ctx context.Context, msg *domain.Message) *batch.Pending {
	c := msg.Type.Category()
	if c == 0 || msg.Type.IsRemove() {
		return batch.Resolved(fmt.Errorf("add: unsupported message type %q", msg.Type))
	}
	key := opKey{category: c, fid: msg.Fid}
	r.awaitOpposite(ctx, key, false)
	p := r.adds[c].Add(msg)
	r.record(key, false, p)
	return p
}

// Remove enqueues a soft-delete into its category's removal writer.
func (r *Registry) Remove(ctx context.Context, rm domain.Removal) *batch.Pending {
	if rm.Message == nil {
		return batch.Resolved(errors.New("remove: nil message"))
	}
	c := rm.Category()
	if c == 0 {
		return batch.Resolved(fmt.Errorf("remove: unsupported message type %q", rm.Message.Type))
	}
	key := opKey{category: c, fid: rm.Message.Fid}
	r.awaitOpposite(ctx, key, true)
	p := r.removals[c].Add(rm)
	r.record(key, true, p)
	return p
}

// awaitOpposite makes inserts and soft-deletes of one account apply in
// arrival order: if the account's previous operation in this category was
// of the other kind and has not been written yet, it is flushed first.
func (r *Registry) awaitOpposite(ctx context.Context, key opKey, removal bool) {
	r.mu.Lock()
	prev, ok := r.last[key]
	r.mu.Unlock()
	if !ok || prev.removal == removal || prev.pending.Resolved() {
		return
	}

	var err error
	if prev.removal {
		err = r.removals[key.category].Flush(ctx)
	} else {
		err = r.adds[key.category].Flush(ctx)
	}
	if err == nil {
		err = prev.pending.Wait(ctx)
	}
	if err != nil {
		// The failed batch was already logged by its writer.
		r.logger.Warn("ordering flush failed", "category", key.category.String(), "fid", key.fid, "error", err)
	}
}

func (r *Registry) record(key opKey, removal bool, p *batch.Pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last[key] = lastOp{removal: removal, pending: p}
	if len(r.last) >= pruneOrderingAt {
		for k, op := range r.last {
			if op.pending.Resolved() {
				delete(r.last, k)
			}
		}
	}
}

// Flush flushes every writer and waits for the flushes to complete.
func (r *Registry) Flush(ctx context.Context) error {
	var errs []error
	for _, c := range domain.Categories {
		if err := r.adds[c].Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", r.adds[c].Name(), err))
		}
		if err := r.removals[c].Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", r.removals[c].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close drains every writer, waiting for in-flight flushes.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, c := range domain.Categories {
		if err := r.adds[c].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.adds[c].Name(), err))
		}
		if err := r.removals[c].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.removals[c].Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns the counters of every writer.
func (r *Registry) Stats() []batch.Stats {
	stats := make([]batch.Stats, 0, 2*len(domain.Categories))
	for _, c := range domain.Categories {
		stats = append(stats, r.adds[c].Stats(), r.removals[c].Stats())
	}
	return stats
}

func describeMessage(m *domain.Message) string {
	return m.HashHex()
}

func describeRemoval(rm domain.Removal) string {
	return rm.Kind.String() + ":" + rm.Message.HashHex()
}
