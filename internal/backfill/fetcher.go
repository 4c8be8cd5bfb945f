// Package backfill pulls complete account state from the hub and feeds it to
// the batch writers.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

// DefaultPageSize is the page-size ceiling for paginated categories.
const DefaultPageSize = 10_000

// Profile is the complete current state of one account.
type Profile struct {
	Fid           int64
	Casts         []*domain.Message
	Reactions     []*domain.Message
	Links         []*domain.Message
	Verifications []*domain.Message
	UserData      []*domain.Message
}

// Messages returns every message of the profile, category by category.
func (p *Profile) Messages() []*domain.Message {
	out := make([]*domain.Message, 0, len(p.Casts)+len(p.Reactions)+len(p.Links)+len(p.Verifications)+len(p.UserData))
	out = append(out, p.Casts...)
	out = append(out, p.Reactions...)
	out = append(out, p.Links...)
	out = append(out, p.Verifications...)
	return append(out, p.UserData...)
}

// Fetcher retrieves every category of an account from the hub.
type Fetcher struct {
	source   domain.SourceClient
	pageSize int
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher. A non-positive pageSize selects DefaultPageSize.
func NewFetcher(source domain.SourceClient, pageSize int, logger *slog.Logger) *Fetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Fetcher{source: source, pageSize: pageSize, logger: logger}
}

// FetchProfile fetches the five categories of fid concurrently. Any category
// failing fails the whole profile.
func (f *Fetcher) FetchProfile(ctx context.Context, fid int64) (*Profile, error) {
	p := &Profile{Fid: fid}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		p.Casts, err = f.paginated(ctx, domain.CategoryCast, fid)
		return err
	})
	g.Go(func() (err error) {
		p.Reactions, err = f.paginated(ctx, domain.CategoryReaction, fid)
		return err
	})
	g.Go(func() (err error) {
		p.Links, err = f.single(ctx, domain.CategoryLink, fid)
		return err
	})
	g.Go(func() (err error) {
		p.Verifications, err = f.single(ctx, domain.CategoryVerification, fid)
		return err
	})
	g.Go(func() (err error) {
		p.UserData, err = f.single(ctx, domain.CategoryUserData, fid)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return p, nil
}

// paginated pages through category until a page comes back shorter than the
// page size. A missing continuation token also ends the walk, since asking
// again without one would restart from the first page.
func (f *Fetcher) paginated(ctx context.Context, category domain.Category, fid int64) ([]*domain.Message, error) {
	var (
		all   []*domain.Message
		token string
	)
	for {
		page, next, err := f.source.MessagesByFid(ctx, category, fid, f.pageSize, token)
		if err != nil {
			return nil, fmt.Errorf("fetch %s for fid %d: %w", category, fid, err)
		}
		all = append(all, f.validate(category, fid, page)...)
		if len(page) < f.pageSize || next == "" {
			return all, nil
		}
		token = next
	}
}

func (f *Fetcher) single(ctx context.Context, category domain.Category, fid int64) ([]*domain.Message, error) {
	msgs, err := f.source.AllMessagesByFid(ctx, category, fid)
	if err != nil {
		return nil, fmt.Errorf("fetch %s for fid %d: %w", category, fid, err)
	}
	return f.validate(category, fid, msgs), nil
}

// validate drops records owned by another account.
func (f *Fetcher) validate(category domain.Category, fid int64, msgs []*domain.Message) []*domain.Message {
	kept := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Fid != fid {
			f.logger.Warn("dropping record for wrong account",
				"category", category.String(),
				"requested_fid", fid,
				"record_fid", m.Fid,
				"hash", m.HashHex(),
				"error", domain.ErrIntegrityMismatch,
			)
			continue
		}
		kept = append(kept, m)
	}
	return kept
}
