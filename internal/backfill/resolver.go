package backfill

import (
	"context"
	"fmt"
)

// FidRange bounds a backfill. Min below 1 is treated as 1; Max of 0 means no
// upper bound beyond the newest registered account.
type FidRange struct {
	Min int64 `json:"min_fid"`
	Max int64 `json:"max_fid"`
}

// NewestFidSource is the part of the hub the resolver needs.
type NewestFidSource interface {
	NewestFid(ctx context.Context) (int64, error)
}

// ResolveFids returns every account id from r.Min up to the newest account,
// clamped to r.Max. An empty range is not an error.
func ResolveFids(ctx context.Context, source NewestFidSource, r FidRange) ([]int64, error) {
	newest, err := source.NewestFid(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve newest fid: %w", err)
	}

	lo := max(r.Min, 1)
	hi := newest
	if r.Max > 0 && r.Max < hi {
		hi = r.Max
	}
	if hi < lo {
		return []int64{}, nil
	}

	fids := make([]int64, 0, hi-lo+1)
	for fid := lo; fid <= hi; fid++ {
		fids = append(fids, fid)
	}
	return fids, nil
}
