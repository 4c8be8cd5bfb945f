package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/batch"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	hashes []string
}

type fakeStore struct {
	mu    sync.Mutex
	calls []call
}

func (s *fakeStore) recordMessages(method string, msgs []*domain.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := call{method: method}
	for _, m := range msgs {
		c.hashes = append(c.hashes, m.HashHex())
	}
	s.calls = append(s.calls, c)
	return int64(len(msgs)), nil
}

func (s *fakeStore) recordRemovals(method string, rms []domain.Removal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := call{method: method}
	for _, rm := range rms {
		c.hashes = append(c.hashes, rm.Message.HashHex())
	}
	s.calls = append(s.calls, c)
	return int64(len(rms)), nil
}

func (s *fakeStore) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.method
	}
	return out
}

func (s *fakeStore) InsertCasts(_ context.Context, m []*domain.Message) (int64, error) {
	return s.recordMessages("InsertCasts", m)
}
func (s *fakeStore) InsertReactions(_ context.Context, m []*domain.Message) (int64, error) {
	return s.recordMessages("InsertReactions", m)
}
func (s *fakeStore) InsertLinks(_ context.Context, m []*domain.Message) (int64, error) {
	return s.recordMessages("InsertLinks", m)
}
func (s *fakeStore) InsertVerifications(_ context.Context, m []*domain.Message) (int64, error) {
	return s.recordMessages("InsertVerifications", m)
}
func (s *fakeStore) UpsertUserData(_ context.Context, m []*domain.Message) (int64, error) {
	return s.recordMessages("UpsertUserData", m)
}
func (s *fakeStore) ApplyCastRemovals(_ context.Context, r []domain.Removal) (int64, error) {
	return s.recordRemovals("ApplyCastRemovals", r)
}
func (s *fakeStore) ApplyReactionRemovals(_ context.Context, r []domain.Removal) (int64, error) {
	return s.recordRemovals("ApplyReactionRemovals", r)
}
func (s *fakeStore) ApplyLinkRemovals(_ context.Context, r []domain.Removal) (int64, error) {
	return s.recordRemovals("ApplyLinkRemovals", r)
}
func (s *fakeStore) ApplyVerificationRemovals(_ context.Context, r []domain.Removal) (int64, error) {
	return s.recordRemovals("ApplyVerificationRemovals", r)
}
func (s *fakeStore) ApplyUserDataRemovals(_ context.Context, r []domain.Removal) (int64, error) {
	return s.recordRemovals("ApplyUserDataRemovals", r)
}

func newTestRegistry(t *testing.T, store Store) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry(store, batch.Options{MaxSize: 100, MaxLatency: time.Hour}, logger)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func message(typ domain.MessageType, fid int64, hash byte) *domain.Message {
	return &domain.Message{Type: typ, Fid: fid, Timestamp: time.Now(), Hash: []byte{hash}}
}

func TestRegistryRoutesByCategory(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := newTestRegistry(t, store)

	r.Add(ctx, message(domain.MessageTypeCastAdd, 1, 1))
	r.Add(ctx, message(domain.MessageTypeReactionAdd, 1, 2))
	r.Add(ctx, message(domain.MessageTypeLinkAdd, 1, 3))
	r.Add(ctx, message(domain.MessageTypeVerificationAdd, 1, 4))
	r.Add(ctx, message(domain.MessageTypeUserDataAdd, 1, 5))
	r.Remove(ctx, domain.Removal{Kind: domain.RemovalPrune, Message: message(domain.MessageTypeLinkAdd, 2, 6)})

	require.NoError(t, r.Flush(ctx))
	assert.ElementsMatch(t, []string{
		"InsertCasts",
		"InsertReactions",
		"InsertLinks",
		"InsertVerifications",
		"UpsertUserData",
		"ApplyLinkRemovals",
	}, store.methods())
}

func TestRegistryRejectsUnsupportedTypes(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, &fakeStore{})

	p := r.Add(ctx, message("MESSAGE_TYPE_FRAME_ACTION", 1, 1))
	assert.True(t, p.Resolved())
	assert.Error(t, p.Err())

	p = r.Add(ctx, message(domain.MessageTypeCastRemove, 1, 1))
	assert.Error(t, p.Err(), "remove messages go through Remove")

	p = r.Remove(ctx, domain.Removal{Kind: domain.RemovalDelete})
	assert.Error(t, p.Err())
}

func TestRegistryOrdersOppositeOperationsPerAccount(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := newTestRegistry(t, store)

	add := r.Add(ctx, message(domain.MessageTypeCastAdd, 7, 1))
	assert.False(t, add.Resolved())

	rm := r.Remove(ctx, domain.Removal{Kind: domain.RemovalDelete, Message: message(domain.MessageTypeCastRemove, 7, 2)})
	assert.True(t, add.Resolved(), "the pending insert must be written before the removal is queued")

	again := r.Add(ctx, message(domain.MessageTypeCastAdd, 7, 3))
	assert.True(t, rm.Resolved())
	require.NoError(t, again.Wait(ctx))

	assert.Equal(t, []string{"InsertCasts", "ApplyCastRemovals"}, store.methods()[:2])
}

func TestRegistryDoesNotFlushForOtherAccounts(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := newTestRegistry(t, store)

	add := r.Add(ctx, message(domain.MessageTypeCastAdd, 7, 1))
	r.Remove(ctx, domain.Removal{Kind: domain.RemovalDelete, Message: message(domain.MessageTypeCastRemove, 8, 2)})
	r.Add(ctx, message(domain.MessageTypeReactionAdd, 7, 3))

	assert.False(t, add.Resolved())
	assert.Empty(t, store.methods())
}

func TestRegistryStatsCoverEveryWriter(t *testing.T) {
	r := newTestRegistry(t, &fakeStore{})
	r.Add(context.Background(), message(domain.MessageTypeCastAdd, 1, 1))

	stats := r.Stats()
	require.Len(t, stats, 10)
	assert.Equal(t, "casts.add", stats[0].Name)
	assert.Equal(t, 1, stats[0].Pending)
	assert.Equal(t, "casts.remove", stats[1].Name)
}
