package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/backfill"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/replicator"
)

type fakeReplicator struct {
	mu         sync.Mutex
	stats      replicator.Stats
	triggered  []backfill.FidRange
	triggerErr error
}

func (f *fakeReplicator) Stats() replicator.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeReplicator) TriggerBackfill(r backfill.FidRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggerErr != nil {
		return f.triggerErr
	}
	f.triggered = append(f.triggered, r)
	return nil
}

func newTestServer(t *testing.T, rep Replicator) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(0, rep, 20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, &fakeReplicator{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStats(t *testing.T) {
	id := int64(4096)
	rep := &fakeReplicator{stats: replicator.Stats{
		Subscriber: replicator.SubscriberStats{State: "SUBSCRIBED", LastEventID: &id, Processed: 3},
	}}
	_, ts := newTestServer(t, rep)

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got replicator.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "SUBSCRIBED", got.Subscriber.State)
	require.NotNil(t, got.Subscriber.LastEventID)
	assert.Equal(t, id, *got.Subscriber.LastEventID)
}

func TestBackfillEndpoint(t *testing.T) {
	rep := &fakeReplicator{}
	_, ts := newTestServer(t, rep)

	resp, err := http.Post(ts.URL+"/backfill?min_fid=10&max_fid=20", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []backfill.FidRange{{Min: 10, Max: 20}}, rep.triggered)

	resp, err = http.Post(ts.URL+"/backfill?min_fid=abc", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rep.triggerErr = domain.ErrBackfillActive
	resp, err = http.Post(ts.URL+"/backfill", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	rep.triggerErr = replicator.ErrNotRunning
	resp, err = http.Post(ts.URL+"/backfill", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/backfill")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatsStream(t *testing.T) {
	rep := &fakeReplicator{stats: replicator.Stats{Subscriber: replicator.SubscriberStats{Processed: 1}}}
	s, ts := newTestServer(t, rep)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stats/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first replicator.Stats
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(1), first.Subscriber.Processed)

	rep.mu.Lock()
	rep.stats.Subscriber.Processed = 2
	rep.mu.Unlock()

	require.Eventually(t, func() bool {
		var next replicator.Stats
		if err := conn.ReadJSON(&next); err != nil {
			return false
		}
		return next.Subscriber.Processed == 2
	}, 2*time.Second, time.Millisecond)

	s.closeOnce.Do(func() { close(s.done) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}
}
