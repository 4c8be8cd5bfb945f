package hub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const castPage = `{
  "messages": [{
    "data": {
      "type": "MESSAGE_TYPE_CAST_ADD",
      "fid": 2,
      "timestamp": 100,
      "network": "FARCASTER_NETWORK_MAINNET",
      "castAddBody": {
        "text": "gm",
        "mentions": [3],
        "mentionsPositions": [0],
        "embeds": [{"url": "https://example.com"}],
        "parentCastId": {"fid": 5, "hash": "0x0a0b"}
      }
    },
    "hash": "0xd2b1",
    "signature": "c2ln"
  }],
  "nextPageToken": "AuzO1V0D"
}`

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{URL: srv.URL, PollInterval: 10 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		raw  string
		ssl  bool
		want string
	}{
		{raw: "hub.example.com:2281", ssl: true, want: "https://hub.example.com:2281"},
		{raw: "hub.example.com:2281", ssl: false, want: "http://hub.example.com:2281"},
		{raw: "http://127.0.0.1:2281/", ssl: true, want: "http://127.0.0.1:2281"},
	}
	for _, tt := range tests {
		got, err := baseURL(tt.raw, tt.ssl)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}

	_, err := baseURL("", true)
	assert.Error(t, err)
}

func TestMessagesByFidDecodesCasts(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/castsByFid", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, castPage)
	}))

	msgs, next, err := c.MessagesByFid(context.Background(), domain.CategoryCast, 2, 50, "tok")
	require.NoError(t, err)
	assert.Equal(t, "AuzO1V0D", next)
	assert.Contains(t, gotQuery, "fid=2")
	assert.Contains(t, gotQuery, "pageSize=50")
	assert.Contains(t, gotQuery, "pageToken=tok")

	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, domain.MessageTypeCastAdd, m.Type)
	assert.Equal(t, int64(2), m.Fid)
	assert.Equal(t, []byte{0xd2, 0xb1}, m.Hash)
	assert.Equal(t, domain.FarcasterEpoch.Add(100*time.Second), m.Timestamp)
	require.NotNil(t, m.CastAdd)
	assert.Equal(t, "gm", m.CastAdd.Text)
	assert.Equal(t, []string{"https://example.com"}, m.CastAdd.Embeds)
	require.NotNil(t, m.CastAdd.ParentCastID)
	assert.Equal(t, int64(5), m.CastAdd.ParentCastID.Fid)
	assert.Equal(t, []byte{0x0a, 0x0b}, m.CastAdd.ParentCastID.Hash)
}

func TestToMessageBodies(t *testing.T) {
	reaction, err := toMessage(&wireMessage{
		Hash: "0x01",
		Data: &wireData{Type: "MESSAGE_TYPE_REACTION_ADD", Fid: 1, ReactionBody: &wireReaction{
			Type: "REACTION_TYPE_RECAST", TargetCastID: &wireCastID{Fid: 9, Hash: "0xff"},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), reaction.Reaction.Type)
	assert.Equal(t, []byte{0xff}, reaction.Reaction.TargetCastID.Hash)

	display := int64(50)
	link, err := toMessage(&wireMessage{
		Hash: "0x02",
		Data: &wireData{Type: "MESSAGE_TYPE_LINK_ADD", Fid: 1, LinkBody: &wireLink{Type: "follow", TargetFid: 3, DisplayTimestamp: &display}},
	})
	require.NoError(t, err)
	assert.Equal(t, "follow", link.Link.Type)
	require.NotNil(t, link.Link.DisplayTimestamp)
	assert.Equal(t, domain.FromFarcasterTime(50), *link.Link.DisplayTimestamp)

	verification, err := toMessage(&wireMessage{
		Hash: "0x03",
		Data: &wireData{Type: "MESSAGE_TYPE_VERIFICATION_ADD_ETH_ADDRESS", Fid: 1, VerificationAddEthAddressBody: &wireVerificationAdd{
			Address: "0xabcd", EthSignature: "c2ln", BlockHash: "0x99",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xcd}, verification.VerificationAdd.Address)
	assert.Equal(t, []byte("sig"), verification.VerificationAdd.Signature)

	userData, err := toMessage(&wireMessage{
		Hash: "0x04",
		Data: &wireData{Type: "MESSAGE_TYPE_USER_DATA_ADD", Fid: 1, UserDataBody: &wireUserData{Type: "USER_DATA_TYPE_USERNAME", Value: "alice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(6), userData.UserData.Type)

	_, err = toMessage(&wireMessage{Hash: "not-hex", Data: &wireData{}})
	assert.Error(t, err)
}

func TestNewestFid(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "true", r.URL.Query().Get("reverse"))
		_, _ = io.WriteString(w, `{"fids":[812345],"nextPageToken":"x"}`)
	}))

	fid, err := c.NewestFid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(812345), fid)
}

func TestAllMessagesByFidFollowsTokens(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = io.WriteString(w, `{"messages":[{"data":{"type":"MESSAGE_TYPE_LINK_ADD","fid":4,"linkBody":{"type":"follow","targetFid":1}},"hash":"0x01"}],"nextPageToken":"p2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"messages":[{"data":{"type":"MESSAGE_TYPE_LINK_ADD","fid":4,"linkBody":{"type":"follow","targetFid":2}},"hash":"0x02"}],"nextPageToken":""}`)
	}))

	msgs, err := c.AllMessagesByFid(context.Background(), domain.CategoryLink, 4)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, 2, calls)
}

func TestErrorsWrapSourceUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	_, err := c.Info(context.Background())
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Contains(t, err.Error(), "503")
}

func TestEventNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errCode":"not_found","details":"event not found"}`)
	}))

	_, err := c.Event(context.Background(), 123)
	require.ErrorIs(t, err, domain.ErrEventNotFound)
	assert.NotErrorIs(t, err, domain.ErrSourceUnavailable)
}

func TestEventByID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "77", r.URL.Query().Get("event_id"))
		_, _ = io.WriteString(w, `{"type":"HUB_EVENT_TYPE_PRUNE_MESSAGE","id":77,"pruneMessageBody":{"message":{"data":{"type":"MESSAGE_TYPE_CAST_ADD","fid":1,"castAddBody":{"text":"x"}},"hash":"0x05"}}}`)
	}))

	ev, err := c.Event(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, int64(77), ev.ID)
	assert.Equal(t, domain.EventTypePruneMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, []byte{0x05}, ev.Message.Hash)
}

// eventLog serves /v1/events from a fixed slice of events, one per page.
type eventLog struct {
	mu    sync.Mutex
	froms []string
}

func (l *eventLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from_event_id")
	l.mu.Lock()
	l.froms = append(l.froms, from)
	l.mu.Unlock()

	start, _ := strconv.ParseInt(from, 10, 64)
	if start < 10 {
		start = 10
	}
	if start > 12 {
		_, _ = io.WriteString(w, `{"nextPageEventId":13,"events":[]}`)
		return
	}
	typ := "HUB_EVENT_TYPE_MERGE_MESSAGE"
	if start == 11 {
		typ = "HUB_EVENT_TYPE_MERGE_ON_CHAIN_EVENT"
	}
	_, _ = io.WriteString(w, `{"nextPageEventId":`+strconv.FormatInt(start+1, 10)+`,"events":[{"type":"`+typ+`","id":`+strconv.FormatInt(start, 10)+`,"mergeMessageBody":{"message":{"data":{"type":"MESSAGE_TYPE_CAST_ADD","fid":1,"castAddBody":{"text":"x"}},"hash":"0x01"},"deletedMessages":[]}}]}`)
}

func TestSubscribePollsFilteredEvents(t *testing.T) {
	log := &eventLog{}
	c := newTestClient(t, log)

	from := int64(10)
	s, err := c.Subscribe(context.Background(), domain.ReplicatedEventTypes, &from)
	require.NoError(t, err)

	var ids []int64
	timeout := time.After(2 * time.Second)
	for len(ids) < 2 {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "stream closed early: %v", s.Err())
			ids = append(ids, ev.ID)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	require.NoError(t, s.Close())

	assert.Equal(t, []int64{10, 12}, ids, "event types outside the subscription are skipped")
	assert.NoError(t, s.Err())

	log.mu.Lock()
	defer log.mu.Unlock()
	assert.Equal(t, []string{"10", "11", "12"}, log.froms[:3])
}

func TestSubscribeFailsFast(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))

	_, err := c.Subscribe(context.Background(), domain.ReplicatedEventTypes, nil)
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
}
