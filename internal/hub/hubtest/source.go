// Package hubtest provides an in-memory domain.SourceClient for tests.
package hubtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

type pageKey struct {
	fid      int64
	category domain.Category
}

// Source is a programmable hub. The zero value is not usable; call New.
type Source struct {
	mu sync.Mutex

	info      domain.HubInfo
	infoErr   error
	newest    int64
	newestErr error
	current   int64

	messages map[pageKey][]*domain.Message
	failures map[int64]error
	events   map[int64]*domain.HubEvent
	calls    map[pageKey]int
	delay    time.Duration

	active    int
	maxActive int

	subscribeErr  error
	subscriptions []*int64
	stream        *Stream
	subscribed    chan struct{}
}

// New returns an empty Source whose newest fid is newest.
func New(newest int64) *Source {
	return &Source{
		newest:     newest,
		messages:   make(map[pageKey][]*domain.Message),
		failures:   make(map[int64]error),
		events:     make(map[int64]*domain.HubEvent),
		calls:      make(map[pageKey]int),
		subscribed: make(chan struct{}, 64),
	}
}

// SetInfoError makes Info fail.
func (s *Source) SetInfoError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoErr = err
}

// SetNewestError makes NewestFid fail.
func (s *Source) SetNewestError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newestErr = err
}

// SetCurrentEventID fixes the value returned by CurrentEventID.
func (s *Source) SetCurrentEventID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = id
}

// SetDelay makes every per-fid fetch sleep for d.
func (s *Source) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetMessages replaces the messages of one category of fid.
func (s *Source) SetMessages(fid int64, category domain.Category, msgs ...*domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[pageKey{fid, category}] = msgs
}

// FailFid makes every fetch for fid return err.
func (s *Source) FailFid(fid int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[fid] = err
}

// AddEvent makes the event retrievable through Event.
func (s *Source) AddEvent(ev *domain.HubEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
}

// SetSubscribeError makes Subscribe fail.
func (s *Source) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// Calls returns how many fetches were made for one category of fid.
func (s *Source) Calls(fid int64, category domain.Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[pageKey{fid, category}]
}

// MaxConcurrentFids is the highest number of accounts whose casts were being
// fetched at the same time.
func (s *Source) MaxConcurrentFids() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

// Subscriptions returns the fromID of every Subscribe call, in order.
func (s *Source) Subscriptions() []*int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*int64(nil), s.subscriptions...)
}

// WaitSubscribed blocks until Subscribe has succeeded n times in total.
func (s *Source) WaitSubscribed(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		got := len(s.subscriptions)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.subscribed:
		case <-deadline:
			return false
		}
	}
}

// Emit delivers ev on the current stream.
func (s *Source) Emit(ev *domain.HubEvent) {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		st.send(ev)
	}
}

// EndStream terminates the current stream with err.
func (s *Source) EndStream(err error) {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		st.end(err)
	}
}

func (s *Source) Info(_ context.Context) (*domain.HubInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.infoErr != nil {
		return nil, s.infoErr
	}
	info := s.info
	return &info, nil
}

func (s *Source) NewestFid(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.newestErr != nil {
		return 0, s.newestErr
	}
	return s.newest, nil
}

// MessagesByFid pages through the configured messages. The token is the
// offset of the next page; it is empty once the last record was returned.
func (s *Source) MessagesByFid(ctx context.Context, category domain.Category, fid int64, pageSize int, pageToken string) ([]*domain.Message, string, error) {
	key := pageKey{fid, category}
	if err := s.enter(ctx, key); err != nil {
		return nil, "", err
	}
	defer s.leave(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[key]
	offset := 0
	if pageToken != "" {
		var err error
		if offset, err = strconv.Atoi(pageToken); err != nil {
			return nil, "", fmt.Errorf("bad page token %q", pageToken)
		}
	}
	end := len(all)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
	}
	if offset > end {
		offset = end
	}
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return all[offset:end], next, nil
}

func (s *Source) AllMessagesByFid(ctx context.Context, category domain.Category, fid int64) ([]*domain.Message, error) {
	key := pageKey{fid, category}
	if err := s.enter(ctx, key); err != nil {
		return nil, err
	}
	defer s.leave(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Message(nil), s.messages[key]...), nil
}

func (s *Source) Subscribe(_ context.Context, _ []domain.EventType, fromID *int64) (domain.EventStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	var from *int64
	if fromID != nil {
		v := *fromID
		from = &v
	}
	s.subscriptions = append(s.subscriptions, from)
	s.stream = newStream()
	select {
	case s.subscribed <- struct{}{}:
	default:
	}
	return s.stream, nil
}

func (s *Source) Event(_ context.Context, id int64) (*domain.HubEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", id, domain.ErrEventNotFound)
	}
	return ev, nil
}

func (s *Source) CurrentEventID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *Source) Close() error {
	s.EndStream(nil)
	return nil
}

func (s *Source) enter(ctx context.Context, key pageKey) error {
	s.mu.Lock()
	s.calls[key]++
	err := s.failures[key.fid]
	delay := s.delay
	if key.category == domain.CategoryCast {
		s.active++
		s.maxActive = max(s.maxActive, s.active)
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, err)
	}
	return nil
}

func (s *Source) leave(key pageKey) {
	if key.category != domain.CategoryCast {
		return
	}
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

// Stream is the EventStream handed out by Source.Subscribe.
type Stream struct {
	ch chan *domain.HubEvent

	mu     sync.Mutex
	err    error
	closed bool
}

func newStream() *Stream {
	return &Stream{ch: make(chan *domain.HubEvent, 1024)}
}

func (st *Stream) send(ev *domain.HubEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.ch <- ev
	}
}

func (st *Stream) end(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.err = err
	st.closed = true
	close(st.ch)
}

func (st *Stream) Events() <-chan *domain.HubEvent {
	return st.ch
}

func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *Stream) Close() error {
	st.end(nil)
	return nil
}
