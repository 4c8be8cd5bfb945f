package hub

import (
	"context"
	"sync"
	"time"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

// stream polls the hub's event log and delivers matching events in id order.
type stream struct {
	events chan *domain.HubEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe opens a polling subscription. The stream ends with an error on
// the first failed request; reconnecting is the caller's concern.
func (c *Client) Subscribe(ctx context.Context, types []domain.EventType, fromID *int64) (domain.EventStream, error) {
	wanted := make(map[domain.EventType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	// Fail fast so an unreachable hub is reported by Subscribe itself.
	first, err := c.events(ctx, fromID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		events: make(chan *domain.HubEvent, subscriptionBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(ctx, c, wanted, fromID, first)
	return s, nil
}

func (s *stream) run(ctx context.Context, c *Client, wanted map[domain.EventType]bool, from *int64, page *eventsResponse) {
	defer close(s.done)
	defer close(s.events)

	next := from
	for {
		for i := range page.Events {
			w := &page.Events[i]
			if next != nil && w.ID < *next {
				continue
			}
			id := w.ID + 1
			next = &id
			if len(wanted) > 0 && !wanted[domain.EventType(w.Type)] {
				continue
			}
			ev, err := toEvent(w)
			if err != nil {
				c.logger.Warn("skipping undecodable event", "event_id", w.ID, "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if page.NextPageEventID > 0 && (next == nil || page.NextPageEventID > *next) {
			id := page.NextPageEventID
			next = &id
		}

		if len(page.Events) == 0 {
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return
			}
		}

		var err error
		page, err = c.events(ctx, next)
		if err != nil {
			if ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stream) Events() <-chan *domain.HubEvent {
	return s.events
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops polling and waits for the stream goroutine to exit.
func (s *stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
