// Package hub implements domain.SourceClient against a Farcaster hub's HTTP API.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
)

const (
	defaultPollInterval = time.Second
	defaultEventsPage   = 1000
	subscriptionBuffer  = 256
)

var categoryPaths = map[domain.Category]string{
	domain.CategoryCast:         "/v1/castsByFid",
	domain.CategoryReaction:     "/v1/reactionsByFid",
	domain.CategoryLink:         "/v1/linksByFid",
	domain.CategoryVerification: "/v1/verificationsByFid",
	domain.CategoryUserData:     "/v1/userDataByFid",
}

// Options configure a Client.
type Options struct {
	// URL is the hub address, either host:port or a full URL.
	URL string

	// SSL selects https when URL carries no scheme.
	SSL bool

	// RequestsPerSecond caps outgoing requests. Zero means unlimited.
	RequestsPerSecond float64

	// PollInterval is how long the event stream waits when caught up.
	PollInterval time.Duration

	HTTPClient *http.Client
}

// Client is a hub HTTP API client. All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a new hub client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	base, err := baseURL(opts.URL, opts.SSL)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	return &Client{
		baseURL:      base,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		pollInterval: poll,
		logger:       logger.With("component", "hub"),
	}, nil
}

func baseURL(raw string, ssl bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("hub url is required")
	}
	if !strings.Contains(raw, "://") {
		scheme := "http"
		if ssl {
			scheme = "https"
		}
		raw = scheme + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("hub url %q has no host", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// Info returns hub metadata.
func (c *Client) Info(ctx context.Context) (*domain.HubInfo, error) {
	var resp infoResponse
	if err := c.get(ctx, "/v1/info", nil, &resp); err != nil {
		return nil, fmt.Errorf("get info: %w", err)
	}
	return &domain.HubInfo{Version: resp.Version, Nickname: resp.Nickname, IsSyncing: resp.IsSyncing}, nil
}

// NewestFid asks for the first page of account ids in reverse order with a
// page size of one.
func (c *Client) NewestFid(ctx context.Context) (int64, error) {
	q := url.Values{}
	q.Set("pageSize", "1")
	q.Set("reverse", "true")

	var resp fidsResponse
	if err := c.get(ctx, "/v1/fids", q, &resp); err != nil {
		return 0, fmt.Errorf("get fids: %w", err)
	}
	if len(resp.Fids) == 0 {
		return 0, nil
	}
	return resp.Fids[0], nil
}

// MessagesByFid returns one page of category for fid.
func (c *Client) MessagesByFid(ctx context.Context, category domain.Category, fid int64, pageSize int, pageToken string) ([]*domain.Message, string, error) {
	path, ok := categoryPaths[category]
	if !ok {
		return nil, "", fmt.Errorf("unknown category %d", category)
	}

	q := url.Values{}
	q.Set("fid", strconv.FormatInt(fid, 10))
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}

	var resp messagesResponse
	if err := c.get(ctx, path, q, &resp); err != nil {
		return nil, "", fmt.Errorf("get %s for fid %d: %w", category, fid, err)
	}

	msgs := make([]*domain.Message, 0, len(resp.Messages))
	for i := range resp.Messages {
		m, err := toMessage(&resp.Messages[i])
		if err != nil {
			c.logger.Warn("skipping undecodable message", "category", category.String(), "fid", fid, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, resp.NextPageToken, nil
}

// AllMessagesByFid returns every message of category for fid, following
// continuation tokens if the hub splits the response.
func (c *Client) AllMessagesByFid(ctx context.Context, category domain.Category, fid int64) ([]*domain.Message, error) {
	var (
		all   []*domain.Message
		token string
	)
	for {
		msgs, next, err := c.MessagesByFid(ctx, category, fid, 0, token)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
		if next == "" || next == token {
			return all, nil
		}
		token = next
	}
}

// Event fetches a single event by id.
func (c *Client) Event(ctx context.Context, id int64) (*domain.HubEvent, error) {
	q := url.Values{}
	q.Set("event_id", strconv.FormatInt(id, 10))

	var resp wireEvent
	if err := c.get(ctx, "/v1/eventById", q, &resp); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.notFound() {
			return nil, fmt.Errorf("event %d: %w", id, domain.ErrEventNotFound)
		}
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return toEvent(&resp)
}

// CurrentEventID derives the id the hub would assign to an event merged now.
func (c *Client) CurrentEventID(_ context.Context) (int64, error) {
	return domain.EventIDAt(time.Now()), nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) events(ctx context.Context, from *int64) (*eventsResponse, error) {
	q := url.Values{}
	q.Set("pageSize", strconv.Itoa(defaultEventsPage))
	if from != nil {
		q.Set("from_event_id", strconv.FormatInt(*from, 10))
	}
	var resp eventsResponse
	if err := c.get(ctx, "/v1/events", q, &resp); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return &resp, nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

func (e *apiError) notFound() bool {
	if e.Status == http.StatusNotFound {
		return true
	}
	body := strings.ToLower(e.Body)
	return strings.Contains(body, "not_found") || strings.Contains(body, "notfound")
}

// get issues a rate-limited GET. Every failure wraps domain.ErrSourceUnavailable.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %w", domain.ErrSourceUnavailable, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send request: %w", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrSourceUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %w", domain.ErrSourceUnavailable, &apiError{Status: resp.StatusCode, Body: string(respBody)})
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: unmarshal response: %w", domain.ErrSourceUnavailable, err)
		}
	}
	return nil
}
