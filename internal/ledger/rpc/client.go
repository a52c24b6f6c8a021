package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for history queries.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client implements ledger.Client against a Server.
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

var _ ledger.Client = (*Client)(nil)

// NewClient creates a client. wsURL may be empty, in which case it is derived
// from baseURL by swapping the scheme.
func NewClient(baseURL, wsURL string, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(baseURL, "http")
	}
	c := &Client{
		baseURL: baseURL,
		wsURL:   strings.TrimRight(wsURL, "/"),
		http:    http.DefaultClient,
		dialer:  websocket.DefaultDialer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchEventsSince implements ledger.Client.
func (c *Client) FetchEventsSince(ctx context.Context, account ir.AccountKey, cursor ir.Position, pageToken string, limit int) (ledger.Page, error) {
	body, err := json.Marshal(eventsRequest{
		Account:   string(account),
		AfterSeq:  cursor.Seq,
		AfterID:   cursor.ID,
		PageToken: pageToken,
		Limit:     limit,
	})
	if err != nil {
		return ledger.Page{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return ledger.Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ledger.Page{}, fmt.Errorf("fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var er errorResponse
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if json.Unmarshal(msg, &er) == nil && er.Error != "" {
			return ledger.Page{}, fmt.Errorf("fetch events: %s: %s", resp.Status, er.Error)
		}
		return ledger.Page{}, fmt.Errorf("fetch events: %s", resp.Status)
	}

	var out eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ledger.Page{}, fmt.Errorf("decode response: %w", err)
	}
	page := ledger.Page{
		Events:        make([]ir.Event, 0, len(out.Events)),
		NextPageToken: out.NextPageToken,
		AtTip:         out.AtTip,
	}
	for _, raw := range out.Events {
		ev, err := ledger.Decode(raw)
		if err != nil {
			return ledger.Page{}, fmt.Errorf("fetch events: %w", err)
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

// SubscribeLive implements ledger.Client.
func (c *Client) SubscribeLive(ctx context.Context, account ir.AccountKey) (ledger.Subscription, error) {
	target := c.wsURL + "/live?account=" + url.QueryEscape(string(account))
	wc, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("subscribe %s: %w", account, ledger.ErrUnavailable)
		}
		return nil, fmt.Errorf("subscribe %s: %w", account, err)
	}

	sub := &wsSub{
		wc:     wc,
		ch:     make(chan ir.Event),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go sub.read(c.logger.With("account", account))
	return sub, nil
}

type wsSub struct {
	wc     *websocket.Conn
	ch     chan ir.Event
	done   chan struct{} // reader exited
	closed chan struct{} // Close called

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *wsSub) read(logger *slog.Logger) {
	defer close(s.done)
	defer close(s.ch)

	for {
		op, r, err := s.wc.NextReader()
		if err != nil {
			s.fail(err)
			return
		}
		if op != websocket.TextMessage {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			s.fail(err)
			return
		}
		ev, err := ledger.Decode(raw)
		if err != nil {
			// Without a position the record can be neither ordered nor
			// skipped; dropping the stream lets the gap check reconcile.
			logger.Warn("undecodable live record", "error", err)
			s.fail(err)
			return
		}
		select {
		case s.ch <- ev:
		case <-s.closed:
			return
		}
	}
}

func (s *wsSub) fail(err error) {
	select {
	case <-s.closed:
		return // owner closed; not a disconnect
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = fmt.Errorf("%w: %v", ledger.ErrDisconnected, err)
}

func (s *wsSub) Events() <-chan ir.Event { return s.ch }

func (s *wsSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.wc.Close()
		<-s.done
	})
	return err
}
