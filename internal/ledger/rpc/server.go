package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	maxBodyBytes = 1 << 20
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimit caps history requests per second across all callers.
// Requests over the limit get 429.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// Server exposes a ledger.Client over HTTP and WebSocket.
type Server struct {
	ledger   ledger.Client
	logger   *slog.Logger
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// NewServer creates a server for l.
func NewServer(l ledger.Client, opts ...ServerOption) *Server {
	s := &Server{
		ledger: l,
		logger: slog.Default(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "rpc-server")
	s.mux.HandleFunc("POST /events", s.handleEvents)
	s.mux.HandleFunc("GET /live", s.handleLive)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		return
	}

	var req eventsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := ir.NewAccountKey(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cursor := ir.Position{Seq: req.AfterSeq, ID: req.AfterID}
	page, err := s.ledger.FetchEventsSince(r.Context(), account, cursor, req.PageToken, req.Limit)
	if err != nil {
		s.logger.Warn("fetch failed", "account", account, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}

	resp := eventsResponse{
		Events:        make([]json.RawMessage, 0, len(page.Events)),
		NextPageToken: page.NextPageToken,
		AtTip:         page.AtTip,
	}
	for _, ev := range page.Events {
		raw, err := ledger.Encode(ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Events = append(resp.Events, raw)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	account, err := ir.NewAccountKey(r.URL.Query().Get("account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sub, err := s.ledger.SubscribeLive(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer sub.Close()

	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer wc.Close()

	// The client never sends data frames; reading only detects its close.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := wc.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ping.C:
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				s.logger.Debug("live stream ended", "account", account, "cause", sub.Err())
				wc.SetWriteDeadline(time.Now().Add(writeTimeout))
				wc.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"))
				return
			}
			raw, err := ledger.Encode(ev)
			if err != nil {
				s.logger.Warn("encode failed", "account", account, "error", err)
				return
			}
			wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wc.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}
