package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/backfill"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/domain"
	"github.com/jiayuxiaochaoren/farcaster-indexer/internal/replicator"
)

const (
	defaultStatsInterval = 2 * time.Second
	writeWait            = 5 * time.Second
	pongWait             = 60 * time.Second
	pingPeriod           = 30 * time.Second
)

// Replicator is the part of the process root the server exposes.
type Replicator interface {
	Stats() replicator.Stats
	TriggerBackfill(r backfill.FidRange) error
}

// Server is the HTTP server that serves the replicator's operational endpoints.
type Server struct {
	rep           Replicator
	logger        *slog.Logger
	httpServer    *http.Server
	statsInterval time.Duration
	upgrader      websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates a new HTTP server on port. A non-positive statsInterval
// selects the default push interval of /stats/stream.
func NewServer(port int, rep Replicator, statsInterval time.Duration, logger *slog.Logger) *Server {
	if statsInterval <= 0 {
		statsInterval = defaultStatsInterval
	}
	s := &Server{
		rep:           rep,
		logger:        logger.With("component", "http"),
		statsInterval: statsInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /stats/stream", s.handleStatsStream)
	mux.HandleFunc("POST /backfill", s.handleBackfill)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      withLogging(s.logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and ends open stat streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rep.Stats())
}

// handleStatsStream pushes Stats over a websocket every statsInterval.
func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only send control frames; reading is how closes are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	statsTicker := time.NewTicker(s.statsInterval)
	defer statsTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	if err := s.writeStats(conn); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-s.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-statsTicker.C:
			if err := s.writeStats(conn); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStats(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.rep.Stats()); err != nil {
		s.logger.Debug("stats stream write failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var rng backfill.FidRange
	for name, dst := range map[string]*int64{"min_fid": &rng.Min, "max_fid": &rng.Max} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "InvalidRequest", name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	err := s.rep.TriggerBackfill(rng)
	switch {
	case err == nil:
		s.logger.Info("backfill triggered", "min_fid", rng.Min, "max_fid", rng.Max)
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "range": rng})
	case errors.Is(err, domain.ErrBackfillActive):
		writeError(w, http.StatusConflict, "BackfillActive", err.Error())
	case errors.Is(err, replicator.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, "NotRunning", err.Error())
	default:
		s.logger.Error("failed to trigger backfill", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to trigger backfill")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
