// Package server exposes the replica's HTTP surface: the websocket event
// stream clients attach to, the master-token administrative trigger, the
// data source manifest, and health endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"psync/internal/psync"
	"psync/internal/psync/detector"
	"psync/internal/psync/replica"
	"psync/internal/validator"
)

// Config carries the HTTP surface settings.
type Config struct {
	Addr string
	// ClientToken authenticates sessions on the event stream.
	ClientToken string
	// MasterToken authenticates administrative triggers.
	MasterToken string
	// TriggerPerMinute rate-limits the manual update trigger.
	TriggerPerMinute int
}

// Server wires the replica, detector and manifest behind HTTP handlers.
type Server struct {
	cfg      Config
	replica  *replica.Replica
	detector *detector.Detector
	logger   *zap.Logger

	mu       sync.RWMutex
	manifest psync.Manifest

	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	server   *http.Server
}

func NewServer(cfg Config, rep *replica.Replica, det *detector.Detector, manifest psync.Manifest, logger *zap.Logger) (*Server, error) {
	if cfg.TriggerPerMinute <= 0 {
		cfg.TriggerPerMinute = 30
	}

	s := Server{
		cfg:      cfg,
		replica:  rep,
		detector: det,
		logger:   logger.Named("api-server"),
		manifest: manifest,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.TriggerPerMinute)/60.0), cfg.TriggerPerMinute),
	}

	if err := validator.Validate("api server", s.replica, s.detector, s.cfg.Addr); err != nil {
		return nil, fmt.Errorf("failed to validate server deps: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", s.handleStream)
	mux.HandleFunc("POST /v1/data/config", s.handleTrigger)
	mux.HandleFunc("GET /v1/data/config", s.handleManifest)
	mux.HandleFunc("POST /v1/webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: websocket streams outlive any fixed deadline.
		IdleTimeout: 120 * time.Second,
	}

	return &s, nil
}

// Start serves until ctx is cancelled. An immediate listen failure is
// replica-fatal; everything else is handled per connection.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting api server", zap.String("addr", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// SetManifest replaces the served data source manifest.
func (s *Server) SetManifest(m psync.Manifest) {
	s.mu.Lock()
	s.manifest = m
	s.mu.Unlock()
}

func tokenEqual(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func bearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var hello psync.Hello
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		s.logger.Warn("failed to read client hello", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	if !tokenEqual(hello.Token, s.cfg.ClientToken) {
		s.logger.Warn("rejecting session with bad credential")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, psync.ErrAuthenticationFailed.Error()),
			time.Now().Add(time.Second))
		return
	}

	session, first, err := s.replica.Attach(hello.SessionID, hello.Topics, hello.Cursors)
	if err != nil {
		s.logger.Warn("failed to attach session", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, err.Error()),
			time.Now().Add(time.Second))
		return
	}

	logger := s.logger.With(zap.String("session", session.ID))
	logger.Info("session attached",
		zap.Strings("topics", hello.Topics),
		zap.String("mode", first.Type),
	)

	done := s.replica.TrackHandler()
	defer done()

	// Captured once: a takeover swaps the session's outbound channel, and
	// a superseded handler must only ever observe its own, closed one.
	// Detaching is likewise conditional on still owning the channel so a
	// stale handler cannot suspend the session its successor resumed.
	out := session.Outbound()
	detach := func() {
		if session.Outbound() == out {
			s.replica.Detach(session.ID)
		}
	}

	if err := conn.WriteJSON(first); err != nil {
		logger.Warn("failed to write handshake frame", zap.Error(err))
		detach()
		return
	}
	if first.Type == psync.FrameResync {
		// The directive's heads already position the session; live
		// delivery continues behind the client's snapshot.
		s.replica.Resynced(session.ID)
	}

	// Reader: acks and disconnects.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var frame psync.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == psync.FrameAck && frame.Ack != nil {
				s.replica.Ack(session.ID, frame.Ack.Topic, frame.Ack.ID)
			}
		}
	}()

	// Writer: the session's outbound stream, closed on suspend or drain.
	for {
		select {
		case <-readerDone:
			detach()
			return
		case frame, ok := <-out:
			if !ok {
				// Drained or superseded; tell the client we're done.
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "draining"),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Warn("failed to write frame, suspending session", zap.Error(err))
				detach()
				return
			}
			if frame.Type == psync.FrameResync {
				s.replica.Resynced(session.ID)
			}
		}
	}
}

// triggerRequest is the body of the manual data update trigger.
type triggerRequest struct {
	Topic      string `json:"topic"`
	Revision   string `json:"revision,omitempty"`
	PayloadRef string `json:"payloadRef,omitempty"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !tokenEqual(bearer(r), s.cfg.MasterToken) {
		http.Error(w, psync.ErrAuthenticationFailed.Error(), http.StatusUnauthorized)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "trigger rate exceeded", http.StatusTooManyRequests)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		http.Error(w, "body must carry a topic", http.StatusBadRequest)
		return
	}
	if req.Revision == "" {
		req.Revision = "manual::" + uuid.NewString()
	}

	e := psync.ChangeEvent{
		Topic:      req.Topic,
		Revision:   req.Revision,
		PayloadRef: req.PayloadRef,
	}
	if err := s.replica.PublishChange(r.Context(), e); err != nil {
		s.logger.Error("manual trigger publish failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.logger.Info("manual data update triggered",
		zap.String("topic", req.Topic),
		zap.String("revision", req.Revision),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued", "revision": req.Revision})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if !tokenEqual(bearer(r), s.cfg.ClientToken) && !tokenEqual(bearer(r), s.cfg.MasterToken) {
		http.Error(w, psync.ErrAuthenticationFailed.Error(), http.StatusUnauthorized)
		return
	}

	s.mu.RLock()
	manifest := s.manifest
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(manifest)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !tokenEqual(bearer(r), s.cfg.MasterToken) {
		http.Error(w, psync.ErrAuthenticationFailed.Error(), http.StatusUnauthorized)
		return
	}

	s.detector.Poke()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"degraded": s.detector.Degraded(),
		"sessions": s.replica.SessionCounts(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.detector.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "waiting for initial policy revision"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
