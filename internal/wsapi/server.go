// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wsapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/buildforge/scheduler/internal/scheduler"
)

var (
	// ErrServerClosed is returned when operations are attempted on a
	// closed server.
	ErrServerClosed = errors.New("wsapi: server closed")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the
	// configured timeout.
	ErrShutdownTimeout = errors.New("wsapi: shutdown timeout exceeded")
)

// Config configures the worker-facing WebSocket server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	TokenSecret     []byte
	Logger          *slog.Logger
}

// Server accepts worker WebSocket connections and drives each through
// registration and the Worker Session protocol against a
// scheduler.WorkerScheduler.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	scheduler scheduler.WorkerScheduler
	validator *TokenValidator
	upgrader  websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
	shutdownCh chan struct{}

	connMu      sync.Mutex
	connections map[*websocket.Conn]struct{}
}

// NewServer creates a Server dispatching registered workers and their
// session traffic into ws.
func NewServer(cfg Config, ws scheduler.WorkerScheduler) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:         cfg,
		logger:      logger,
		scheduler:   ws,
		validator:   NewTokenValidator(cfg.TokenSecret),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		shutdownCh:  make(chan struct{}),
		connections: make(map[*websocket.Conn]struct{}),
	}
}

// Start binds cfg.Addr and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.httpServer != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{Handler: mux, ReadTimeout: 10 * time.Second}

	go func() {
		s.logger.Info("worker session server starting", "addr", s.cfg.Addr)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("worker session server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Worker-Token")
	subject, err := s.validator.Validate(token, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
		} else {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	go s.handleConnection(conn, subject)
}

// handleConnection drives one worker session end to end: register,
// stream inbound messages, and clean up on disconnect.
func (s *Server) handleConnection(conn *websocket.Conn, subjectHint string) {
	tx := newConnTransport(conn)
	session := scheduler.NewSession(tx)
	workerID := uuid.NewString()

	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		conn.Close()

		_ = session.Terminate()
		_ = s.scheduler.RemoveWorker(workerID)
		s.logger.Info("worker session closed", "worker_id", workerID)
	}()

	var reg registerMessage
	if err := conn.ReadJSON(&reg); err != nil {
		s.logger.Warn("worker registration failed", "error", err)
		return
	}

	if err := session.Register(workerID); err != nil {
		s.logger.Error("session register failed", "worker_id", workerID, "error", err)
		return
	}

	w := &scheduler.Worker{
		WorkerID:           workerID,
		PlatformProperties: reg.Properties,
		LastKeepalive:      time.Now(),
		Tx:                 tx,
		Session:            session,
	}
	_ = session.MarkIdle()
	if err := s.scheduler.AddWorker(w); err != nil {
		s.logger.Error("add worker failed", "worker_id", workerID, "error", err)
		return
	}

	if err := tx.sendConnectionResult(workerID); err != nil {
		s.logger.Warn("connection result send failed", "worker_id", workerID, "error", err)
		return
	}
	s.logger.Info("worker registered", "worker_id", workerID, "subject", subjectHint)

	conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		s.dispatchInbound(workerID, session, msg)
	}
}

// dispatchInbound drives session's state machine from msg via
// Session.HandleInbound, then routes msg to the matching
// scheduler.WorkerScheduler operation. An execute_result whose
// stage_kind the server doesn't recognize is rejected outright rather
// than silently reported as success.
func (s *Server) dispatchInbound(workerID string, session *scheduler.Session, msg inboundMessage) {
	switch msg.Kind {
	case inboundKeepAlive:
		if err := session.HandleInbound(scheduler.Inbound{Kind: scheduler.InboundKeepAlive}); err != nil {
			s.logger.Warn("session keep_alive transition failed", "worker_id", workerID, "error", err)
		}
		if err := s.scheduler.WorkerKeepAliveReceived(workerID, time.Now()); err != nil {
			s.logger.Warn("keepalive rejected", "worker_id", workerID, "error", err)
		}
	case inboundExecuteResult:
		if msg.Fingerprint == nil {
			return
		}
		stage, err := stageFromWire(msg.StageKind, msg.ExitCode)
		if err != nil {
			s.logger.Warn("execute_result rejected", "worker_id", workerID, "error", err)
			return
		}
		if err := session.HandleInbound(scheduler.Inbound{Kind: scheduler.InboundExecuteResult, Stage: stage}); err != nil {
			s.logger.Warn("session execute_result transition failed", "worker_id", workerID, "error", err)
		}
		if err := s.scheduler.UpdateAction(workerID, msg.Fingerprint.toFingerprint(), stage); err != nil {
			s.logger.Warn("update action failed", "worker_id", workerID, "error", err)
		}
	case inboundInternalError:
		if msg.Fingerprint == nil {
			return
		}
		kind := parseErrorKind(msg.ErrorKind)
		if err := session.HandleInbound(scheduler.Inbound{Kind: scheduler.InboundInternalError, ErrorKind: kind, ErrorMessage: msg.ErrorMessage}); err != nil {
			s.logger.Warn("session internal_error transition failed", "worker_id", workerID, "error", err)
		}
		cause := scheduler.New(kind, msg.ErrorMessage)
		if err := s.scheduler.UpdateActionWithInternalError(workerID, msg.Fingerprint.toFingerprint(), cause); err != nil {
			s.logger.Warn("update action with internal error failed", "worker_id", workerID, "error", err)
		}
	case inboundGoingAway:
		if err := session.HandleInbound(scheduler.Inbound{Kind: scheduler.InboundGoingAway}); err != nil {
			s.logger.Warn("session going_away transition failed", "worker_id", workerID, "error", err)
		}
		_ = s.scheduler.RemoveWorker(workerID)
	}
}

// stageFromWire decodes a worker's execute_result stage_kind. "completed"
// is the only value a worker ever legitimately sends here; any other
// kind is rejected rather than silently reported as a success so an
// unexpected wire value can't be mistaken for a completed action.
func stageFromWire(kind string, exitCode int32) (scheduler.ActionStage, error) {
	switch kind {
	case "completed":
		return scheduler.CompletedStage(&scheduler.ActionResult{ExitCode: exitCode}), nil
	default:
		return scheduler.ActionStage{}, fmt.Errorf("wsapi: unknown stage_kind %q", kind)
	}
}

func parseErrorKind(s string) scheduler.Kind {
	switch s {
	case "Unavailable":
		return scheduler.KindUnavailable
	case "DeadlineExceeded":
		return scheduler.KindDeadlineExceeded
	case "Cancelled":
		return scheduler.KindCancelled
	default:
		return scheduler.KindInternal
	}
}

// Shutdown closes every worker connection and stops the HTTP server,
// waiting up to the configured ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	httpServer := s.httpServer
	s.mu.Unlock()

	close(s.shutdownCh)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	s.connMu.Lock()
	for conn := range s.connections {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.connMu.Unlock()

	if httpServer == nil {
		return nil
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrShutdownTimeout
		}
		return err
	}
	return nil
}
