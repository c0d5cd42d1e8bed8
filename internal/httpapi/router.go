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

// Package httpapi is the REST-ish frontend fronting the Scheduler
// Facade's ActionScheduler half: AddAction, FindExistingAction, and
// CancelAction, plus worker token issuance and Prometheus text-format
// exposition (§6). It never implements the Bazel Remote Execution gRPC
// surface itself (internal/grpcapi does that); this is the
// operator/debugging-facing HTTP view the teacher's
// internal/daemon/api/router.go plays for conductord.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildforge/scheduler/internal/log"
	"github.com/buildforge/scheduler/internal/scheduler"
	"github.com/buildforge/scheduler/internal/wsapi"
)

// RouterConfig configures the HTTP router.
type RouterConfig struct {
	Version        string
	MetricsEnabled bool
	MetricsPath    string
}

// Router wraps an http.ServeMux exposing scheduler operations and
// Prometheus metrics.
type Router struct {
	mux       *http.ServeMux
	config    RouterConfig
	scheduler scheduler.ActionScheduler
	issuer    *wsapi.TokenIssuer
	logger    *slog.Logger
}

// NewRouter creates a Router backed by an ActionScheduler view. issuer
// may be nil, in which case the worker token issuance endpoint is not
// registered (no worker_api server was configured, so there is nothing
// for a worker to present a token to).
func NewRouter(cfg RouterConfig, as scheduler.ActionScheduler, issuer *wsapi.TokenIssuer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		scheduler: as,
		issuer:    issuer,
		logger:    logger,
	}

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("POST /v1/actions", r.handleAddAction)
	r.mux.HandleFunc("GET /v1/actions/{instance}/{hash}/{size}", r.handleFindAction)
	r.mux.HandleFunc("DELETE /v1/actions/{instance}/{hash}/{size}", r.handleCancelAction)
	if r.issuer != nil {
		r.mux.HandleFunc("POST /v1/worker-tokens", r.handleIssueWorkerToken)
	}

	if cfg.MetricsEnabled {
		r.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return r
}

// ServeHTTP implements http.Handler, logging each request's outcome the
// way the teacher's Router.ServeHTTP logs request completion.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}()
	r.mux.ServeHTTP(w, req)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux { return r.mux }

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.config.Version})
}

type addActionRequest struct {
	InstanceName    string            `json:"instance_name"`
	CommandHash     string            `json:"command_hash"`
	CommandSize     int64             `json:"command_size"`
	InputRootHash   string            `json:"input_root_hash"`
	InputRootSize   int64             `json:"input_root_size"`
	TimeoutSeconds  int64             `json:"timeout_seconds,omitempty"`
	PlatformProps   map[string]string `json:"platform_properties,omitempty"`
	Priority        int64             `json:"priority,omitempty"`
	SkipCacheLookup bool              `json:"skip_cache_lookup,omitempty"`
	Salt            uint64            `json:"salt,omitempty"`
}

func (r *Router) handleAddAction(w http.ResponseWriter, req *http.Request) {
	var body addActionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	info := &scheduler.ActionInfo{
		InstanceName:    body.InstanceName,
		CommandDigest:   scheduler.Digest{Hash: body.CommandHash, SizeBytes: body.CommandSize},
		InputRootDigest: scheduler.Digest{Hash: body.InputRootHash, SizeBytes: body.InputRootSize},
		Timeout:         time.Duration(body.TimeoutSeconds) * time.Second,
		PlatformProps:   body.PlatformProps,
		Priority:        body.Priority,
		LoadTimestamp:   time.Now(),
		InsertTimestamp: time.Now(),
		SkipCacheLookup: body.SkipCacheLookup,
		Salt:            body.Salt,
	}

	sub, err := r.scheduler.AddAction(info)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}

	fp := info.Fingerprint()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"fingerprint": fp.String(),
	})
	_ = sub // the caller reconnects via a state-stream endpoint (external frontend concern); this confirms submission only.
}

func (r *Router) handleFindAction(w http.ResponseWriter, req *http.Request) {
	size, err := strconv.ParseInt(req.PathValue("size"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest size")
		return
	}
	fp := scheduler.ActionInfoHashKey{
		InstanceName: req.PathValue("instance"),
		Digest: scheduler.Digest{
			Hash:      req.PathValue("hash"),
			SizeBytes: size,
		},
	}

	sub, ok := r.scheduler.FindExistingAction(fp)
	if !ok {
		writeError(w, http.StatusNotFound, "no such action")
		return
	}
	_ = sub
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp.String()})
}

func (r *Router) handleCancelAction(w http.ResponseWriter, req *http.Request) {
	size, err := strconv.ParseInt(req.PathValue("size"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest size")
		return
	}
	fp := scheduler.ActionInfoHashKey{
		InstanceName: req.PathValue("instance"),
		Digest: scheduler.Digest{
			Hash:      req.PathValue("hash"),
			SizeBytes: size,
		},
	}

	if err := r.scheduler.CancelAction(fp); err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp.String()})
}

type issueWorkerTokenRequest struct {
	Subject string `json:"subject"`
}

// handleIssueWorkerToken mints a worker session JWT for the requesting
// subject. A worker calls this before opening the worker_api WebSocket
// and presents the returned token as X-Worker-Token on the handshake.
func (r *Router) handleIssueWorkerToken(w http.ResponseWriter, req *http.Request) {
	var body issueWorkerTokenRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Subject == "" {
		writeError(w, http.StatusBadRequest, "subject must not be empty")
		return
	}

	token, err := r.issuer.Issue(body.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func writeSchedulerError(w http.ResponseWriter, err error) {
	se, ok := scheduler.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeError(w, httpStatusForKind(se.Kind), se.Error())
}

func httpStatusForKind(k scheduler.Kind) int {
	switch k {
	case scheduler.KindInvalidArgument:
		return http.StatusBadRequest
	case scheduler.KindNotFound:
		return http.StatusNotFound
	case scheduler.KindResourceExhausted:
		return http.StatusTooManyRequests
	case scheduler.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case scheduler.KindCancelled:
		return 499
	case scheduler.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.New(log.FromEnv()).Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
