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

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/scheduler/internal/platform"
	"github.com/buildforge/scheduler/internal/scheduler"
	"github.com/buildforge/scheduler/internal/wsapi"
)

func newTestRouter(t *testing.T) (*Router, *scheduler.Facade) {
	t.Helper()
	ppm := platform.NewManager(map[string]*platform.Schema{
		"main": platform.NewSchema(map[string]platform.MatchType{"os": platform.Exact}),
	})
	facade := scheduler.NewFacade(ppm, scheduler.Config{
		WorkerTimeout:   0,
		RecentBound:     100,
		RecentTTL:       0,
		SubmitRateLimit: 1000,
		SubmitRateBurst: 1000,
	})
	r := NewRouter(RouterConfig{Version: "test", MetricsEnabled: true}, scheduler.ActionSchedulerView{Facade: facade}, nil, nil)
	return r, facade
}

func TestHandleHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleVersion(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test", body["version"])
}

func TestHandleAddActionAccepted(t *testing.T) {
	r, _ := newTestRouter(t)
	payload, _ := json.Marshal(addActionRequest{
		InstanceName:  "main",
		CommandHash:   "abc",
		CommandSize:   3,
		InputRootHash: "def",
		InputRootSize: 3,
		PlatformProps: map[string]string{"os": "linux"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleAddActionInvalidPlatformKey(t *testing.T) {
	r, _ := newTestRouter(t)
	payload, _ := json.Marshal(addActionRequest{
		InstanceName:  "main",
		CommandHash:   "abc",
		CommandSize:   3,
		PlatformProps: map[string]string{"unknown_key": "x"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFindActionNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/actions/main/doesnotexist/0", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelActionNotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodDelete, "/v1/actions/main/doesnotexist/0", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelActionRemovesQueuedAction(t *testing.T) {
	r, facade := newTestRouter(t)
	payload, _ := json.Marshal(addActionRequest{
		InstanceName:  "main",
		CommandHash:   "cancel-me",
		PlatformProps: map[string]string{"os": "linux"},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/actions", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	cancelReq := httptest.NewRequest(http.MethodDelete, "/v1/actions/main/cancel-me/0", nil)
	cancelRec := httptest.NewRecorder()
	r.ServeHTTP(cancelRec, cancelReq)
	assert.Equal(t, http.StatusOK, cancelRec.Code)

	_, ok := facade.FindExistingAction(scheduler.ActionInfoHashKey{
		InstanceName: "main",
		Digest:       scheduler.Digest{Hash: "cancel-me"},
	})
	assert.False(t, ok, "cancelled action should be removed from the Active Actions Map")
}

func TestHandleIssueWorkerTokenNotRegisteredWithoutIssuer(t *testing.T) {
	r, _ := newTestRouter(t)
	payload, _ := json.Marshal(issueWorkerTokenRequest{Subject: "worker-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/worker-tokens", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleIssueWorkerTokenIssuesToken(t *testing.T) {
	ppm := platform.NewManager(map[string]*platform.Schema{
		"main": platform.NewSchema(map[string]platform.MatchType{"os": platform.Exact}),
	})
	facade := scheduler.NewFacade(ppm, scheduler.Config{SubmitRateLimit: 1000, SubmitRateBurst: 1000})
	issuer := wsapi.NewTokenIssuer([]byte("test-secret"), time.Hour)
	r := NewRouter(RouterConfig{Version: "test"}, scheduler.ActionSchedulerView{Facade: facade}, issuer, nil)

	payload, _ := json.Marshal(issueWorkerTokenRequest{Subject: "worker-1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/worker-tokens", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])
}

func TestHandleIssueWorkerTokenRejectsEmptySubject(t *testing.T) {
	ppm := platform.NewManager(map[string]*platform.Schema{
		"main": platform.NewSchema(map[string]platform.MatchType{"os": platform.Exact}),
	})
	facade := scheduler.NewFacade(ppm, scheduler.Config{SubmitRateLimit: 1000, SubmitRateBurst: 1000})
	issuer := wsapi.NewTokenIssuer([]byte("test-secret"), time.Hour)
	r := NewRouter(RouterConfig{Version: "test"}, scheduler.ActionSchedulerView{Facade: facade}, issuer, nil)

	payload, _ := json.Marshal(issueWorkerTokenRequest{})
	req := httptest.NewRequest(http.MethodPost, "/v1/worker-tokens", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointServed(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
