// Copyright 2025 The OpenChat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthzHandler(t *testing.T) {
	config := newTestConfig()
	store := newTestStore(config)
	handler := NewHealthzHandler(store)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var resp struct {
		Status        string `json:"status"`
		StoreDegraded bool   `json:"store_degraded"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, resp.StoreDegraded)

	// A degraded store does not fail the liveness probe, it is reported.
	store.MarkDegraded(errors.New("connection refused"))
	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.StoreDegraded)
}

func TestStatusHandler(t *testing.T) {
	config := newTestConfig()
	store := newTestStore(config)
	metrics := NewNopMetrics()
	logger := zap.NewNop()

	registry := NewLocalConnectionRegistry(logger, config, metrics, store)
	tracker := StartLocalPresenceTracker(logger, config, metrics, store)
	router := StartLocalMessageRouter(logger, config, metrics, store, registry, tracker)
	ack := StartAckManager(logger, config, metrics, router)
	nodes := StartNodeTracker(logger, config, store, registry)
	defer func() {
		nodes.Stop()
		ack.Stop()
		router.Stop()
		tracker.Stop()
		registry.Stop()
	}()

	ctx := context.Background()
	phone := newFakeSession("u1")
	laptop := newFakeSession("u1")
	other := newFakeSession("u2")
	for _, session := range []*fakeSession{phone, laptop, other} {
		registry.Add(session)
		require.True(t, registry.Register(ctx, session))
		_ = tracker.Track(ctx, session.UserID(), session.ID())
	}
	router.JoinRoom(phone, "group:g1")
	ack.Add(&Message{ID: "m1", FromUserID: "u1", ToUserID: "u2", Content: "hi", Type: "text", RequireAck: true})

	handler := NewStatusHandler(logger, config, store, registry, tracker, router, ack, nodes)
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var report StatusReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))

	assert.Equal(t, config.GetName(), report.InstanceID)
	assert.Greater(t, report.StartedAt, int64(0))
	assert.GreaterOrEqual(t, report.UptimeSec, int64(0))
	assert.Equal(t, 3, report.SessionCount)
	assert.Equal(t, 2, report.UserCount)
	assert.Equal(t, 1, report.RoomCount)
	assert.Equal(t, 1, report.PendingAckCount)

	// With the store unreachable the fleet-wide numbers fall back to this
	// instance's own records.
	assert.Equal(t, 3, report.GlobalPresences)
	assert.Equal(t, 2, report.GlobalUsers)
	assert.True(t, report.StoreDegraded)
	assert.Empty(t, report.Nodes)
}
