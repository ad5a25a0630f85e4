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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAcceptor(t *testing.T, config Config) (func(http.ResponseWriter, *http.Request), ConnectionRegistry, func()) {
	t.Helper()
	store := newTestStore(config)
	metrics := NewNopMetrics()
	logger := zap.NewNop()

	registry := NewLocalConnectionRegistry(logger, config, metrics, store)
	tracker := StartLocalPresenceTracker(logger, config, metrics, store)
	router := StartLocalMessageRouter(logger, config, metrics, store, registry, tracker)
	ack := StartAckManager(logger, config, metrics, router)
	limiter := NewRateLimiter(logger, config, metrics, store)
	pipeline := NewPipeline(config, metrics, registry, tracker, router, ack, limiter, &fakeDeliveryBackend{}, NewStaticGroupMembership())

	stop := func() {
		ack.Stop()
		router.Stop()
		tracker.Stop()
		registry.Stop()
	}
	return NewWSAcceptor(logger, config, metrics, NewJWTAuthVerifier(config), registry, tracker, router, pipeline), registry, stop
}

func TestWSAcceptorRejectsMissingToken(t *testing.T) {
	handler, _, stop := newTestAcceptor(t, newTestConfig())
	defer stop()

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWSAcceptorRejectsInvalidToken(t *testing.T) {
	handler, _, stop := newTestAcceptor(t, newTestConfig())
	defer stop()

	for _, token := range []string{"garbage", "aaa.bbb.ccc"} {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "token %q", token)
	}
}

func TestWSAcceptorRejectsExpiredToken(t *testing.T) {
	config := newTestConfig()
	handler, _, stop := newTestAcceptor(t, config)
	defer stop()

	token, err := GenerateSessionToken(config, "u1", "user one", -time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWSAcceptorEnforcesConnectionCap(t *testing.T) {
	config := newTestConfig().(*config)
	config.Socket.MaxConnsPerIP = 1
	handler, registry, stop := newTestAcceptor(t, config)
	defer stop()

	token, err := GenerateSessionToken(config, "u1", "user one", time.Hour)
	require.NoError(t, err)

	// The one slot for the requester's address is already taken.
	require.True(t, registry.AdmitIP(context.Background(), "192.0.2.1"))

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	w := httptest.NewRecorder()
	handler(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWSAcceptorReleasesSlotWhenUpgradeFails(t *testing.T) {
	config := newTestConfig().(*config)
	config.Socket.MaxConnsPerIP = 1
	handler, registry, stop := newTestAcceptor(t, config)
	defer stop()

	token, err := GenerateSessionToken(config, "u1", "user one", time.Hour)
	require.NoError(t, err)

	// The recorder cannot be hijacked, so the websocket upgrade fails after
	// admission. The address slot must be handed back.
	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	w := httptest.NewRecorder()
	handler(w, r)
	require.NotEqual(t, http.StatusUnauthorized, w.Code)
	require.NotEqual(t, http.StatusTooManyRequests, w.Code)

	assert.True(t, registry.AdmitIP(context.Background(), "192.0.2.1"))
}

func TestExtractClientAddressFromRequest(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		wantIP     string
		wantPort   string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.5:52110",
			wantIP:     "203.0.113.5",
			wantPort:   "52110",
		},
		{
			name:       "single forwarded hop",
			forwarded:  "198.51.100.7",
			remoteAddr: "10.0.0.1:40000",
			wantIP:     "198.51.100.7",
		},
		{
			name:       "multiple forwarded hops keep the client",
			forwarded:  "198.51.100.7, 10.0.0.2, 10.0.0.3",
			remoteAddr: "10.0.0.1:40000",
			wantIP:     "198.51.100.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			ip, port := extractClientAddressFromRequest(logger, r)
			assert.Equal(t, tt.wantIP, ip)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}
