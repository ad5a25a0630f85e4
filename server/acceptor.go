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
	"net"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewWSAcceptor returns the handler that admits client websocket
// connections. Credentials are checked before the upgrade, a socket that
// fails authentication is rejected without registering anything.
func NewWSAcceptor(logger *zap.Logger, config Config, metrics Metrics, verifier AuthVerifier, registry ConnectionRegistry, tracker PresenceTracker, router MessageRouter, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Check authentication.
		var token string
		if auth := r.Header["Authorization"]; len(auth) >= 1 {
			// Attempt header based authentication.
			const prefix = "Bearer "
			if !strings.HasPrefix(auth[0], prefix) {
				http.Error(w, "Missing or invalid token", 401)
				return
			}
			token = auth[0][len(prefix):]
		} else {
			// Attempt query parameter based authentication.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "Missing or invalid token", 401)
			return
		}

		identity, err := verifier.Verify(r.Context(), token)
		if err != nil {
			logger.Debug("Rejected connection with invalid credentials", zap.Error(err))
			http.Error(w, "Missing or invalid token", 401)
			return
		}

		clientIP, clientPort := extractClientAddressFromRequest(logger, r)

		// The per-address cap applies before the upgrade, so rejected
		// clients get a plain HTTP status instead of a dead socket.
		if !registry.AdmitIP(r.Context(), clientIP) {
			http.Error(w, "Too many connections from this address", http.StatusTooManyRequests)
			return
		}

		// Upgrade to WebSocket.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			registry.ReleaseIP(clientIP)
			return
		}

		sessionID := uuid.Must(uuid.NewV4())

		// Mark the start of the session.
		metrics.CountWebsocketOpened(1)

		// Wrap the connection for application handling.
		session := NewSessionWS(logger, config, sessionID, identity, clientIP, clientPort, conn, registry, tracker, router, metrics, pipeline)

		// Add to the connection registry.
		registry.Add(session)

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()
	}
}

// extractClientAddressFromRequest resolves the originating address, honouring
// the first hop recorded by any forwarding proxy.
func extractClientAddressFromRequest(logger *zap.Logger, r *http.Request) (string, string) {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// The first entry is the originating client, later hops append.
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded), ""
	}

	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not split remote address", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return r.RemoteAddr, ""
	}
	return host, port
}
