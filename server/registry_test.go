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
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(config Config) ConnectionRegistry {
	return NewLocalConnectionRegistry(zap.NewNop(), config, NewNopMetrics(), newTestStore(config))
}

func TestRegistryAddRegisterRemove(t *testing.T) {
	registry := newTestRegistry(newTestConfig())
	session := newFakeSession("u1")

	registry.Add(session)
	assert.Equal(t, 1, registry.Count())
	assert.Equal(t, 0, registry.UserCount(), "unregistered sessions are invisible to user lookups")
	assert.Empty(t, registry.GetByUserID("u1"))

	require.True(t, registry.Register(context.Background(), session))
	assert.Equal(t, 1, registry.UserCount())
	require.Len(t, registry.GetByUserID("u1"), 1)
	assert.True(t, session.Registered())

	// Repeated registration changes nothing.
	assert.False(t, registry.Register(context.Background(), session))
	assert.Len(t, registry.GetByUserID("u1"), 1)

	registry.Remove(session.ID())
	assert.Equal(t, 0, registry.Count())
	assert.Equal(t, 0, registry.UserCount())
	assert.Empty(t, registry.GetByUserID("u1"))

	// Removing an unknown session is a no-op.
	registry.Remove(uuid.Must(uuid.NewV4()))
	assert.Equal(t, 0, registry.Count())
}

func TestRegistryMultipleSessionsPerUser(t *testing.T) {
	registry := newTestRegistry(newTestConfig())
	first := newFakeSession("u1")
	second := newFakeSession("u1")

	registry.Add(first)
	registry.Add(second)
	require.True(t, registry.Register(context.Background(), first))
	require.True(t, registry.Register(context.Background(), second))

	assert.Equal(t, 2, registry.Count())
	assert.Equal(t, 1, registry.UserCount())
	assert.Len(t, registry.GetByUserID("u1"), 2)

	registry.Remove(first.ID())
	assert.Equal(t, 1, registry.UserCount(), "user stays visible while one socket remains")
	assert.Len(t, registry.GetByUserID("u1"), 1)
}

func TestRegistryAdmitIPEnforcesLocalCapWhenStoreDown(t *testing.T) {
	config := newTestConfig().(*config)
	config.Socket.MaxConnsPerIP = 2
	registry := newTestRegistry(config)

	ctx := context.Background()
	assert.True(t, registry.AdmitIP(ctx, "203.0.113.7"))
	assert.True(t, registry.AdmitIP(ctx, "203.0.113.7"))
	assert.False(t, registry.AdmitIP(ctx, "203.0.113.7"), "cap reached for the address")

	// A different address has its own counter.
	assert.True(t, registry.AdmitIP(ctx, "203.0.113.8"))

	// Releasing a slot frees up admission again.
	registry.ReleaseIP("203.0.113.7")
	assert.True(t, registry.AdmitIP(ctx, "203.0.113.7"))
}

func TestRegistryRemoveReleasesAdmissionSlot(t *testing.T) {
	config := newTestConfig().(*config)
	config.Socket.MaxConnsPerIP = 1
	registry := newTestRegistry(config)

	session := newFakeSession("u1")
	ctx := context.Background()

	require.True(t, registry.AdmitIP(ctx, session.ClientIP()))
	registry.Add(session)
	assert.False(t, registry.AdmitIP(ctx, session.ClientIP()))

	registry.Remove(session.ID())
	assert.True(t, registry.AdmitIP(ctx, session.ClientIP()))
}

func TestRegistryKickUser(t *testing.T) {
	registry := newTestRegistry(newTestConfig())
	target1 := newFakeSession("u1")
	target2 := newFakeSession("u1")
	bystander := newFakeSession("u2")

	for _, session := range []*fakeSession{target1, target2, bystander} {
		registry.Add(session)
		require.True(t, registry.Register(context.Background(), session))
	}

	kicked := registry.KickUser("u1", "account banned")
	assert.Equal(t, 2, kicked)
	assert.True(t, target1.isClosed())
	assert.True(t, target2.isClosed())
	assert.Equal(t, "account banned", target1.closeReason())
	assert.False(t, bystander.isClosed())

	assert.Equal(t, 0, registry.KickUser("u3", "no such user"))
}

func TestRegistryReconcileExpired(t *testing.T) {
	registry := newTestRegistry(newTestConfig())
	session := newFakeSession("u1")
	registry.Add(session)
	require.True(t, registry.Register(context.Background(), session))

	// A mismatched user id means the record is not ours to act on.
	registry.ReconcileExpired(PresenceExpiry{UserID: "u2", SessionID: session.ID()})
	assert.False(t, session.isClosed())

	registry.ReconcileExpired(PresenceExpiry{
		UserID:        "u1",
		SessionID:     session.ID(),
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	})
	assert.True(t, session.isClosed())
	assert.Equal(t, "presence expired", session.closeReason())

	// The record of a socket that already went away is ignored.
	registry.ReconcileExpired(PresenceExpiry{UserID: "u3", SessionID: uuid.Must(uuid.NewV4())})
}

func TestRegistryStopClosesAllSessions(t *testing.T) {
	registry := newTestRegistry(newTestConfig())
	sessions := []*fakeSession{newFakeSession("u1"), newFakeSession("u2")}
	for _, session := range sessions {
		registry.Add(session)
	}

	registry.Stop()
	for _, session := range sessions {
		assert.True(t, session.isClosed())
		assert.Equal(t, "server shutting down", session.closeReason())
	}
}
