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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreManagerPrefixKey(t *testing.T) {
	store := newTestStore(newTestConfig())
	assert.Equal(t, "presence:u1:s1", store.PrefixKey("presence:u1:s1"))

	config := newTestConfig().(*config)
	config.Redis.KeyPrefix = "staging"
	store = newTestStore(config)
	assert.Equal(t, "staging:presence:u1:s1", store.PrefixKey("presence:u1:s1"))
	assert.Equal(t, "staging:system-events", store.PrefixKey("system-events"))
}

func TestStoreManagerConnectFailureDegrades(t *testing.T) {
	store := newTestStore(newTestConfig())
	defer store.Shutdown()

	require.False(t, store.Degraded())
	err := store.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, store.Degraded())
}

func TestStoreManagerConnectHonorsContext(t *testing.T) {
	config := newTestConfig().(*config)
	config.Redis.ConnectAttempts = 100
	config.Redis.ConnectBackoffMs = 60000
	store := newTestStore(config)
	defer store.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, store.Degraded())
}

func TestStoreManagerDegradedTransitions(t *testing.T) {
	store := newTestStore(newTestConfig())

	assert.False(t, store.Degraded())
	store.MarkDegraded(errors.New("connection refused"))
	assert.True(t, store.Degraded())

	// Repeats do not flap the flag.
	store.MarkDegraded(errors.New("connection refused"))
	assert.True(t, store.Degraded())

	store.MarkHealthy()
	assert.False(t, store.Degraded())
	store.MarkHealthy()
	assert.False(t, store.Degraded())
}

func TestStoreManagerHealthyProbe(t *testing.T) {
	store := newTestStore(newTestConfig())
	defer store.Shutdown()

	assert.False(t, store.Healthy(context.Background()))
	assert.True(t, store.Degraded())
}
