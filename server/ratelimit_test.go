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
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRateLimiter(config Config, store *StoreManager, runner windowRunner, clock *testClock) *RateLimiter {
	limiter := NewRateLimiter(zap.NewNop(), config, NewNopMetrics(), store)
	if runner != nil {
		limiter.runner = runner
	}
	if clock != nil {
		limiter.nowFn = clock.Now
	}
	return limiter
}

func TestPolicyForEvent(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{EventSendMessage, RateLimitPolicyMessage},
		{EventSendGroupMessage, RateLimitPolicyMessage},
		{EventMessageAck, RateLimitPolicyMessage},
		{EventRegister, RateLimitPolicyConnection},
		{EventJoinRoom, RateLimitPolicyConnection},
		{EventLeaveRoom, RateLimitPolicyConnection},
		{EventHeartbeat, RateLimitPolicyDefault},
		{"somethingElse", RateLimitPolicyDefault},
	}
	for _, tt := range tests {
		if got := PolicyForEvent(tt.event); got != tt.want {
			t.Errorf("PolicyForEvent(%q) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestIdentifierForSession(t *testing.T) {
	registered := newFakeSession("u1")
	assert.Equal(t, "u1", IdentifierForSession(registered))

	anonymous := newFakeSession("")
	assert.Equal(t, anonymous.ID().String(), IdentifierForSession(anonymous))

	bare := newFakeSession("")
	bare.id = uuid.Nil
	assert.Equal(t, bare.ClientIP(), IdentifierForSession(bare))
}

func TestRateLimiterEnforcesWindow(t *testing.T) {
	clock := newTestClock()
	config := newTestConfig()
	limiter := newTestRateLimiter(config, newTestStore(config), &fakeWindowRunner{}, clock)

	policy := config.GetRateLimit().Policies[RateLimitPolicyMessage]
	for i := 0; i < policy.Limit; i++ {
		verdict := limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1")
		require.True(t, verdict.Allowed, "event %d should be admitted", i)
		assert.Equal(t, policy.Limit-i-1, verdict.Remaining)
	}

	verdict := limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1")
	require.False(t, verdict.Allowed)
	assert.Equal(t, 0, verdict.Remaining)
	assert.Greater(t, verdict.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, verdict.RetryAfter, policy.GetWindow())

	// Once the window slides past the earlier events, admission resumes.
	clock.Advance(policy.GetWindow() + time.Millisecond)
	verdict = limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1")
	assert.True(t, verdict.Allowed)
}

func TestRateLimiterWindowsAreScoped(t *testing.T) {
	clock := newTestClock()
	config := newTestConfig()
	limiter := newTestRateLimiter(config, newTestStore(config), &fakeWindowRunner{}, clock)

	policy := config.GetRateLimit().Policies[RateLimitPolicyMessage]
	for i := 0; i < policy.Limit; i++ {
		require.True(t, limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1").Allowed)
	}
	require.False(t, limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1").Allowed)

	// Another user and another policy for the same user keep their own
	// windows.
	assert.True(t, limiter.Allow(context.Background(), RateLimitPolicyMessage, "u2").Allowed)
	assert.True(t, limiter.Allow(context.Background(), RateLimitPolicyConnection, "u1").Allowed)
}

func TestRateLimiterUnknownPolicyFallsBackToDefault(t *testing.T) {
	clock := newTestClock()
	config := newTestConfig()
	limiter := newTestRateLimiter(config, newTestStore(config), &fakeWindowRunner{}, clock)

	verdict := limiter.Allow(context.Background(), "nosuchpolicy", "u1")
	require.True(t, verdict.Allowed)
	assert.Equal(t, config.GetRateLimit().Policies[RateLimitPolicyDefault].Limit-1, verdict.Remaining)
}

func TestRateLimiterFailsOpenOnStoreError(t *testing.T) {
	config := newTestConfig()
	store := newTestStore(config)
	runner := &fakeWindowRunner{err: errors.New("connection refused")}
	limiter := newTestRateLimiter(config, store, runner, nil)

	verdict := limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1")
	assert.True(t, verdict.Allowed)
	assert.Equal(t, config.GetRateLimit().Policies[RateLimitPolicyMessage].Limit, verdict.Remaining)
	assert.Zero(t, verdict.RetryAfter)
	assert.True(t, store.Degraded())
}

func TestRateLimiterFailsOpenAgainstUnreachableStore(t *testing.T) {
	config := newTestConfig()
	store := newTestStore(config)
	limiter := newTestRateLimiter(config, store, nil, nil)

	// The real script runner against a store that refuses connections must
	// never block admission.
	verdict := limiter.Allow(context.Background(), RateLimitPolicyMessage, "u1")
	assert.True(t, verdict.Allowed)
	assert.True(t, store.Degraded())
}

// fakeWindowRunner evaluates the sliding window in process, with the same
// admission rules as the store script.
type fakeWindowRunner struct {
	sync.Mutex
	err     error
	windows map[string][]int64
}

func (r *fakeWindowRunner) Run(_ context.Context, key string, nowMs, windowMs int64, limit int, _ string) ([]int64, error) {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.windows == nil {
		r.windows = make(map[string][]int64)
	}
	kept := make([]int64, 0, len(r.windows[key]))
	for _, ts := range r.windows[key] {
		if ts > nowMs-windowMs {
			kept = append(kept, ts)
		}
	}
	if len(kept) < limit {
		kept = append(kept, nowMs)
		r.windows[key] = kept
		return []int64{1, int64(limit - len(kept)), nowMs + windowMs}, nil
	}
	r.windows[key] = kept
	return []int64{0, 0, kept[0] + windowMs}, nil
}
