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
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const throttleKeyPrefix = "throttle:"

// slidingWindowScript evicts timestamps outside the window, reads the
// remaining cardinality and only then decides on admission, as one atomic
// operation. Concurrent requests for the same identifier cannot race between
// the count and the insert.
//
// KEYS[1] window key, ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit,
// ARGV[4] unique member. Returns {allowed, remaining, resetAtMs}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then
    reset = tonumber(oldest[2]) + window
end
redis.call('PEXPIRE', key, window)
return {0, 0, reset}
`

// Verdict is the admission decision for one event.
type Verdict struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// windowRunner executes the sliding window decision against the store.
type windowRunner interface {
	Run(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) ([]int64, error)
}

type redisWindowRunner struct {
	store  *StoreManager
	script *redis.Script
}

func (r *redisWindowRunner) Run(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) ([]int64, error) {
	res, err := r.script.Run(ctx, r.store.Client(), []string{key}, nowMs, windowMs, limit, member).Result()
	if err != nil {
		return nil, err
	}
	values, ok := res.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected sliding window script result: %v", res)
	}
	parsed := make([]int64, 3)
	for i := 0; i < 3; i++ {
		v, ok := values[i].(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected sliding window script result: %v", res)
		}
		parsed[i] = v
	}
	return parsed, nil
}

// RateLimiter applies named sliding window policies before any mutating
// client event is processed. Enforcement lives in the store so the window is
// shared across instances. When the store is unreachable the limiter fails
// open, gateway availability outranks strict enforcement.
type RateLimiter struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	store   *StoreManager

	runner windowRunner
	nowFn  func() time.Time
}

func NewRateLimiter(logger *zap.Logger, config Config, metrics Metrics, store *StoreManager) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		config:  config,
		metrics: metrics,
		store:   store,

		runner: &redisWindowRunner{store: store, script: redis.NewScript(slidingWindowScript)},
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// PolicyForEvent maps an inbound event name to its rate limit policy.
func PolicyForEvent(event string) string {
	switch event {
	case EventSendMessage, EventSendGroupMessage, EventMessageAck:
		return RateLimitPolicyMessage
	case EventRegister, EventJoinRoom, EventLeaveRoom:
		return RateLimitPolicyConnection
	default:
		return RateLimitPolicyDefault
	}
}

// IdentifierForSession resolves the identifier the window is keyed by. First
// available wins: authenticated user id, then session id, then address.
func IdentifierForSession(session Session) string {
	if userID := session.UserID(); userID != "" {
		return userID
	}
	if sessionID := session.ID(); sessionID != uuid.Nil {
		return sessionID.String()
	}
	return session.ClientIP()
}

func (l *RateLimiter) policy(name string) *RateLimitPolicy {
	policies := l.config.GetRateLimit().Policies
	if policy, ok := policies[name]; ok {
		return policy
	}
	if policy, ok := policies[RateLimitPolicyDefault]; ok {
		return policy
	}
	return &RateLimitPolicy{Limit: 20, WindowMs: 10000}
}

// Allow admits or rejects one event under the named policy.
func (l *RateLimiter) Allow(ctx context.Context, policyName, identifier string) Verdict {
	policy := l.policy(policyName)
	now := l.nowFn()
	key := l.store.PrefixKey(throttleKeyPrefix + policyName + ":" + identifier)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), randomSuffix())

	res, err := l.runner.Run(ctx, key, now.UnixMilli(), int64(policy.WindowMs), policy.Limit, member)
	if err != nil {
		l.store.MarkDegraded(err)
		l.logger.Warn("Rate limit store unavailable, allowing event",
			zap.String("policy", policyName),
			zap.String("identifier", identifier),
			zap.Error(err))
		return Verdict{Allowed: true, Remaining: policy.Limit, ResetAt: now.Add(policy.GetWindow())}
	}
	l.store.MarkHealthy()

	verdict := Verdict{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]).UTC(),
	}
	if !verdict.Allowed {
		if retryAfter := verdict.ResetAt.Sub(now); retryAfter > 0 {
			verdict.RetryAfter = retryAfter
		}
		l.metrics.CountRateLimited(1)
	}
	return verdict
}
