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
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// StoreManager owns the connections to the shared coordination store. All
// components go through it for commands and subscriptions, so a store outage
// is handled in one place. The manager never takes the instance down, a store
// that cannot be reached marks the instance degraded and every component is
// expected to keep serving from local state.
type StoreManager struct {
	logger *zap.Logger
	config Config

	client    *redis.Client
	subClient *redis.Client

	degraded *atomic.Bool

	subsMu sync.Mutex
	subs   []*redis.PubSub
}

func NewStoreManager(logger *zap.Logger, config Config) *StoreManager {
	cfg := config.GetRedis()
	options := &redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.GetMinRetryBackoff(),
		MaxRetryBackoff: cfg.GetMaxRetryBackoff(),
	}
	if cfg.TLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscriptions hold their connection open, so they get a client of
	// their own and command traffic keeps the pool to itself.
	subOptions := *options

	return &StoreManager{
		logger:    logger,
		config:    config,
		client:    redis.NewClient(options),
		subClient: redis.NewClient(&subOptions),
		degraded:  atomic.NewBool(false),
	}
}

// Connect verifies store reachability with bounded exponential backoff. Once
// the attempt ceiling is exhausted the instance is marked degraded and the
// last error is returned, the caller decides whether to keep going.
func (s *StoreManager) Connect(ctx context.Context) error {
	cfg := s.config.GetRedis()
	backoff := cfg.GetConnectBackoff()

	var err error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		if err = s.client.Ping(ctx).Err(); err == nil {
			s.degraded.Store(false)
			s.logger.Info("Connected to coordination store", zap.String("address", cfg.Address))
			return nil
		}
		s.logger.Warn("Coordination store not reachable",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.ConnectAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if attempt == cfg.ConnectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			s.degraded.Store(true)
			return ctx.Err()
		}
		backoff *= 2
		if max := cfg.GetConnectBackoffMax(); backoff > max {
			backoff = max
		}
	}

	s.degraded.Store(true)
	return fmt.Errorf("coordination store unreachable after %d attempts: %w", cfg.ConnectAttempts, err)
}

// Client returns the command client.
func (s *StoreManager) Client() *redis.Client {
	return s.client
}

// Subscribe opens a pub/sub subscription on the dedicated subscriber
// connection. The subscription is tracked and closed on shutdown.
func (s *StoreManager) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	pubsub := s.subClient.Subscribe(ctx, channels...)
	s.subsMu.Lock()
	s.subs = append(s.subs, pubsub)
	s.subsMu.Unlock()
	return pubsub
}

// Healthy pings the store and refreshes the degraded flag.
func (s *StoreManager) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.client.Ping(ctx).Err()
	if err != nil {
		if s.degraded.CompareAndSwap(false, true) {
			s.logger.Warn("Coordination store became unreachable, continuing on local state", zap.Error(err))
		}
		return false
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("Coordination store reachable again")
	}
	return true
}

// Degraded reports whether the last store interaction through the manager
// found the store unreachable.
func (s *StoreManager) Degraded() bool {
	return s.degraded.Load()
}

// MarkDegraded records a failed store interaction observed by a component.
// The first transition is logged, repeats are not.
func (s *StoreManager) MarkDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("Coordination store became unreachable, continuing on local state", zap.Error(err))
	}
}

// MarkHealthy records a successful store interaction.
func (s *StoreManager) MarkHealthy() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("Coordination store reachable again")
	}
}

// PrefixKey applies the configured key prefix. Channels use it too.
func (s *StoreManager) PrefixKey(key string) string {
	if prefix := s.config.GetRedis().KeyPrefix; prefix != "" {
		return prefix + ":" + key
	}
	return key
}

// Shutdown closes tracked subscriptions and both clients.
func (s *StoreManager) Shutdown() {
	s.subsMu.Lock()
	for _, pubsub := range s.subs {
		_ = pubsub.Close()
	}
	s.subs = nil
	s.subsMu.Unlock()

	if err := s.subClient.Close(); err != nil {
		s.logger.Debug("Error closing store subscriber client", zap.Error(err))
	}
	if err := s.client.Close(); err != nil {
		s.logger.Debug("Error closing store client", zap.Error(err))
	}
}
