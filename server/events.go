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
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const systemEventsChannel = "system-events"

// System event types understood by every instance.
const (
	SystemEventKickUser  = "kickUser"
	SystemEventBroadcast = "broadcast"
)

// SystemEvent is the envelope published on the system channel.
type SystemEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// KickUserEvent names a user whose sockets must be force-disconnected
// fleet-wide.
type KickUserEvent struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

// EventBus connects this instance to the fleet-wide administrative channel.
// Ordinary message traffic never goes through it, only control events that
// must reach every instance regardless of where the target sockets live.
type EventBus struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	store   *StoreManager

	registry ConnectionRegistry
	router   MessageRouter

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	subscribed *atomic.Bool
	pubsub     *redis.PubSub
}

func NewEventBus(logger *zap.Logger, config Config, metrics Metrics, store *StoreManager, registry ConnectionRegistry, router MessageRouter) *EventBus {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &EventBus{
		logger:  logger,
		config:  config,
		metrics: metrics,
		store:   store,

		registry: registry,
		router:   router,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		subscribed: atomic.NewBool(false),
	}
}

// Start subscribes to the system channel. Repeated calls are no-ops, the
// subscription is created at most once per instance lifetime.
func (b *EventBus) Start() {
	if !b.subscribed.CompareAndSwap(false, true) {
		b.logger.Debug("System event subscription already active")
		return
	}

	b.pubsub = b.store.Subscribe(b.ctx, b.store.PrefixKey(systemEventsChannel))
	go b.consume()

	b.logger.Info("Subscribed to system events")
}

func (b *EventBus) Stop() {
	b.ctxCancelFn()
	if b.pubsub != nil {
		_ = b.pubsub.Close()
	}
	b.subscribed.Store(false)
}

func (b *EventBus) consume() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleSystemEvent([]byte(msg.Payload))
		}
	}
}

func (b *EventBus) handleSystemEvent(data []byte) {
	var event SystemEvent
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn("Ignoring malformed system event", zap.Error(err))
		return
	}

	switch event.Type {
	case SystemEventKickUser:
		var kick KickUserEvent
		if err := json.Unmarshal(event.Payload, &kick); err != nil || kick.UserID == "" {
			b.logger.Warn("Ignoring malformed kick event", zap.Error(err))
			return
		}
		reason := kick.Reason
		if reason == "" {
			reason = "kicked"
		}
		// Instances without a matching socket do nothing.
		b.registry.KickUser(kick.UserID, reason)
	case SystemEventBroadcast:
		b.router.SendToAllLocal(NewSystemBroadcastEnvelope(event.Payload))
	default:
		b.logger.Warn("Ignoring system event of unknown type", zap.String("type", event.Type))
		return
	}

	b.metrics.CountSystemEvents(1)
}

func (b *EventBus) publish(ctx context.Context, event *SystemEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode system event: %w", err)
	}
	if err := b.store.Client().Publish(ctx, b.store.PrefixKey(systemEventsChannel), data).Err(); err != nil {
		b.store.MarkDegraded(err)
		return fmt.Errorf("failed to publish system event: %w", err)
	}
	return nil
}

// PublishKickUser asks every instance to drop the user's sockets. The
// publishing instance handles its own sockets when the event comes back
// around, like any other instance.
func (b *EventBus) PublishKickUser(ctx context.Context, userID, reason string) error {
	payload, err := json.Marshal(&KickUserEvent{UserID: userID, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to encode kick event: %w", err)
	}
	return b.publish(ctx, &SystemEvent{Type: SystemEventKickUser, Payload: payload})
}

// PublishBroadcast sends a payload to every connected client on every
// instance.
func (b *EventBus) PublishBroadcast(ctx context.Context, payload json.RawMessage) error {
	return b.publish(ctx, &SystemEvent{Type: SystemEventBroadcast, Payload: payload})
}
