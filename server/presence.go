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
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix     = "presence:"
	presenceUserSetPrefix = "presences:user:"
)

// PresenceRecord is the cross-instance visible liveness fact for one socket.
type PresenceRecord struct {
	UserID        string `json:"user_id"`
	SocketID      string `json:"socket_id"`
	InstanceID    string `json:"instance_id"`
	ConnectedAt   int64  `json:"connected_at"`
	LastHeartbeat int64  `json:"last_heartbeat_at"`
}

// PresenceExpiry describes a presence record removed by the sweep after its
// heartbeats stopped.
type PresenceExpiry struct {
	UserID        string
	SessionID     uuid.UUID
	InstanceID    string
	LastHeartbeat time.Time
}

// PresenceTracker maintains presence records for the sockets this instance
// owns and answers fleet-wide liveness queries from the store. Each record
// lives under a TTL, so a crashed instance's records disappear on their own,
// and the sweep only ever touches records owned by this instance.
type PresenceTracker interface {
	Stop()

	Track(ctx context.Context, userID string, sessionID uuid.UUID) error
	Heartbeat(ctx context.Context, userID string, sessionID uuid.UUID) bool
	Untrack(userID string, sessionID uuid.UUID)

	// Count returns the number of presence records owned by this instance.
	Count() int

	ListConnectionsForUser(ctx context.Context, userID string) ([]*PresenceRecord, error)
	GlobalConnectionCount(ctx context.Context) (int, error)
	GlobalOnlineUserCount(ctx context.Context) (int, error)

	SubscribeExpiry(fn func(expiry PresenceExpiry))
}

type localPresence struct {
	userID        string
	sessionID     uuid.UUID
	connectedAt   time.Time
	lastHeartbeat time.Time
}

type LocalPresenceTracker struct {
	sync.RWMutex
	logger  *zap.Logger
	config  Config
	metrics Metrics
	store   *StoreManager

	instanceID string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	presences map[uuid.UUID]*localPresence

	eventsCh chan *PresenceExpiry

	handlersMu sync.RWMutex
	handlers   []func(expiry PresenceExpiry)

	nowFn func() time.Time
}

func StartLocalPresenceTracker(logger *zap.Logger, config Config, metrics Metrics, store *StoreManager) PresenceTracker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	t := &LocalPresenceTracker{
		logger:  logger,
		config:  config,
		metrics: metrics,
		store:   store,

		instanceID: config.GetName(),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		presences: make(map[uuid.UUID]*localPresence),
		eventsCh:  make(chan *PresenceExpiry, config.GetPresence().EventQueueSize),

		nowFn: func() time.Time { return time.Now().UTC() },
	}

	go t.sweepLoop()
	go t.processEvents()

	return t
}

func (t *LocalPresenceTracker) Stop() {
	t.ctxCancelFn()
}

func (t *LocalPresenceTracker) SubscribeExpiry(fn func(expiry PresenceExpiry)) {
	t.handlersMu.Lock()
	t.handlers = append(t.handlers, fn)
	t.handlersMu.Unlock()
}

func (t *LocalPresenceTracker) Track(ctx context.Context, userID string, sessionID uuid.UUID) error {
	now := t.nowFn()

	t.Lock()
	presence, ok := t.presences[sessionID]
	if !ok {
		presence = &localPresence{
			userID:      userID,
			sessionID:   sessionID,
			connectedAt: now,
		}
		t.presences[sessionID] = presence
	}
	presence.lastHeartbeat = now
	count := len(t.presences)
	t.Unlock()

	t.metrics.GaugePresences(float64(count))

	return t.writeRecord(ctx, presence)
}

func (t *LocalPresenceTracker) Heartbeat(ctx context.Context, userID string, sessionID uuid.UUID) bool {
	now := t.nowFn()

	t.Lock()
	presence, ok := t.presences[sessionID]
	if !ok {
		t.Unlock()
		return false
	}
	presence.lastHeartbeat = now
	t.Unlock()

	if err := t.writeRecord(ctx, presence); err != nil {
		t.logger.Debug("Failed to refresh presence record", zap.String("uid", userID), zap.Error(err))
	}
	return true
}

// writeRecord mirrors a presence record to the store and refreshes both the
// record TTL and the per-user index set.
func (t *LocalPresenceTracker) writeRecord(ctx context.Context, presence *localPresence) error {
	record := &PresenceRecord{
		UserID:        presence.userID,
		SocketID:      presence.sessionID.String(),
		InstanceID:    t.instanceID,
		ConnectedAt:   presence.connectedAt.Unix(),
		LastHeartbeat: presence.lastHeartbeat.Unix(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode presence record: %w", err)
	}

	ttl := t.config.GetPresence().GetHeartbeatTTL()
	recordKey := t.recordKey(presence.userID, presence.sessionID.String())
	userSetKey := t.userSetKey(presence.userID)

	pipe := t.store.Client().Pipeline()
	pipe.Set(ctx, recordKey, data, ttl)
	pipe.SAdd(ctx, userSetKey, presence.sessionID.String())
	pipe.Expire(ctx, userSetKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		t.store.MarkDegraded(err)
		return fmt.Errorf("failed to write presence record: %w", err)
	}
	t.store.MarkHealthy()
	return nil
}

func (t *LocalPresenceTracker) Untrack(userID string, sessionID uuid.UUID) {
	t.Lock()
	_, ok := t.presences[sessionID]
	if ok {
		delete(t.presences, sessionID)
	}
	count := len(t.presences)
	t.Unlock()
	if !ok {
		return
	}

	t.metrics.GaugePresences(float64(count))
	t.removeRecord(userID, sessionID.String())
}

func (t *LocalPresenceTracker) removeRecord(userID, socketID string) {
	pipe := t.store.Client().Pipeline()
	pipe.Del(t.ctx, t.recordKey(userID, socketID))
	pipe.SRem(t.ctx, t.userSetKey(userID), socketID)
	if _, err := pipe.Exec(t.ctx); err != nil {
		t.store.MarkDegraded(err)
	}
}

func (t *LocalPresenceTracker) Count() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.presences)
}

func (t *LocalPresenceTracker) ListConnectionsForUser(ctx context.Context, userID string) ([]*PresenceRecord, error) {
	socketIDs, err := t.store.Client().SMembers(ctx, t.userSetKey(userID)).Result()
	if err != nil {
		t.store.MarkDegraded(err)
		return t.localConnectionsForUser(userID), nil
	}
	if len(socketIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(socketIDs))
	for _, socketID := range socketIDs {
		keys = append(keys, t.recordKey(userID, socketID))
	}
	values, err := t.store.Client().MGet(ctx, keys...).Result()
	if err != nil {
		t.store.MarkDegraded(err)
		return t.localConnectionsForUser(userID), nil
	}

	records := make([]*PresenceRecord, 0, len(values))
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			// The record expired but its index entry is still around, drop
			// the stale member.
			t.store.Client().SRem(ctx, t.userSetKey(userID), socketIDs[i])
			continue
		}
		var record PresenceRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			t.logger.Warn("Ignoring malformed presence record", zap.String("uid", userID), zap.Error(err))
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}

// localConnectionsForUser serves presence queries from this instance's own
// records while the store is unreachable. Single-instance-equivalent answers
// are the accepted degraded behaviour.
func (t *LocalPresenceTracker) localConnectionsForUser(userID string) []*PresenceRecord {
	t.RLock()
	defer t.RUnlock()
	records := make([]*PresenceRecord, 0, 2)
	for _, presence := range t.presences {
		if presence.userID != userID {
			continue
		}
		records = append(records, &PresenceRecord{
			UserID:        presence.userID,
			SocketID:      presence.sessionID.String(),
			InstanceID:    t.instanceID,
			ConnectedAt:   presence.connectedAt.Unix(),
			LastHeartbeat: presence.lastHeartbeat.Unix(),
		})
	}
	return records
}

func (t *LocalPresenceTracker) GlobalConnectionCount(ctx context.Context) (int, error) {
	keys, err := t.scanRecordKeys(ctx)
	if err != nil {
		t.store.MarkDegraded(err)
		return t.Count(), nil
	}
	return len(keys), nil
}

func (t *LocalPresenceTracker) GlobalOnlineUserCount(ctx context.Context) (int, error) {
	keys, err := t.scanRecordKeys(ctx)
	if err != nil {
		t.store.MarkDegraded(err)
		t.RLock()
		users := lo.UniqBy(lo.Values(t.presences), func(p *localPresence) string { return p.userID })
		t.RUnlock()
		return len(users), nil
	}

	userIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		if userID, ok := t.userIDFromRecordKey(key); ok {
			userIDs = append(userIDs, userID)
		}
	}
	return len(lo.Uniq(userIDs)), nil
}

func (t *LocalPresenceTracker) scanRecordKeys(ctx context.Context) ([]string, error) {
	pattern := t.store.PrefixKey(presenceKeyPrefix) + "*"
	keys := make([]string, 0, 64)
	var cursor uint64
	for {
		batch, next, err := t.store.Client().Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (t *LocalPresenceTracker) recordKey(userID, socketID string) string {
	return t.store.PrefixKey(presenceKeyPrefix + userID + ":" + socketID)
}

func (t *LocalPresenceTracker) userSetKey(userID string) string {
	return t.store.PrefixKey(presenceUserSetPrefix + userID)
}

// userIDFromRecordKey recovers the user id from a scanned record key. The
// socket id is always the final segment and never contains a separator, the
// user id may.
func (t *LocalPresenceTracker) userIDFromRecordKey(key string) (string, bool) {
	rest := strings.TrimPrefix(key, t.store.PrefixKey(presenceKeyPrefix))
	if rest == key {
		return "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

func (t *LocalPresenceTracker) sweepLoop() {
	ticker := time.NewTicker(t.config.GetPresence().GetSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.SweepOnce()
		}
	}
}

// SweepOnce removes every record owned by this instance whose heartbeats
// lapsed, and queues an expiry notification for each. Records owned by other
// instances are never touched, their own sweeps or the store TTL handle them.
func (t *LocalPresenceTracker) SweepOnce() {
	now := t.nowFn()
	ttl := t.config.GetPresence().GetHeartbeatTTL()

	t.Lock()
	expired := make([]*localPresence, 0, 4)
	for sessionID, presence := range t.presences {
		if now.Sub(presence.lastHeartbeat) <= ttl {
			continue
		}
		expired = append(expired, presence)
		delete(t.presences, sessionID)
	}
	count := len(t.presences)
	t.Unlock()

	if len(expired) == 0 {
		return
	}

	t.metrics.GaugePresences(float64(count))
	t.metrics.CountPresenceExpired(int64(len(expired)))

	for _, presence := range expired {
		t.logger.Info("Presence expired",
			zap.String("uid", presence.userID),
			zap.String("sid", presence.sessionID.String()),
			zap.Time("last_heartbeat", presence.lastHeartbeat))
		t.removeRecord(presence.userID, presence.sessionID.String())
		t.queueEvent(&PresenceExpiry{
			UserID:        presence.userID,
			SessionID:     presence.sessionID,
			InstanceID:    t.instanceID,
			LastHeartbeat: presence.lastHeartbeat,
		})
	}
}

func (t *LocalPresenceTracker) queueEvent(event *PresenceExpiry) {
	select {
	case t.eventsCh <- event:
	default:
		// Queue is full, drop the oldest event to make room.
		select {
		case <-t.eventsCh:
		default:
		}
		select {
		case t.eventsCh <- event:
		default:
		}
	}
}

func (t *LocalPresenceTracker) processEvents() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case event := <-t.eventsCh:
			t.handlersMu.RLock()
			handlers := t.handlers
			t.handlersMu.RUnlock()
			for _, handler := range handlers {
				handler(*event)
			}
		}
	}
}
