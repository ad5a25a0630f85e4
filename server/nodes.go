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
	"time"

	"go.uber.org/zap"
)

const nodeKeyPrefix = "node:"

// NodeRecord is one instance's periodically refreshed entry in the fleet
// view. Diagnostics only, routing never depends on it.
type NodeRecord struct {
	InstanceID   string `json:"instance_id"`
	Address      string `json:"address"`
	StartedAt    int64  `json:"started_at"`
	LastSeen     int64  `json:"last_seen_at"`
	SessionCount int    `json:"session_count"`
}

// NodeTracker keeps this instance's node record alive and lists the fleet.
type NodeTracker struct {
	logger   *zap.Logger
	config   Config
	store    *StoreManager
	registry ConnectionRegistry

	instanceID string
	address    string
	startedAt  time.Time

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func StartNodeTracker(logger *zap.Logger, config Config, store *StoreManager, registry ConnectionRegistry) *NodeTracker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	n := &NodeTracker{
		logger:   logger,
		config:   config,
		store:    store,
		registry: registry,

		instanceID: config.GetName(),
		address:    fmt.Sprintf("%s:%d", config.GetSocket().Address, config.GetSocket().Port),
		startedAt:  time.Now().UTC(),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	n.refresh()
	go n.heartbeatLoop()

	return n
}

func (n *NodeTracker) Stop() {
	n.ctxCancelFn()
	// Best effort removal so the fleet view does not wait out the TTL.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.store.Client().Del(ctx, n.store.PrefixKey(nodeKeyPrefix+n.instanceID)).Err(); err != nil {
		n.logger.Debug("Failed to remove node record", zap.Error(err))
	}
}

func (n *NodeTracker) heartbeatLoop() {
	ticker := time.NewTicker(n.config.GetNode().GetHeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.refresh()
		}
	}
}

func (n *NodeTracker) refresh() {
	record := &NodeRecord{
		InstanceID:   n.instanceID,
		Address:      n.address,
		StartedAt:    n.startedAt.Unix(),
		LastSeen:     time.Now().UTC().Unix(),
		SessionCount: n.registry.Count(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		n.logger.Warn("Failed to encode node record", zap.Error(err))
		return
	}
	key := n.store.PrefixKey(nodeKeyPrefix + n.instanceID)
	if err := n.store.Client().Set(n.ctx, key, data, n.config.GetNode().GetTTL()).Err(); err != nil {
		n.store.MarkDegraded(err)
		return
	}
	n.store.MarkHealthy()
}

// ListNodes returns every live node record in the fleet.
func (n *NodeTracker) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	pattern := n.store.PrefixKey(nodeKeyPrefix) + "*"
	keys := make([]string, 0, 8)
	var cursor uint64
	for {
		batch, next, err := n.store.Client().Scan(ctx, cursor, pattern, 64).Result()
		if err != nil {
			n.store.MarkDegraded(err)
			return nil, fmt.Errorf("failed to scan node records: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := n.store.Client().MGet(ctx, keys...).Result()
	if err != nil {
		n.store.MarkDegraded(err)
		return nil, fmt.Errorf("failed to read node records: %w", err)
	}
	records := make([]*NodeRecord, 0, len(values))
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var record NodeRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			n.logger.Warn("Ignoring malformed node record", zap.Error(err))
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
