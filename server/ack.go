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
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// PendingAck is a message awaiting delivery confirmation from a recipient
// device. Only the sweep mutates it, the ack handler just deletes.
type PendingAck struct {
	MessageID   string
	FromUserID  string
	ToUserID    string
	LastAttempt time.Time
	RetryCount  int

	// Retries re-emit the original envelope, so the recipient sees the same
	// message id and can deduplicate.
	envelope *Envelope
}

// AckManager tracks messages sent with the acknowledgement flag and drives
// the retry cycle. State is in-process only. If this instance restarts,
// pending acknowledgements are lost and their senders never hear back, a
// known limitation of this version.
type AckManager struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	router  MessageRouter

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	pending      *MapOf[string, *PendingAck]
	pendingCount *atomic.Int32

	nowFn func() time.Time
}

func StartAckManager(logger *zap.Logger, config Config, metrics Metrics, router MessageRouter) *AckManager {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	a := &AckManager{
		logger:  logger,
		config:  config,
		metrics: metrics,
		router:  router,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		pending:      &MapOf[string, *PendingAck]{},
		pendingCount: atomic.NewInt32(0),

		nowFn: func() time.Time { return time.Now().UTC() },
	}

	go a.sweepLoop()

	return a
}

func (a *AckManager) Stop() {
	a.ctxCancelFn()
}

func (a *AckManager) PendingCount() int {
	return int(a.pendingCount.Load())
}

// Add starts tracking a message that requires acknowledgement.
func (a *AckManager) Add(msg *Message) {
	pending := &PendingAck{
		MessageID:   msg.ID,
		FromUserID:  msg.FromUserID,
		ToUserID:    msg.ToUserID,
		LastAttempt: a.nowFn(),
		RetryCount:  0,
		envelope:    NewNewMessageEnvelope(msg),
	}
	if _, loaded := a.pending.LoadOrStore(msg.ID, pending); loaded {
		// Same message id sent twice with the ack flag, keep the original
		// retry clock.
		return
	}
	a.pendingCount.Inc()
}

// Ack resolves a pending acknowledgement. It returns the resolved record, or
// nil when the id is unknown. Late and duplicate acks land here as unknown
// ids and are not errors. An ack from anyone but the recipient is ignored.
func (a *AckManager) Ack(messageID, status, byUserID string) *PendingAck {
	pending, ok := a.pending.Load(messageID)
	if !ok {
		return nil
	}
	if byUserID != "" && pending.ToUserID != byUserID {
		a.logger.Debug("Ignoring ack from unexpected user",
			zap.String("mid", messageID),
			zap.String("uid", byUserID))
		return nil
	}
	if _, loaded := a.pending.LoadAndDelete(messageID); !loaded {
		return nil
	}
	a.pendingCount.Dec()
	a.logger.Debug("Message acknowledged",
		zap.String("mid", messageID),
		zap.String("status", status),
		zap.Int("retry_count", pending.RetryCount))
	return pending
}

func (a *AckManager) sweepLoop() {
	ticker := time.NewTicker(a.config.GetAck().GetSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.SweepOnce()
		}
	}
}

// SweepOnce walks the pending records and re-emits or fails every message
// whose acknowledgement is overdue.
func (a *AckManager) SweepOnce() {
	now := a.nowFn()
	timeout := a.config.GetAck().GetTimeout()
	maxRetries := a.config.GetAck().MaxRetries

	a.pending.Range(func(messageID string, pending *PendingAck) bool {
		if now.Sub(pending.LastAttempt) <= timeout {
			return true
		}

		if pending.RetryCount >= maxRetries {
			if _, loaded := a.pending.LoadAndDelete(messageID); loaded {
				a.pendingCount.Dec()
				a.metrics.CountMessageFailed(1)
				a.logger.Info("Message delivery failed, acknowledgement retries exhausted",
					zap.String("mid", messageID),
					zap.String("to", pending.ToUserID),
					zap.Int("retry_count", pending.RetryCount))
				a.router.SendToUser(a.ctx, pending.FromUserID, NewMessageFailedEnvelope("", messageID, "acknowledgement timed out"))
			}
			return true
		}

		pending.RetryCount++
		pending.LastAttempt = now
		a.metrics.CountMessageRetried(1)
		a.logger.Debug("Re-emitting unacknowledged message",
			zap.String("mid", messageID),
			zap.String("to", pending.ToUserID),
			zap.Int("attempt", pending.RetryCount),
			zap.Int("max_retries", maxRetries))
		a.router.SendToUser(a.ctx, pending.ToUserID, pending.envelope)
		a.router.SendToUser(a.ctx, pending.FromUserID, NewMessageRetryingEnvelope(messageID, pending.RetryCount, maxRetries))
		return true
	})
}
