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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const connIPKeyPrefix = "conn:ip:"

// ConnectionRegistry tracks the sockets held by this instance. Socket state
// is owned exclusively by the accepting instance, other instances observe it
// through presence records only. The per-IP admission counters are the one
// piece of registry state kept in the coordination store, so the cap holds
// across the fleet.
type ConnectionRegistry interface {
	Stop()

	Count() int
	UserCount() int

	Get(sessionID uuid.UUID) Session
	// GetByUserID returns the registered local sockets of a user.
	GetByUserID(userID string) []Session
	Range(fn func(session Session) bool)

	// AdmitIP reserves an admission slot for a new socket from the given
	// address. Callers must release the slot with ReleaseIP if no session is
	// ever added for it.
	AdmitIP(ctx context.Context, clientIP string) bool
	ReleaseIP(clientIP string)

	// Add inserts an accepted socket before registration.
	Add(session Session)
	// Register activates a session under its user identity. Repeated calls
	// for the same session return false and change nothing.
	Register(ctx context.Context, session Session) bool
	// Remove drops a session from local state and releases its admission
	// slot. Safe to call for sessions that were never registered.
	Remove(sessionID uuid.UUID)

	// KickUser force-disconnects every local socket belonging to the user,
	// returning the number of sockets closed.
	KickUser(userID string, reason string) int

	// ReconcileExpired closes the local socket behind an expired presence
	// record, if it is still around.
	ReconcileExpired(expiry PresenceExpiry)
}

type LocalConnectionRegistry struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	store   *StoreManager

	instanceID string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	sessions     *MapOf[uuid.UUID, Session]
	sessionCount *atomic.Int32

	userMu sync.RWMutex
	byUser map[string]map[uuid.UUID]Session

	// Local mirror of the store-backed per-IP counters, authoritative while
	// the store is unreachable.
	ipMu     sync.Mutex
	ipCounts map[string]int
}

func NewLocalConnectionRegistry(logger *zap.Logger, config Config, metrics Metrics, store *StoreManager) ConnectionRegistry {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &LocalConnectionRegistry{
		logger:  logger,
		config:  config,
		metrics: metrics,
		store:   store,

		instanceID: config.GetName(),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		sessions:     &MapOf[uuid.UUID, Session]{},
		sessionCount: atomic.NewInt32(0),

		byUser:   make(map[string]map[uuid.UUID]Session),
		ipCounts: make(map[string]int),
	}
}

func (r *LocalConnectionRegistry) Stop() {
	// Close sessions before cancelling so their removal can still decrement
	// the store-backed address counters.
	r.sessions.Range(func(id uuid.UUID, session Session) bool {
		session.Close("server shutting down")
		return true
	})
	r.ctxCancelFn()
}

func (r *LocalConnectionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalConnectionRegistry) UserCount() int {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	return len(r.byUser)
}

func (r *LocalConnectionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return session
}

func (r *LocalConnectionRegistry) GetByUserID(userID string) []Session {
	r.userMu.RLock()
	defer r.userMu.RUnlock()
	userSessions, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	sessions := make([]Session, 0, len(userSessions))
	for _, session := range userSessions {
		sessions = append(sessions, session)
	}
	return sessions
}

func (r *LocalConnectionRegistry) Range(fn func(session Session) bool) {
	r.sessions.Range(func(id uuid.UUID, session Session) bool {
		return fn(session)
	})
}

func (r *LocalConnectionRegistry) AdmitIP(ctx context.Context, clientIP string) bool {
	maxConns := r.config.GetSocket().MaxConnsPerIP
	key := r.store.PrefixKey(connIPKeyPrefix + clientIP)

	count, err := r.store.Client().Incr(ctx, key).Result()
	if err != nil {
		r.store.MarkDegraded(err)
		// Store unreachable, enforce the cap from the local mirror alone.
		r.ipMu.Lock()
		defer r.ipMu.Unlock()
		if r.ipCounts[clientIP] >= maxConns {
			r.logger.Warn("Connection limit reached for address", zap.String("client_ip", clientIP), zap.Int("limit", maxConns))
			return false
		}
		r.ipCounts[clientIP]++
		return true
	}
	r.store.MarkHealthy()

	if count > int64(maxConns) {
		// Back out the reservation, this socket is not admitted.
		if err := r.store.Client().Decr(ctx, key).Err(); err != nil {
			r.logger.Debug("Failed to decrement address connection counter", zap.Error(err))
		}
		r.logger.Warn("Connection limit reached for address", zap.String("client_ip", clientIP), zap.Int("limit", maxConns))
		return false
	}

	// The counter self-heals through expiry if this instance dies without
	// decrementing, refresh the window on every admission.
	if err := r.store.Client().Expire(ctx, key, r.config.GetSocket().GetConnCounterTTL()).Err(); err != nil {
		r.logger.Debug("Failed to refresh address connection counter expiry", zap.Error(err))
	}

	r.ipMu.Lock()
	r.ipCounts[clientIP]++
	r.ipMu.Unlock()
	return true
}

func (r *LocalConnectionRegistry) ReleaseIP(clientIP string) {
	r.ipMu.Lock()
	if count := r.ipCounts[clientIP]; count <= 1 {
		delete(r.ipCounts, clientIP)
	} else {
		r.ipCounts[clientIP] = count - 1
	}
	r.ipMu.Unlock()

	key := r.store.PrefixKey(connIPKeyPrefix + clientIP)
	count, err := r.store.Client().Decr(r.ctx, key).Result()
	if err != nil {
		r.store.MarkDegraded(err)
		return
	}
	if count <= 0 {
		// Counter drift below zero means a previous decrement was lost,
		// remove the key so the next admission starts clean.
		if err := r.store.Client().Del(r.ctx, key).Err(); err != nil {
			r.logger.Debug("Failed to delete address connection counter", zap.Error(err))
		}
		return
	}
	if err := r.store.Client().Expire(r.ctx, key, r.config.GetSocket().GetConnCounterTTL()).Err(); err != nil {
		r.logger.Debug("Failed to refresh address connection counter expiry", zap.Error(err))
	}
}

func (r *LocalConnectionRegistry) Add(session Session) {
	r.sessions.Store(session.ID(), session)
	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))
}

func (r *LocalConnectionRegistry) Register(ctx context.Context, session Session) bool {
	if !session.MarkRegistered() {
		return false
	}

	r.userMu.Lock()
	userSessions, ok := r.byUser[session.UserID()]
	if !ok {
		userSessions = make(map[uuid.UUID]Session, 1)
		r.byUser[session.UserID()] = userSessions
	}
	userSessions[session.ID()] = session
	r.userMu.Unlock()

	session.Logger().Info("Session registered", zap.String("instance_id", r.instanceID))
	return true
}

func (r *LocalConnectionRegistry) Remove(sessionID uuid.UUID) {
	session, ok := r.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	count := r.sessionCount.Dec()
	r.metrics.GaugeSessions(float64(count))

	r.userMu.Lock()
	if userSessions, ok := r.byUser[session.UserID()]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.byUser, session.UserID())
		}
	}
	r.userMu.Unlock()

	r.ReleaseIP(session.ClientIP())
}

func (r *LocalConnectionRegistry) KickUser(userID string, reason string) int {
	kicked := 0
	r.sessions.Range(func(id uuid.UUID, session Session) bool {
		if session.UserID() == userID {
			session.Close(reason)
			kicked++
		}
		return true
	})
	if kicked > 0 {
		r.logger.Info("Kicked user sockets", zap.String("uid", userID), zap.Int("count", kicked), zap.String("reason", reason))
	}
	return kicked
}

func (r *LocalConnectionRegistry) ReconcileExpired(expiry PresenceExpiry) {
	session := r.Get(expiry.SessionID)
	if session == nil || session.UserID() != expiry.UserID {
		return
	}
	session.Logger().Info("Closing socket behind expired presence")
	session.Close("presence expired")
}
