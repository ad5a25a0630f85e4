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
	"sync"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	routeChannelPrefix = "route:"
	routeFanoutChannel = "route:fanout"

	routeKindUser = "user"
	routeKindRoom = "room"
)

// RouteMessage is the envelope forwarded between instances when a recipient
// socket lives elsewhere.
type RouteMessage struct {
	Kind         string `json:"kind"`
	UserID       string `json:"user_id,omitempty"`
	RoomID       string `json:"room_id,omitempty"`
	EnvelopeJSON string `json:"envelope_json"`
	FromInstance string `json:"from_instance"`
}

// MessageRouter delivers envelopes to sockets wherever they live. Local
// sockets are written directly, remote ones are forwarded through the store
// to the owning instance. Room membership is local to each instance, a room
// send fans out to every instance and each delivers to its own members.
type MessageRouter interface {
	Stop()

	SendToUser(ctx context.Context, userID string, envelope *Envelope)
	SendToRoom(ctx context.Context, roomID string, envelope *Envelope, exclude ...uuid.UUID)
	SendToAllLocal(envelope *Envelope)

	JoinRoom(session Session, roomID string)
	LeaveRoom(sessionID uuid.UUID, roomID string)
	LeaveAll(sessionID uuid.UUID)
	RoomCount() int
}

type LocalMessageRouter struct {
	logger  *zap.Logger
	config  Config
	metrics Metrics
	store   *StoreManager

	registry ConnectionRegistry
	tracker  PresenceTracker

	instanceID string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	roomsMu      sync.RWMutex
	rooms        map[string]map[uuid.UUID]Session
	sessionRooms map[uuid.UUID]map[string]struct{}
}

func StartLocalMessageRouter(logger *zap.Logger, config Config, metrics Metrics, store *StoreManager, registry ConnectionRegistry, tracker PresenceTracker) MessageRouter {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	r := &LocalMessageRouter{
		logger:  logger,
		config:  config,
		metrics: metrics,
		store:   store,

		registry: registry,
		tracker:  tracker,

		instanceID: config.GetName(),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		rooms:        make(map[string]map[uuid.UUID]Session),
		sessionRooms: make(map[uuid.UUID]map[string]struct{}),
	}

	go r.subscribeToRoutes()

	return r
}

func (r *LocalMessageRouter) Stop() {
	r.ctxCancelFn()
}

// subscribeToRoutes consumes envelopes forwarded by other instances, on this
// instance's own channel and on the shared fan-out channel.
func (r *LocalMessageRouter) subscribeToRoutes() {
	pubsub := r.store.Subscribe(r.ctx, r.store.PrefixKey(routeChannelPrefix+r.instanceID), r.store.PrefixKey(routeFanoutChannel))
	ch := pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleRouteMessage([]byte(msg.Payload))
		}
	}
}

func (r *LocalMessageRouter) handleRouteMessage(payload []byte) {
	var route RouteMessage
	if err := json.Unmarshal(payload, &route); err != nil {
		r.logger.Warn("Ignoring malformed route message", zap.Error(err))
		return
	}
	// The fan-out channel echoes back to the publisher, which has already
	// delivered locally.
	if route.FromInstance == r.instanceID {
		return
	}

	switch route.Kind {
	case routeKindUser:
		r.deliverToUser(route.UserID, []byte(route.EnvelopeJSON))
	case routeKindRoom:
		r.deliverToRoom(route.RoomID, []byte(route.EnvelopeJSON))
	default:
		r.logger.Warn("Ignoring route message of unknown kind", zap.String("kind", route.Kind))
	}
}

func (r *LocalMessageRouter) deliverToUser(userID string, payload []byte) {
	sessions := r.registry.GetByUserID(userID)
	for _, session := range sessions {
		_ = session.SendBytes(payload)
	}
	if len(sessions) > 0 {
		r.metrics.CountMessagesRouted(int64(len(sessions)))
	}
}

func (r *LocalMessageRouter) deliverToRoom(roomID string, payload []byte, exclude ...uuid.UUID) {
	r.roomsMu.RLock()
	members := r.rooms[roomID]
	sessions := make([]Session, 0, len(members))
	for sessionID, session := range members {
		if lo.Contains(exclude, sessionID) {
			continue
		}
		sessions = append(sessions, session)
	}
	r.roomsMu.RUnlock()

	for _, session := range sessions {
		_ = session.SendBytes(payload)
	}
	if len(sessions) > 0 {
		r.metrics.CountMessagesRouted(int64(len(sessions)))
	}
}

func (r *LocalMessageRouter) SendToUser(ctx context.Context, userID string, envelope *Envelope) {
	payload, err := envelope.Marshal()
	if err != nil {
		r.logger.Warn("Could not marshal envelope", zap.Error(err))
		return
	}

	// Local sockets first, they never need the store.
	r.deliverToUser(userID, payload)

	records, err := r.tracker.ListConnectionsForUser(ctx, userID)
	if err != nil {
		r.logger.Debug("Could not resolve remote sockets for user", zap.String("uid", userID), zap.Error(err))
		return
	}
	remote := lo.Uniq(lo.FilterMap(records, func(record *PresenceRecord, _ int) (string, bool) {
		return record.InstanceID, record.InstanceID != r.instanceID
	}))
	if len(remote) == 0 {
		return
	}

	route := &RouteMessage{
		Kind:         routeKindUser,
		UserID:       userID,
		EnvelopeJSON: string(payload),
		FromInstance: r.instanceID,
	}
	data, err := json.Marshal(route)
	if err != nil {
		r.logger.Warn("Could not marshal route message", zap.Error(err))
		return
	}
	for _, instanceID := range remote {
		if err := r.store.Client().Publish(ctx, r.store.PrefixKey(routeChannelPrefix+instanceID), data).Err(); err != nil {
			r.store.MarkDegraded(err)
			r.logger.Debug("Could not forward envelope to instance", zap.String("instance_id", instanceID), zap.Error(err))
			continue
		}
		r.metrics.CountMessagesForwarded(1)
	}
}

func (r *LocalMessageRouter) SendToRoom(ctx context.Context, roomID string, envelope *Envelope, exclude ...uuid.UUID) {
	payload, err := envelope.Marshal()
	if err != nil {
		r.logger.Warn("Could not marshal envelope", zap.Error(err))
		return
	}

	r.deliverToRoom(roomID, payload, exclude...)

	route := &RouteMessage{
		Kind:         routeKindRoom,
		RoomID:       roomID,
		EnvelopeJSON: string(payload),
		FromInstance: r.instanceID,
	}
	data, err := json.Marshal(route)
	if err != nil {
		r.logger.Warn("Could not marshal route message", zap.Error(err))
		return
	}
	if err := r.store.Client().Publish(ctx, r.store.PrefixKey(routeFanoutChannel), data).Err(); err != nil {
		r.store.MarkDegraded(err)
		r.logger.Debug("Could not fan out room envelope", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	r.metrics.CountMessagesForwarded(1)
}

func (r *LocalMessageRouter) SendToAllLocal(envelope *Envelope) {
	payload, err := envelope.Marshal()
	if err != nil {
		r.logger.Warn("Could not marshal envelope", zap.Error(err))
		return
	}
	delivered := int64(0)
	r.registry.Range(func(session Session) bool {
		_ = session.SendBytes(payload)
		delivered++
		return true
	})
	if delivered > 0 {
		r.metrics.CountMessagesRouted(delivered)
	}
}

func (r *LocalMessageRouter) JoinRoom(session Session, roomID string) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]Session, 1)
		r.rooms[roomID] = members
	}
	members[session.ID()] = session

	joined, ok := r.sessionRooms[session.ID()]
	if !ok {
		joined = make(map[string]struct{}, 1)
		r.sessionRooms[session.ID()] = joined
	}
	joined[roomID] = struct{}{}
}

func (r *LocalMessageRouter) LeaveRoom(sessionID uuid.UUID, roomID string) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	r.leaveRoomLocked(sessionID, roomID)
}

func (r *LocalMessageRouter) leaveRoomLocked(sessionID uuid.UUID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if joined, ok := r.sessionRooms[sessionID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.sessionRooms, sessionID)
		}
	}
}

func (r *LocalMessageRouter) LeaveAll(sessionID uuid.UUID) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	for roomID := range r.sessionRooms[sessionID] {
		r.leaveRoomLocked(sessionID, roomID)
	}
}

func (r *LocalMessageRouter) RoomCount() int {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return len(r.rooms)
}
