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
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Pipeline routes inbound session events to their handlers. Every mutating
// event passes the rate limiter before its payload is even parsed.
type Pipeline struct {
	config  Config
	metrics Metrics

	registry   ConnectionRegistry
	tracker    PresenceTracker
	router     MessageRouter
	ack        *AckManager
	limiter    *RateLimiter
	delivery   DeliveryBackend
	membership GroupMembership

	validate   *validator.Validate
	instanceID string
	nowFn      func() time.Time
}

func NewPipeline(config Config, metrics Metrics, registry ConnectionRegistry, tracker PresenceTracker, router MessageRouter, ack *AckManager, limiter *RateLimiter, delivery DeliveryBackend, membership GroupMembership) *Pipeline {
	return &Pipeline{
		config:  config,
		metrics: metrics,

		registry:   registry,
		tracker:    tracker,
		router:     router,
		ack:        ack,
		limiter:    limiter,
		delivery:   delivery,
		membership: membership,

		validate:   validator.New(),
		instanceID: config.GetName(),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessRequest handles one inbound envelope. The return value reports
// whether the session read loop should continue consuming.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, in *Envelope) bool {
	if logger.Core().Enabled(zap.DebugLevel) {
		logger.Debug("Received envelope", zap.String("type", in.Type))
	}

	if in.Type == "" {
		logger.Warn("Received envelope without a type")
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeInvalidPayload, "missing event type"))
		return true
	}

	verdict := p.limiter.Allow(session.Context(), PolicyForEvent(in.Type), IdentifierForSession(session))
	if !verdict.Allowed {
		logger.Debug("Event rejected by rate limiter", zap.String("type", in.Type), zap.Duration("retry_after", verdict.RetryAfter))
		_ = session.Send(NewRateLimitExceededEnvelope(in.Cid, in.Type, verdict.RetryAfter, p.nowFn()))
		return true
	}

	switch in.Type {
	case EventRegister:
		p.register(logger, session, in)
	case EventHeartbeat:
		p.heartbeat(logger, session, in)
	case EventSendMessage:
		p.sendMessage(logger, session, in)
	case EventMessageAck:
		p.messageAck(logger, session, in)
	case EventSendGroupMessage:
		p.sendGroupMessage(logger, session, in)
	case EventJoinRoom:
		p.joinRoom(logger, session, in)
	case EventLeaveRoom:
		p.leaveRoom(logger, session, in)
	default:
		logger.Warn("Received envelope of unknown type", zap.String("type", in.Type))
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeUnknownEvent, "unknown event type"))
	}
	return true
}

func (p *Pipeline) decode(logger *zap.Logger, session Session, in *Envelope, out any) bool {
	if err := json.Unmarshal(in.Payload, out); err != nil {
		logger.Warn("Received malformed payload", zap.String("type", in.Type), zap.Error(err))
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeInvalidPayload, "malformed payload"))
		return false
	}
	if err := p.validate.Struct(out); err != nil {
		logger.Warn("Received invalid payload", zap.String("type", in.Type), zap.Error(err))
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeInvalidPayload, err.Error()))
		return false
	}
	return true
}

func (p *Pipeline) requireRegistered(logger *zap.Logger, session Session, in *Envelope) bool {
	if session.Registered() {
		return true
	}
	logger.Debug("Received event before registration", zap.String("type", in.Type))
	_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeNotRegistered, "session not registered"))
	return false
}

func (p *Pipeline) register(logger *zap.Logger, session Session, in *Envelope) {
	var req RegisterRequest
	if !p.decode(logger, session, in, &req) {
		return
	}

	// Registration under any identity other than the authenticated one is a
	// spoof attempt.
	if req.UserID != session.UserID() {
		logger.Warn("Register request for a different identity", zap.String("requested_uid", req.UserID))
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeIdentityMismatch, "userId does not match authenticated identity"))
		return
	}

	if p.registry.Register(session.Context(), session) {
		if err := p.tracker.Track(session.Context(), session.UserID(), session.ID()); err != nil {
			logger.Debug("Could not mirror presence record", zap.Error(err))
		}
	}
	// Repeated registers confirm the same state.
	_ = session.Send(NewRegisteredEnvelope(in.Cid, session.UserID(), session.ID().String(), p.instanceID))
}

func (p *Pipeline) heartbeat(logger *zap.Logger, session Session, in *Envelope) {
	if session.Registered() {
		p.tracker.Heartbeat(session.Context(), session.UserID(), session.ID())
	}
	_ = session.Send(NewHeartbeatAckEnvelope(in.Cid, p.nowFn()))
}

func (p *Pipeline) sendMessage(logger *zap.Logger, session Session, in *Envelope) {
	if !p.requireRegistered(logger, session, in) {
		return
	}
	var req SendMessageRequest
	if !p.decode(logger, session, in, &req) {
		return
	}

	msg := &Message{
		ID:         req.MessageID,
		FromUserID: session.UserID(),
		ToUserID:   req.ToUserID,
		Content:    req.Content,
		Type:       messageType(req.Type),
		RequireAck: req.RequireAck,
		CreatedAt:  p.nowFn(),
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV4()).String()
	}

	if _, err := p.delivery.Send(session.Context(), msg); err != nil {
		logger.Warn("Delivery backend rejected message", zap.String("mid", msg.ID), zap.Error(err))
		p.metrics.CountMessageFailed(1)
		_ = session.Send(NewMessageFailedEnvelope(in.Cid, msg.ID, "delivery backend error"))
		return
	}

	// Fan out to every live device of the recipient. Duplicate arrival
	// across devices is expected.
	p.router.SendToUser(session.Context(), msg.ToUserID, NewNewMessageEnvelope(msg))

	if msg.RequireAck {
		p.ack.Add(msg)
	}

	_ = session.Send(NewMessageSentEnvelope(in.Cid, msg.ID, "sent"))
}

func (p *Pipeline) messageAck(logger *zap.Logger, session Session, in *Envelope) {
	if !p.requireRegistered(logger, session, in) {
		return
	}
	var req MessageAckRequest
	if !p.decode(logger, session, in, &req) {
		return
	}

	pending := p.ack.Ack(req.MessageID, req.Status, session.UserID())
	if pending != nil {
		p.router.SendToUser(session.Context(), pending.FromUserID, NewMessageAcknowledgedEnvelope(req.MessageID, req.Status, session.UserID(), p.nowFn()))
	}
	// Unknown ids are late or duplicate acks, not errors.
	_ = session.Send(NewResultEnvelope(in.Cid, true))
}

func (p *Pipeline) sendGroupMessage(logger *zap.Logger, session Session, in *Envelope) {
	if !p.requireRegistered(logger, session, in) {
		return
	}
	var req GroupMessageRequest
	if !p.decode(logger, session, in, &req) {
		return
	}

	if !p.requireMembership(logger, session, in, req.GroupID) {
		return
	}

	msg := &Message{
		ID:         req.MessageID,
		FromUserID: session.UserID(),
		GroupID:    req.GroupID,
		Content:    req.Content,
		Type:       messageType(req.Type),
		CreatedAt:  p.nowFn(),
	}
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV4()).String()
	}

	if _, err := p.delivery.Send(session.Context(), msg); err != nil {
		logger.Warn("Delivery backend rejected group message", zap.String("mid", msg.ID), zap.Error(err))
		p.metrics.CountMessageFailed(1)
		_ = session.Send(NewMessageFailedEnvelope(in.Cid, msg.ID, "delivery backend error"))
		return
	}

	p.router.SendToRoom(session.Context(), groupRoom(req.GroupID), NewNewMessageEnvelope(msg), session.ID())

	_ = session.Send(NewMessageSentEnvelope(in.Cid, msg.ID, "sent"))
}

func (p *Pipeline) joinRoom(logger *zap.Logger, session Session, in *Envelope) {
	if !p.requireRegistered(logger, session, in) {
		return
	}
	var req RoomRequest
	if !p.decode(logger, session, in, &req) {
		return
	}

	if !p.authorizeRoom(logger, session, in, req.RoomID) {
		return
	}

	p.router.JoinRoom(session, req.RoomID)
	p.router.SendToRoom(session.Context(), req.RoomID, NewUserJoinedEnvelope(req.RoomID, session.UserID()), session.ID())
	_ = session.Send(NewResultEnvelope(in.Cid, true))
}

func (p *Pipeline) leaveRoom(logger *zap.Logger, session Session, in *Envelope) {
	if !p.requireRegistered(logger, session, in) {
		return
	}
	var req RoomRequest
	if !p.decode(logger, session, in, &req) {
		return
	}

	p.router.LeaveRoom(session.ID(), req.RoomID)
	p.router.SendToRoom(session.Context(), req.RoomID, NewUserLeftEnvelope(req.RoomID, session.UserID()), session.ID())
	_ = session.Send(NewResultEnvelope(in.Cid, true))
}

// authorizeRoom blocks joins into rooms addressed to other principals.
// Personal rooms belong to their user, group rooms require membership.
func (p *Pipeline) authorizeRoom(logger *zap.Logger, session Session, in *Envelope, roomID string) bool {
	if owner, ok := strings.CutPrefix(roomID, "user:"); ok {
		if owner != session.UserID() {
			logger.Warn("Blocked join into another user's room", zap.String("room_id", roomID))
			_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeNotAuthorized, "cannot join another user's room"))
			return false
		}
		return true
	}
	if groupID, ok := strings.CutPrefix(roomID, "group:"); ok {
		return p.requireMembership(logger, session, in, groupID)
	}
	return true
}

func (p *Pipeline) requireMembership(logger *zap.Logger, session Session, in *Envelope, groupID string) bool {
	member, err := p.membership.IsMember(session.Context(), session.UserID(), groupID)
	if err != nil {
		logger.Warn("Could not check group membership", zap.String("group_id", groupID), zap.Error(err))
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeNotAuthorized, "membership check unavailable"))
		return false
	}
	if !member {
		logger.Warn("Blocked group event from non-member", zap.String("group_id", groupID))
		_ = session.Send(NewErrorEnvelope(in.Cid, ErrorCodeNotAuthorized, "not a member of this group"))
		return false
	}
	return true
}

func groupRoom(groupID string) string {
	return "group:" + groupID
}

func messageType(t string) string {
	if t == "" {
		return "text"
	}
	return t
}
