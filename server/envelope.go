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
	"time"
)

// Client to server event types.
const (
	EventRegister         = "register"
	EventHeartbeat        = "heartbeat"
	EventSendMessage      = "sendMessage"
	EventMessageAck       = "messageAck"
	EventSendGroupMessage = "sendGroupMessage"
	EventJoinRoom         = "joinRoom"
	EventLeaveRoom        = "leaveRoom"
)

// Server to client event types.
const (
	EventRegistered          = "registered"
	EventHeartbeatAck        = "heartbeatAck"
	EventResult              = "result"
	EventError               = "error"
	EventNewMessage          = "newMessage"
	EventMessageSent         = "messageSent"
	EventMessageFailed       = "messageFailed"
	EventMessageRetrying     = "messageRetrying"
	EventMessageAcknowledged = "messageAcknowledged"
	EventRateLimitExceeded   = "rateLimitExceeded"
	EventUserJoined          = "userJoined"
	EventUserLeft            = "userLeft"
	EventSystemBroadcast     = "systemBroadcast"
)

// Error codes carried in error envelopes.
const (
	ErrorCodeInvalidPayload   = "invalid_payload"
	ErrorCodeUnknownEvent     = "unknown_event"
	ErrorCodeNotRegistered    = "not_registered"
	ErrorCodeIdentityMismatch = "identity_mismatch"
	ErrorCodeNotAuthorized    = "not_authorized"
	ErrorCodeDeliveryFailed   = "delivery_failed"
)

// Acknowledgement statuses accepted from clients.
const (
	AckStatusDelivered = "delivered"
	AckStatusRead      = "read"
)

// Envelope is the framing for every message exchanged over a client socket.
// Cid correlates a response with the client request that produced it and is
// empty on server-initiated pushes.
type Envelope struct {
	Type    string          `json:"type"`
	Cid     string          `json:"cid,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a raw client frame.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RegisterRequest activates a session under the authenticated user identity.
type RegisterRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// SendMessageRequest is a direct message to another user's devices.
type SendMessageRequest struct {
	ToUserID   string `json:"toUserId" validate:"required"`
	MessageID  string `json:"messageId"`
	Content    string `json:"content" validate:"required"`
	Type       string `json:"type"`
	RequireAck bool   `json:"requireAck"`
}

// MessageAckRequest confirms receipt of a message delivered to this client.
type MessageAckRequest struct {
	MessageID string `json:"messageId" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=delivered read"`
}

// GroupMessageRequest is a message fanned out to a group room.
type GroupMessageRequest struct {
	GroupID   string `json:"groupId" validate:"required"`
	MessageID string `json:"messageId"`
	Content   string `json:"content" validate:"required"`
	Type      string `json:"type"`
}

// RoomRequest joins or leaves a named room.
type RoomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

// Message is a chat message in flight through the gateway.
type Message struct {
	ID         string    `json:"id"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId,omitempty"`
	GroupID    string    `json:"groupId,omitempty"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	RequireAck bool      `json:"requireAck,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newEnvelope(eventType, cid string, payload any) *Envelope {
	data, _ := json.Marshal(payload)
	return &Envelope{Type: eventType, Cid: cid, Payload: data}
}

// NewErrorEnvelope reports a rejected client request.
func NewErrorEnvelope(cid, code, message string) *Envelope {
	return newEnvelope(EventError, cid, struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Success: false, Code: code, Message: message})
}

// NewResultEnvelope reports plain success for requests without a richer
// response shape.
func NewResultEnvelope(cid string, success bool) *Envelope {
	return newEnvelope(EventResult, cid, struct {
		Success bool `json:"success"`
	}{Success: success})
}

// NewRegisteredEnvelope confirms session registration.
func NewRegisteredEnvelope(cid, userID, socketID, instanceID string) *Envelope {
	return newEnvelope(EventRegistered, cid, struct {
		Success    bool   `json:"success"`
		UserID     string `json:"userId"`
		SocketID   string `json:"socketId"`
		InstanceID string `json:"instanceId"`
	}{Success: true, UserID: userID, SocketID: socketID, InstanceID: instanceID})
}

// NewHeartbeatAckEnvelope confirms a heartbeat.
func NewHeartbeatAckEnvelope(cid string, at time.Time) *Envelope {
	return newEnvelope(EventHeartbeatAck, cid, struct {
		Success   bool  `json:"success"`
		Timestamp int64 `json:"timestamp"`
	}{Success: true, Timestamp: at.UnixMilli()})
}

// NewNewMessageEnvelope carries a message to a recipient device.
func NewNewMessageEnvelope(msg *Message) *Envelope {
	return newEnvelope(EventNewMessage, "", struct {
		MessageID  string `json:"messageId"`
		FromUserID string `json:"fromUserId"`
		GroupID    string `json:"groupId,omitempty"`
		Content    string `json:"content"`
		Type       string `json:"type"`
		RequireAck bool   `json:"requireAck,omitempty"`
		Timestamp  int64  `json:"timestamp"`
	}{
		MessageID:  msg.ID,
		FromUserID: msg.FromUserID,
		GroupID:    msg.GroupID,
		Content:    msg.Content,
		Type:       msg.Type,
		RequireAck: msg.RequireAck,
		Timestamp:  msg.CreatedAt.UnixMilli(),
	})
}

// NewMessageSentEnvelope confirms a send request back to its sender.
func NewMessageSentEnvelope(cid, messageID, status string) *Envelope {
	return newEnvelope(EventMessageSent, cid, struct {
		Success   bool   `json:"success"`
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}{Success: true, MessageID: messageID, Status: status})
}

// NewMessageFailedEnvelope reports a terminal delivery failure to the sender.
func NewMessageFailedEnvelope(cid, messageID, reason string) *Envelope {
	return newEnvelope(EventMessageFailed, cid, struct {
		MessageID string `json:"messageId"`
		Reason    string `json:"reason"`
	}{MessageID: messageID, Reason: reason})
}

// NewMessageRetryingEnvelope reports a delivery retry in progress to the
// sender.
func NewMessageRetryingEnvelope(messageID string, attempt, maxRetries int) *Envelope {
	return newEnvelope(EventMessageRetrying, "", struct {
		MessageID  string `json:"messageId"`
		Attempt    int    `json:"attempt"`
		MaxRetries int    `json:"maxRetries"`
	}{MessageID: messageID, Attempt: attempt, MaxRetries: maxRetries})
}

// NewMessageAcknowledgedEnvelope notifies the sender that a recipient
// acknowledged a message.
func NewMessageAcknowledgedEnvelope(messageID, status, byUserID string, at time.Time) *Envelope {
	return newEnvelope(EventMessageAcknowledged, "", struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
		ByUserID  string `json:"byUserId"`
		Timestamp int64  `json:"timestamp"`
	}{MessageID: messageID, Status: status, ByUserID: byUserID, Timestamp: at.UnixMilli()})
}

// NewRateLimitExceededEnvelope reports a rejected event and when the client
// may retry.
func NewRateLimitExceededEnvelope(cid, event string, retryAfter time.Duration, at time.Time) *Envelope {
	return newEnvelope(EventRateLimitExceeded, cid, struct {
		Event      string `json:"event"`
		RetryAfter int64  `json:"retryAfter"`
		Timestamp  int64  `json:"timestamp"`
	}{Event: event, RetryAfter: retryAfter.Milliseconds(), Timestamp: at.UnixMilli()})
}

// NewUserJoinedEnvelope notifies room members of a join.
func NewUserJoinedEnvelope(roomID, userID string) *Envelope {
	return newEnvelope(EventUserJoined, "", struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}{RoomID: roomID, UserID: userID})
}

// NewUserLeftEnvelope notifies room members of a leave.
func NewUserLeftEnvelope(roomID, userID string) *Envelope {
	return newEnvelope(EventUserLeft, "", struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}{RoomID: roomID, UserID: userID})
}

// NewSystemBroadcastEnvelope carries an operator broadcast to every connected
// client.
func NewSystemBroadcastEnvelope(payload json.RawMessage) *Envelope {
	return &Envelope{Type: EventSystemBroadcast, Payload: payload}
}
