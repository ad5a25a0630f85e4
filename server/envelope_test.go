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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalEnvelope(t *testing.T) {
	raw := []byte(`{"type":"sendMessage","cid":"42","payload":{"toUserId":"u2","content":"hi"}}`)

	envelope, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, EventSendMessage, envelope.Type)
	assert.Equal(t, "42", envelope.Cid)

	var req SendMessageRequest
	require.NoError(t, json.Unmarshal(envelope.Payload, &req))
	assert.Equal(t, "u2", req.ToUserID)
	assert.Equal(t, "hi", req.Content)
}

func TestUnmarshalEnvelopeMalformed(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestErrorEnvelopeShape(t *testing.T) {
	envelope := NewErrorEnvelope("7", ErrorCodeNotRegistered, "session not registered")
	assert.Equal(t, EventError, envelope.Type)
	assert.Equal(t, "7", envelope.Cid)

	var payload struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.False(t, payload.Success)
	assert.Equal(t, ErrorCodeNotRegistered, payload.Code)
	assert.Equal(t, "session not registered", payload.Message)
}

func TestRegisteredEnvelopeShape(t *testing.T) {
	envelope := NewRegisteredEnvelope("1", "u1", "sock-1", "node-1")
	assert.Equal(t, EventRegistered, envelope.Type)

	var payload struct {
		Success    bool   `json:"success"`
		UserID     string `json:"userId"`
		SocketID   string `json:"socketId"`
		InstanceID string `json:"instanceId"`
	}
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.True(t, payload.Success)
	assert.Equal(t, "u1", payload.UserID)
	assert.Equal(t, "sock-1", payload.SocketID)
	assert.Equal(t, "node-1", payload.InstanceID)
}

func TestNewMessageEnvelopeCarriesMessage(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	envelope := NewNewMessageEnvelope(&Message{
		ID:         "m1",
		FromUserID: "u1",
		Content:    "hello",
		Type:       "text",
		RequireAck: true,
		CreatedAt:  created,
	})
	assert.Equal(t, EventNewMessage, envelope.Type)
	assert.Empty(t, envelope.Cid)

	var payload struct {
		MessageID  string `json:"messageId"`
		FromUserID string `json:"fromUserId"`
		Content    string `json:"content"`
		RequireAck bool   `json:"requireAck"`
		Timestamp  int64  `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, "m1", payload.MessageID)
	assert.Equal(t, "u1", payload.FromUserID)
	assert.True(t, payload.RequireAck)
	assert.Equal(t, created.UnixMilli(), payload.Timestamp)
}

func TestRateLimitExceededEnvelopeShape(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	envelope := NewRateLimitExceededEnvelope("9", EventSendMessage, 750*time.Millisecond, at)
	assert.Equal(t, EventRateLimitExceeded, envelope.Type)
	assert.Equal(t, "9", envelope.Cid)

	var payload struct {
		Event      string `json:"event"`
		RetryAfter int64  `json:"retryAfter"`
	}
	require.NoError(t, json.Unmarshal(envelope.Payload, &payload))
	assert.Equal(t, EventSendMessage, payload.Event)
	assert.Equal(t, int64(750), payload.RetryAfter)
}
