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
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// ErrSessionQueueFull is returned when a session's outgoing queue is at
// capacity. The session is closed, the client is too slow to keep.
var ErrSessionQueueFull = errors.New("session outgoing queue full")

// Session is a client connection held by this instance. The user identity is
// fixed at accept time from the handshake credentials, but the session only
// participates in presence and delivery once the client has registered.
type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	UserID() string
	Username() string
	ClientIP() string
	ClientPort() string
	ConnectTime() time.Time
	Context() context.Context

	Registered() bool
	// MarkRegistered flips the session into the registered state. It returns
	// false if the session was already registered.
	MarkRegistered() bool

	Consume()

	Send(envelope *Envelope) error
	SendBytes(payload []byte) error

	Close(msg string)
}
