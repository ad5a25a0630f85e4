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
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// newTestConfig returns defaults tuned for tests: a closed store address so
// store calls fail fast, no command retries, and a fixed instance name.
func newTestConfig() Config {
	c := NewConfig().(*config)
	c.Name = "gateway-test"
	c.Redis.Address = "127.0.0.1:1"
	c.Redis.ConnectAttempts = 1
	c.Redis.ConnectBackoffMs = 1
	c.Redis.ConnectBackoffMaxMs = 1
	c.Redis.MaxRetries = -1
	return c
}

// newTestStore returns an unconnected store manager against the closed test
// address. Components exercised with it take their degraded paths.
func newTestStore(config Config) *StoreManager {
	return NewStoreManager(zap.NewNop(), config)
}

// fakeSession implements Session without a socket, recording everything sent
// to it.
type fakeSession struct {
	sync.Mutex
	id          uuid.UUID
	userID      string
	username    string
	clientIP    string
	clientPort  string
	connectTime time.Time
	ctx         context.Context
	registered  *atomic.Bool
	closed      bool
	closeMsg    string
	sent        []*Envelope
}

func newFakeSession(userID string) *fakeSession {
	return &fakeSession{
		id:          uuid.Must(uuid.NewV4()),
		userID:      userID,
		username:    userID,
		clientIP:    "127.0.0.1",
		clientPort:  "40712",
		connectTime: time.Now().UTC(),
		ctx:         context.Background(),
		registered:  atomic.NewBool(false),
	}
}

func (s *fakeSession) Logger() *zap.Logger      { return zap.NewNop() }
func (s *fakeSession) ID() uuid.UUID            { return s.id }
func (s *fakeSession) UserID() string           { return s.userID }
func (s *fakeSession) Username() string         { return s.username }
func (s *fakeSession) ClientIP() string         { return s.clientIP }
func (s *fakeSession) ClientPort() string       { return s.clientPort }
func (s *fakeSession) ConnectTime() time.Time   { return s.connectTime }
func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) Registered() bool         { return s.registered.Load() }
func (s *fakeSession) MarkRegistered() bool     { return s.registered.CompareAndSwap(false, true) }
func (s *fakeSession) Consume()                 {}

func (s *fakeSession) Send(envelope *Envelope) error {
	s.Lock()
	defer s.Unlock()
	s.sent = append(s.sent, envelope)
	return nil
}

func (s *fakeSession) SendBytes(payload []byte) error {
	envelope, err := UnmarshalEnvelope(payload)
	if err != nil {
		return err
	}
	return s.Send(envelope)
}

func (s *fakeSession) Close(msg string) {
	s.Lock()
	defer s.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeMsg = msg
}

func (s *fakeSession) isClosed() bool {
	s.Lock()
	defer s.Unlock()
	return s.closed
}

func (s *fakeSession) closeReason() string {
	s.Lock()
	defer s.Unlock()
	return s.closeMsg
}

func (s *fakeSession) sentEnvelopes() []*Envelope {
	s.Lock()
	defer s.Unlock()
	out := make([]*Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSession) sentOfType(eventType string) []*Envelope {
	s.Lock()
	defer s.Unlock()
	out := make([]*Envelope, 0, len(s.sent))
	for _, envelope := range s.sent {
		if envelope.Type == eventType {
			out = append(out, envelope)
		}
	}
	return out
}

func (s *fakeSession) lastSent() *Envelope {
	s.Lock()
	defer s.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}
