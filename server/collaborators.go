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
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var ErrInvalidToken = errors.New("session token invalid")

// Identity is the authenticated principal behind a socket.
type Identity struct {
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// AuthVerifier checks credentials presented during the socket handshake.
// Implementations must be safe for concurrent use.
type AuthVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type jwtAuthVerifier struct {
	key []byte
}

// NewJWTAuthVerifier verifies HMAC-SHA256 signed session tokens carrying
// "uid", "usn" and "exp" claims, using the configured session encryption key.
func NewJWTAuthVerifier(config Config) AuthVerifier {
	return &jwtAuthVerifier{key: []byte(config.GetSession().EncryptionKey)}
}

func (v *jwtAuthVerifier) Verify(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, err.Error())
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	userID, ok := claims["uid"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}
	identity := &Identity{UserID: userID}
	if username, ok := claims["usn"].(string); ok {
		identity.Username = username
	}
	if exp, ok := claims["exp"].(float64); ok {
		identity.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return identity, nil
}

// GenerateSessionToken signs a session token the verifier will accept. Used
// by operator tooling and tests.
func GenerateSessionToken(config Config, userID, username string, expiry time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": userID,
		"usn": username,
		"exp": time.Now().Add(expiry).Unix(),
	})
	return token.SignedString([]byte(config.GetSession().EncryptionKey))
}

// DeliveryBackend hands accepted messages to the message engine for
// persistence and offline handling. A send error is terminal here, retry
// behaviour belongs to the transport acknowledgement cycle only.
type DeliveryBackend interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

type loggingDeliveryBackend struct {
	logger *zap.Logger
}

// NewLoggingDeliveryBackend accepts every message and logs it. It stands in
// for the real message engine in development deployments.
func NewLoggingDeliveryBackend(logger *zap.Logger) DeliveryBackend {
	return &loggingDeliveryBackend{logger: logger}
}

func (b *loggingDeliveryBackend) Send(ctx context.Context, msg *Message) (string, error) {
	deliveryID := uuid.Must(uuid.NewV4()).String()
	b.logger.Debug("Accepted message delivery",
		zap.String("mid", msg.ID),
		zap.String("delivery_id", deliveryID),
		zap.String("from", msg.FromUserID))
	return deliveryID, nil
}

// GroupMembership answers whether a user belongs to a group. Implementations
// must be safe for concurrent use.
type GroupMembership interface {
	IsMember(ctx context.Context, userID, groupID string) (bool, error)
}

// StaticGroupMembership keeps group membership in memory. It backs
// development deployments and tests, where no membership service exists.
type StaticGroupMembership struct {
	sync.RWMutex
	groups map[string]map[string]struct{}
}

func NewStaticGroupMembership() *StaticGroupMembership {
	return &StaticGroupMembership{groups: make(map[string]map[string]struct{})}
}

func (g *StaticGroupMembership) AddMember(groupID, userID string) {
	g.Lock()
	defer g.Unlock()
	members, ok := g.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		g.groups[groupID] = members
	}
	members[userID] = struct{}{}
}

func (g *StaticGroupMembership) RemoveMember(groupID, userID string) {
	g.Lock()
	defer g.Unlock()
	if members, ok := g.groups[groupID]; ok {
		delete(members, userID)
	}
}

func (g *StaticGroupMembership) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	g.RLock()
	defer g.RUnlock()
	members, ok := g.groups[groupID]
	if !ok {
		return false, nil
	}
	_, member := members[userID]
	return member, nil
}

type cachedGroupMembership struct {
	base  GroupMembership
	cache *cache.Cache
}

// NewCachedGroupMembership wraps a membership source with a short-lived
// result cache. Both positive and negative answers are cached, so membership
// changes become visible within the TTL. Errors are never cached.
func NewCachedGroupMembership(base GroupMembership, ttl time.Duration) GroupMembership {
	return &cachedGroupMembership{
		base:  base,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (g *cachedGroupMembership) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	key := groupID + ":" + userID
	if cached, ok := g.cache.Get(key); ok {
		return cached.(bool), nil
	}
	member, err := g.base.IsMember(ctx, userID, groupID)
	if err != nil {
		return false, err
	}
	g.cache.Set(key, member, cache.DefaultExpiration)
	return member, nil
}
