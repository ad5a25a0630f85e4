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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()

	assert.NotEmpty(t, c.GetName())
	assert.Equal(t, 7450, c.GetSocket().Port)
	assert.Equal(t, 10, c.GetSocket().MaxConnsPerIP)
	assert.Equal(t, 30, c.GetSession().RegisterGraceSec)
	assert.Equal(t, 60*time.Second, c.GetPresence().GetHeartbeatTTL())
	assert.Equal(t, 10*time.Second, c.GetPresence().GetSweepInterval())
	assert.Equal(t, 30*time.Second, c.GetAck().GetTimeout())
	assert.Equal(t, 3, c.GetAck().MaxRetries)
	assert.Equal(t, 5*time.Second, c.GetAck().GetSweepInterval())
}

func TestNewConfigNamesAreUnique(t *testing.T) {
	a := NewConfig()
	b := NewConfig()
	assert.NotEqual(t, a.GetName(), b.GetName())
}

func TestNewConfigRateLimitPolicies(t *testing.T) {
	policies := NewConfig().GetRateLimit().Policies

	require.Contains(t, policies, RateLimitPolicyMessage)
	require.Contains(t, policies, RateLimitPolicyConnection)
	require.Contains(t, policies, RateLimitPolicyDefault)

	assert.Equal(t, 5, policies[RateLimitPolicyMessage].Limit)
	assert.Equal(t, time.Second, policies[RateLimitPolicyMessage].GetWindow())
	assert.Equal(t, 10, policies[RateLimitPolicyConnection].Limit)
	assert.Equal(t, time.Minute, policies[RateLimitPolicyConnection].GetWindow())
	assert.Equal(t, 20, policies[RateLimitPolicyDefault].Limit)
	assert.Equal(t, 10*time.Second, policies[RateLimitPolicyDefault].GetWindow())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yml")
	data := []byte(`
name: "gateway-yaml"
socket:
  port: 9100
  max_conns_per_ip: 3
presence:
  heartbeat_ttl_sec: 90
rate_limit:
  policies:
    message:
      limit: 50
      window_ms: 2000
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "gateway-yaml", c.GetName())
	assert.Equal(t, 9100, c.GetSocket().Port)
	assert.Equal(t, 3, c.GetSocket().MaxConnsPerIP)
	assert.Equal(t, 90, c.GetPresence().HeartbeatTTLSec)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, c.GetSession().RegisterGraceSec)
	assert.Equal(t, 50, c.GetRateLimit().Policies[RateLimitPolicyMessage].Limit)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestParseArgsFlagsTakePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: \"gateway-yaml\"\n"), 0o644))

	c := ParseArgs(zap.NewNop(), []string{"gateway",
		"-config", path,
		"-name", "gateway-flag",
		"-socket.port", "9200",
		"-redis.address", "10.0.0.9:6379",
	})

	assert.Equal(t, "gateway-flag", c.GetName())
	assert.Equal(t, 9200, c.GetSocket().Port)
	assert.Equal(t, "10.0.0.9:6379", c.GetRedis().Address)
}

func TestConfigClone(t *testing.T) {
	c := NewConfig()
	clone := c.Clone()

	clone.GetSocket().Port = 9999
	clone.GetRateLimit().Policies[RateLimitPolicyMessage].Limit = 1

	assert.Equal(t, 7450, c.GetSocket().Port)
	assert.Equal(t, 5, c.GetRateLimit().Policies[RateLimitPolicyMessage].Limit)
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	c := newTestConfig()
	validated := ValidateConfig(zap.NewNop(), c)
	assert.Same(t, c, validated)
}
