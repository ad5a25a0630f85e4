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
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration interface. All components read their
// settings through this rather than holding raw structs, so tests can swap in
// partial configurations.
type Config interface {
	GetName() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetRedis() *RedisConfig
	GetPresence() *PresenceConfig
	GetAck() *AckConfig
	GetRateLimit() *RateLimitConfig
	GetNode() *NodeConfig

	Clone() Config
}

type config struct {
	Name             string           `yaml:"name" json:"name" usage:"Gateway instance name, must be unique across the fleet. Default generated at startup."`
	ShutdownGraceSec int              `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for in-flight work during shutdown. Default 5."`
	Logger           *LoggerConfig    `yaml:"logger" json:"logger" usage:"Logger level and output settings."`
	Socket           *SocketConfig    `yaml:"socket" json:"socket" usage:"Socket listener settings."`
	Session          *SessionConfig   `yaml:"session" json:"session" usage:"Session authentication settings."`
	Redis            *RedisConfig     `yaml:"redis" json:"redis" usage:"Shared coordination store settings."`
	Presence         *PresenceConfig  `yaml:"presence" json:"presence" usage:"Presence and heartbeat settings."`
	Ack              *AckConfig       `yaml:"ack" json:"ack" usage:"Delivery acknowledgement settings."`
	RateLimit        *RateLimitConfig `yaml:"rate_limit" json:"rate_limit" usage:"Per-event rate limit policies."`
	Node             *NodeConfig      `yaml:"node" json:"node" usage:"Fleet node record settings."`
}

// NewConfig constructs a Config with default values. The instance name is
// randomized so two unconfigured instances never collide on presence
// ownership.
func NewConfig() Config {
	return &config{
		Name:             "gateway-" + randomSuffix(),
		ShutdownGraceSec: 5,
		Logger:           NewLoggerConfig(),
		Socket:           NewSocketConfig(),
		Session:          NewSessionConfig(),
		Redis:            NewRedisConfig(),
		Presence:         NewPresenceConfig(),
		Ack:              NewAckConfig(),
		RateLimit:        NewRateLimitConfig(),
		Node:             NewNodeConfig(),
	}
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano()%100000)
	}
	return hex.EncodeToString(b)
}

// LoadConfig reads a YAML configuration file over the defaults. An empty path
// returns pure defaults.
func LoadConfig(path string) (Config, error) {
	c := NewConfig().(*config)
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return c, nil
}

// ParseArgs builds the configuration from the command line, applying flag
// overrides on top of the optional YAML file.
func ParseArgs(logger *zap.Logger, args []string) Config {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("config", "", "The absolute path to the configuration YAML file.")
	name := fs.String("name", "", "Gateway instance name, must be unique across the fleet.")
	redisAddress := fs.String("redis.address", "", "Address of the shared coordination store.")
	port := fs.Int("socket.port", 0, "Port for accepting connections from clients.")
	logLevel := fs.String("logger.level", "", "Minimum log level produced by the gateway.")
	if err := fs.Parse(args[1:]); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	c, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Could not load configuration file", zap.String("path", *configPath), zap.Error(err))
	}
	mainConfig := c.(*config)

	// Command line flags take precedence over the configuration file.
	if *name != "" {
		mainConfig.Name = *name
	}
	if *redisAddress != "" {
		mainConfig.Redis.Address = *redisAddress
	}
	if *port != 0 {
		mainConfig.Socket.Port = *port
	}
	if *logLevel != "" {
		mainConfig.Logger.Level = *logLevel
	}

	return mainConfig
}

func (c *config) GetName() string                { return c.Name }
func (c *config) GetShutdownGraceSec() int       { return c.ShutdownGraceSec }
func (c *config) GetLogger() *LoggerConfig       { return c.Logger }
func (c *config) GetSocket() *SocketConfig       { return c.Socket }
func (c *config) GetSession() *SessionConfig     { return c.Session }
func (c *config) GetRedis() *RedisConfig         { return c.Redis }
func (c *config) GetPresence() *PresenceConfig   { return c.Presence }
func (c *config) GetAck() *AckConfig             { return c.Ack }
func (c *config) GetRateLimit() *RateLimitConfig { return c.RateLimit }
func (c *config) GetNode() *NodeConfig           { return c.Node }

func (c *config) Clone() Config {
	cn := *c
	cn.Logger = c.Logger.Clone()
	cn.Socket = c.Socket.Clone()
	cn.Session = c.Session.Clone()
	cn.Redis = c.Redis.Clone()
	cn.Presence = c.Presence.Clone()
	cn.Ack = c.Ack.Clone()
	cn.RateLimit = c.RateLimit.Clone()
	cn.Node = c.Node.Clone()
	return &cn
}

// ValidateConfig checks configuration invariants and terminates on settings
// that cannot produce a working instance. It returns the config to allow
// chained use at startup.
func ValidateConfig(logger *zap.Logger, c Config) Config {
	if c.GetName() == "" {
		logger.Fatal("Instance name must not be empty")
	}
	if c.GetSocket().Port < 1 || c.GetSocket().Port > 65535 {
		logger.Fatal("Socket port must be between 1 and 65535", zap.Int("port", c.GetSocket().Port))
	}
	if c.GetSocket().MaxConnsPerIP < 1 {
		logger.Fatal("Per-IP connection cap must be at least 1", zap.Int("max_conns_per_ip", c.GetSocket().MaxConnsPerIP))
	}
	if c.GetSocket().OutgoingQueueSize < 1 {
		logger.Fatal("Outgoing queue size must be at least 1", zap.Int("outgoing_queue_size", c.GetSocket().OutgoingQueueSize))
	}
	if c.GetSocket().PingPeriodMs >= c.GetSocket().PongWaitMs {
		logger.Fatal("Ping period must be shorter than pong wait",
			zap.Int("ping_period_ms", c.GetSocket().PingPeriodMs),
			zap.Int("pong_wait_ms", c.GetSocket().PongWaitMs))
	}
	if c.GetSession().RegisterGraceSec < 1 {
		logger.Fatal("Registration grace must be at least 1 second", zap.Int("register_grace_sec", c.GetSession().RegisterGraceSec))
	}
	if len(c.GetSession().EncryptionKey) < 1 {
		logger.Warn("Session encryption key is not set, tokens signed with an empty key will be accepted")
	}
	if c.GetPresence().HeartbeatTTLSec <= c.GetPresence().SweepIntervalSec {
		logger.Fatal("Presence TTL must be longer than the sweep interval",
			zap.Int("heartbeat_ttl_sec", c.GetPresence().HeartbeatTTLSec),
			zap.Int("sweep_interval_sec", c.GetPresence().SweepIntervalSec))
	}
	if c.GetAck().TimeoutSec < 1 || c.GetAck().SweepIntervalSec < 1 {
		logger.Fatal("Ack timeout and sweep interval must be at least 1 second",
			zap.Int("timeout_sec", c.GetAck().TimeoutSec),
			zap.Int("sweep_interval_sec", c.GetAck().SweepIntervalSec))
	}
	if c.GetAck().MaxRetries < 0 {
		logger.Fatal("Ack max retries must not be negative", zap.Int("max_retries", c.GetAck().MaxRetries))
	}
	for name, policy := range c.GetRateLimit().Policies {
		if policy.Limit < 1 || policy.WindowMs < 1 {
			logger.Fatal("Rate limit policy must have a positive limit and window",
				zap.String("policy", name),
				zap.Int("limit", policy.Limit),
				zap.Int("window_ms", policy.WindowMs))
		}
	}
	if _, ok := c.GetRateLimit().Policies[RateLimitPolicyDefault]; !ok {
		logger.Fatal("Rate limit policies must include a default policy")
	}
	if c.GetNode().HeartbeatIntervalSec >= c.GetNode().TTLSec {
		logger.Fatal("Node heartbeat interval must be shorter than the node record TTL",
			zap.Int("heartbeat_interval_sec", c.GetNode().HeartbeatIntervalSec),
			zap.Int("ttl_sec", c.GetNode().TTLSec))
	}
	return c
}

// LoggerConfig is the configuration for the zap logger output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Format     string `yaml:"format" json:"format" usage:"Log output format. Valid values are 'json' or 'console'. Default 'json'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard output. Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file as well as stdout. The file will be rotated."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"Maximum size in megabytes of the log file before rotation. Default 100."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"Maximum number of days to retain old log files. Default is to retain all."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"Maximum number of old log files to retain. Default is to retain all."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"Compress rotated log files. Default false."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Format:  "json",
		Stdout:  true,
		MaxSize: 100,
	}
}

func (c *LoggerConfig) Clone() *LoggerConfig {
	cn := *c
	return &cn
}

// SocketConfig is the configuration for the websocket listener.
type SocketConfig struct {
	Address              string `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses."`
	Port                 int    `yaml:"port" json:"port" usage:"The port for accepting connections from clients. Default 7450."`
	ReadTimeoutMs        int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request. Used for HTTP requests only, websocket connections are exempt once established. Default 10000."`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the response. Used for HTTP requests only, websocket connections are exempt once established. Default 10000."`
	IdleTimeoutMs        int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled. Default 60000."`
	MaxMessageSizeBytes  int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from a client socket per message. Default 4096."`
	ReadBufferSizeBytes  int    `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket read buffer. Default 4096."`
	WriteBufferSizeBytes int    `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket write buffer. Default 4096."`
	WriteWaitMs          int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for an ack from the client when writing data. Default 5000."`
	PongWaitMs           int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait between pong messages received from the client. Default 25000."`
	PingPeriodMs         int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds to wait between sending ping messages to the client. This value must be less than the pong_wait_ms. Default 15000."`
	PingBackoffThreshold int    `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Minimum number of messages received from the client during a single ping period that will delay the sending of a ping until the next ping period. Default 20."`
	OutgoingQueueSize    int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"The maximum number of messages waiting to be sent to the client. If this is exceeded the client is considered too slow and is disconnected. Default 64."`
	MaxConnsPerIP        int    `yaml:"max_conns_per_ip" json:"max_conns_per_ip" usage:"Maximum number of concurrent connections allowed from a single client IP across the fleet. Default 10."`
	ConnCounterTTLSec    int    `yaml:"conn_counter_ttl_sec" json:"conn_counter_ttl_sec" usage:"Expiry in seconds of the shared per-IP connection counters, refreshed on connect and disconnect. Default 120."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:              "",
		Port:                 7450,
		ReadTimeoutMs:        10000,
		WriteTimeoutMs:       10000,
		IdleTimeoutMs:        60000,
		MaxMessageSizeBytes:  4096,
		ReadBufferSizeBytes:  4096,
		WriteBufferSizeBytes: 4096,
		WriteWaitMs:          5000,
		PongWaitMs:           25000,
		PingPeriodMs:         15000,
		PingBackoffThreshold: 20,
		OutgoingQueueSize:    64,
		MaxConnsPerIP:        10,
		ConnCounterTTLSec:    120,
	}
}

func (c *SocketConfig) Clone() *SocketConfig {
	cn := *c
	return &cn
}

func (c *SocketConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c *SocketConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c *SocketConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c *SocketConfig) GetWriteWait() time.Duration {
	return time.Duration(c.WriteWaitMs) * time.Millisecond
}

func (c *SocketConfig) GetPongWait() time.Duration {
	return time.Duration(c.PongWaitMs) * time.Millisecond
}

func (c *SocketConfig) GetPingPeriod() time.Duration {
	return time.Duration(c.PingPeriodMs) * time.Millisecond
}

func (c *SocketConfig) GetConnCounterTTL() time.Duration {
	return time.Duration(c.ConnCounterTTLSec) * time.Second
}

// SessionConfig is the configuration for client session authentication.
type SessionConfig struct {
	EncryptionKey    string `yaml:"encryption_key" json:"-" usage:"The key used to verify session token signatures."`
	RegisterGraceSec int    `yaml:"register_grace_sec" json:"register_grace_sec" usage:"Time in seconds an accepted socket may remain unregistered before it is disconnected. Default 30."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey:    "defaultencryptionkey",
		RegisterGraceSec: 30,
	}
}

func (c *SessionConfig) Clone() *SessionConfig {
	cn := *c
	return &cn
}

func (c *SessionConfig) GetRegisterGrace() time.Duration {
	return time.Duration(c.RegisterGraceSec) * time.Second
}

// RedisConfig is the configuration for the shared coordination store.
type RedisConfig struct {
	Address             string `yaml:"address" json:"address" usage:"The Redis server address. Default '127.0.0.1:6379'."`
	Password            string `yaml:"password" json:"-" usage:"The password to use when connecting to the Redis server."`
	DB                  int    `yaml:"db" json:"db" usage:"The Redis database to use. Default 0."`
	TLS                 bool   `yaml:"tls" json:"tls" usage:"Connect to the Redis server using TLS. Default false."`
	KeyPrefix           string `yaml:"key_prefix" json:"key_prefix" usage:"Prefix applied to all keys and channels, to share a Redis deployment between environments."`
	ConnectAttempts     int    `yaml:"connect_attempts" json:"connect_attempts" usage:"Number of connection attempts at startup before the instance is marked degraded. Default 5."`
	ConnectBackoffMs    int    `yaml:"connect_backoff_ms" json:"connect_backoff_ms" usage:"Initial backoff in milliseconds between connection attempts, doubled after each failure. Default 500."`
	ConnectBackoffMaxMs int    `yaml:"connect_backoff_max_ms" json:"connect_backoff_max_ms" usage:"Upper bound in milliseconds on the connection attempt backoff. Default 8000."`
	MaxRetries          int    `yaml:"max_retries" json:"max_retries" usage:"Maximum number of retries for a single command before it fails. Default 3."`
	MinRetryBackoffMs   int    `yaml:"min_retry_backoff_ms" json:"min_retry_backoff_ms" usage:"Minimum backoff in milliseconds between command retries. Default 8."`
	MaxRetryBackoffMs   int    `yaml:"max_retry_backoff_ms" json:"max_retry_backoff_ms" usage:"Maximum backoff in milliseconds between command retries. Default 512."`
}

func NewRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:             "127.0.0.1:6379",
		DB:                  0,
		ConnectAttempts:     5,
		ConnectBackoffMs:    500,
		ConnectBackoffMaxMs: 8000,
		MaxRetries:          3,
		MinRetryBackoffMs:   8,
		MaxRetryBackoffMs:   512,
	}
}

func (c *RedisConfig) Clone() *RedisConfig {
	cn := *c
	return &cn
}

func (c *RedisConfig) GetConnectBackoff() time.Duration {
	return time.Duration(c.ConnectBackoffMs) * time.Millisecond
}

func (c *RedisConfig) GetConnectBackoffMax() time.Duration {
	return time.Duration(c.ConnectBackoffMaxMs) * time.Millisecond
}

func (c *RedisConfig) GetMinRetryBackoff() time.Duration {
	return time.Duration(c.MinRetryBackoffMs) * time.Millisecond
}

func (c *RedisConfig) GetMaxRetryBackoff() time.Duration {
	return time.Duration(c.MaxRetryBackoffMs) * time.Millisecond
}

// PresenceConfig is the configuration for presence records and the heartbeat
// sweep.
type PresenceConfig struct {
	HeartbeatTTLSec  int `yaml:"heartbeat_ttl_sec" json:"heartbeat_ttl_sec" usage:"Time in seconds a presence record stays alive without a heartbeat. Default 60."`
	SweepIntervalSec int `yaml:"sweep_interval_sec" json:"sweep_interval_sec" usage:"Interval in seconds between sweeps for expired presence records. Default 10."`
	EventQueueSize   int `yaml:"event_queue_size" json:"event_queue_size" usage:"Size of the presence event buffer. If this is exceeded the oldest events are dropped. Default 1024."`
}

func NewPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		HeartbeatTTLSec:  60,
		SweepIntervalSec: 10,
		EventQueueSize:   1024,
	}
}

func (c *PresenceConfig) Clone() *PresenceConfig {
	cn := *c
	return &cn
}

func (c *PresenceConfig) GetHeartbeatTTL() time.Duration {
	return time.Duration(c.HeartbeatTTLSec) * time.Second
}

func (c *PresenceConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// AckConfig is the configuration for delivery acknowledgement tracking.
type AckConfig struct {
	TimeoutSec       int `yaml:"timeout_sec" json:"timeout_sec" usage:"Time in seconds to wait for a client acknowledgement before a delivery attempt is retried. Default 30."`
	MaxRetries       int `yaml:"max_retries" json:"max_retries" usage:"Number of delivery retries before a message is reported as failed. Default 3."`
	SweepIntervalSec int `yaml:"sweep_interval_sec" json:"sweep_interval_sec" usage:"Interval in seconds between sweeps for overdue acknowledgements. Default 5."`
}

func NewAckConfig() *AckConfig {
	return &AckConfig{
		TimeoutSec:       30,
		MaxRetries:       3,
		SweepIntervalSec: 5,
	}
}

func (c *AckConfig) Clone() *AckConfig {
	cn := *c
	return &cn
}

func (c *AckConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c *AckConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// Rate limit policy names. Events map onto one of these policies, and any
// event without an explicit policy uses the default.
const (
	RateLimitPolicyMessage    = "message"
	RateLimitPolicyConnection = "connection"
	RateLimitPolicyDefault    = "default"
)

// RateLimitPolicy is a single sliding window rule.
type RateLimitPolicy struct {
	Limit    int `yaml:"limit" json:"limit" usage:"Maximum number of events allowed inside the window."`
	WindowMs int `yaml:"window_ms" json:"window_ms" usage:"Window length in milliseconds."`
}

func (p *RateLimitPolicy) GetWindow() time.Duration {
	return time.Duration(p.WindowMs) * time.Millisecond
}

// RateLimitConfig is the configuration for the per-event rate limiter.
type RateLimitConfig struct {
	Policies map[string]*RateLimitPolicy `yaml:"policies" json:"policies" usage:"Named sliding window policies. The 'message', 'connection' and 'default' policies are always defined."`
}

func NewRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		Policies: map[string]*RateLimitPolicy{
			RateLimitPolicyMessage:    {Limit: 5, WindowMs: 1000},
			RateLimitPolicyConnection: {Limit: 10, WindowMs: 60000},
			RateLimitPolicyDefault:    {Limit: 20, WindowMs: 10000},
		},
	}
}

func (c *RateLimitConfig) Clone() *RateLimitConfig {
	cn := &RateLimitConfig{Policies: make(map[string]*RateLimitPolicy, len(c.Policies))}
	for name, policy := range c.Policies {
		p := *policy
		cn.Policies[name] = &p
	}
	return cn
}

// NodeConfig is the configuration for this instance's record in the fleet
// node registry.
type NodeConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec" json:"heartbeat_interval_sec" usage:"Interval in seconds between node record refreshes. Default 5."`
	TTLSec               int `yaml:"ttl_sec" json:"ttl_sec" usage:"Expiry in seconds of the node record if the instance stops refreshing it. Default 15."`
}

func NewNodeConfig() *NodeConfig {
	return &NodeConfig{
		HeartbeatIntervalSec: 5,
		TTLSec:               15,
	}
}

func (c *NodeConfig) Clone() *NodeConfig {
	cn := *c
	return &cn
}

func (c *NodeConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

func (c *NodeConfig) GetTTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}
