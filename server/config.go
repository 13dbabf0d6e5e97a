// Copyright 2025 The Pulsegrid Authors
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
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration, immutable after startup.
type Config struct {
	Name     string          `yaml:"name" json:"name" usage:"Node name, unique per server instance. Default 'presence'."`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger"`
	Socket   *SocketConfig   `yaml:"socket" json:"socket"`
	Session  *SessionConfig  `yaml:"session" json:"session"`
	Redis    *RedisConfig    `yaml:"redis" json:"redis"`
	Database *DatabaseConfig `yaml:"database" json:"database"`
	Presence *PresenceConfig `yaml:"presence" json:"presence"`
}

type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Minimum log level: debug, info, warn, error. Default 'info'."`
	File       string `yaml:"file" json:"file" usage:"Log file path. Empty disables file output."`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" usage:"Max size in MB of the log file before rotation. Default 100."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"Number of rotated log files to retain. Default 5."`
}

type SocketConfig struct {
	Address              string `yaml:"address" json:"address" usage:"Listen address. Default all interfaces."`
	Port                 int    `yaml:"port" json:"port" usage:"Port for client sockets and the HTTP API. Default 7350."`
	PingPeriodMs         int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Interval between WebSocket pings. Default 15000."`
	PongWaitMs           int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time to wait for a pong before the connection is considered dead. Default 25000."`
	WriteWaitMs          int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Deadline for individual WebSocket writes. Default 5000."`
	OutgoingQueueSize    int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"Max pending outbound messages per session before drops apply. Default 64."`
	MaxMessageSizeBytes  int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Max inbound message size. Default 4096."`
	ReadBufferSizeBytes  int    `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"WebSocket read buffer size. Default 4096."`
	WriteBufferSizeBytes int    `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"WebSocket write buffer size. Default 4096."`
	PingBackoffThreshold int    `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Received messages that reset the ping timer without an explicit ping. Default 20."`
}

type SessionConfig struct {
	EncryptionKey  string `yaml:"encryption_key" json:"encryption_key" usage:"HMAC key used to verify session tokens."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Session token lifetime in seconds. Default 3600."`
}

type RedisConfig struct {
	Address       string `yaml:"address" json:"address" usage:"Redis server address (host:port). Default 'localhost:6379'."`
	Password      string `yaml:"password" json:"password" usage:"Redis server password. Optional."`
	DB            int    `yaml:"db" json:"db" usage:"Redis database number. Default 0."`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix" usage:"Prefix for Redis pub/sub channels. Default 'presence'."`
}

type DatabaseConfig struct {
	Address string `yaml:"address" json:"address" usage:"Postgres DSN for the social graph store."`
}

// PresenceConfig covers the liveness store, reaper, and fanout limits.
type PresenceConfig struct {
	HeartbeatWindowSec        int     `yaml:"heartbeat_window_sec" json:"heartbeat_window_sec" usage:"Seconds after the last heartbeat before a silent user is considered offline. Default 30."`
	MinIntervalSec            int     `yaml:"min_interval_sec" json:"min_interval_sec" usage:"Minimum seconds between accepted heartbeats per user. Default 5."`
	PollIntervalSec           float64 `yaml:"poll_interval_sec" json:"poll_interval_sec" usage:"Reaper poll interval in seconds. Default 1.0."`
	ReaperBatchSize           int64   `yaml:"reaper_batch_size" json:"reaper_batch_size" usage:"Max expired users processed per reaper tick per shard. Default 500."`
	NumShards                 int     `yaml:"num_shards" json:"num_shards" usage:"Number of liveness scored-set shards. Default 1."`
	ScoredSetKeyPrefix        string  `yaml:"scored_set_key_prefix" json:"scored_set_key_prefix" usage:"Key prefix for the liveness scored set. Default 'onlineUsers'."`
	StateKeyPrefix            string  `yaml:"state_key_prefix" json:"state_key_prefix" usage:"Key prefix for per-user presence state maps. Default 'presence:state'."`
	StateTTLSec               int     `yaml:"state_ttl_sec" json:"state_ttl_sec" usage:"TTL in seconds for presence state maps. Default 86400."`
	MaxSubscriptionsPerSocket int     `yaml:"max_subscriptions_per_socket" json:"max_subscriptions_per_socket" usage:"Max presence subscriptions per socket, excluding self. Default 500."`
}

func NewConfig() *Config {
	return &Config{
		Name: "presence",
		Logger: &LoggerConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Socket: &SocketConfig{
			Address:              "",
			Port:                 7350,
			PingPeriodMs:         15000,
			PongWaitMs:           25000,
			WriteWaitMs:          5000,
			OutgoingQueueSize:    64,
			MaxMessageSizeBytes:  4096,
			ReadBufferSizeBytes:  4096,
			WriteBufferSizeBytes: 4096,
			PingBackoffThreshold: 20,
		},
		Session: &SessionConfig{
			EncryptionKey:  "defaultencryptionkey",
			TokenExpirySec: 3600,
		},
		Redis: &RedisConfig{
			Address:       "localhost:6379",
			Password:      "",
			DB:            0,
			ChannelPrefix: "presence",
		},
		Database: &DatabaseConfig{
			Address: "postgres://postgres@localhost:5432/postgres?sslmode=disable",
		},
		Presence: &PresenceConfig{
			HeartbeatWindowSec:        30,
			MinIntervalSec:            5,
			PollIntervalSec:           1.0,
			ReaperBatchSize:           500,
			NumShards:                 1,
			ScoredSetKeyPrefix:        "onlineUsers",
			StateKeyPrefix:            "presence:state",
			StateTTLSec:               86400,
			MaxSubscriptionsPerSocket: 500,
		},
	}
}

// ParseConfigFile overlays YAML file contents onto the defaults.
func ParseConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, config)
}

// Validate terminates the process on configuration that cannot be served.
func (c *Config) Validate(logger *zap.Logger) {
	if c.Name == "" {
		logger.Fatal("Node name must be set", zap.String("param", "name"))
	}
	if c.Redis.Address == "" {
		logger.Fatal("Redis address must be set", zap.String("param", "redis.address"))
	}
	if c.Presence.HeartbeatWindowSec < 1 {
		logger.Fatal("Heartbeat window must be >= 1 second", zap.Int("presence.heartbeat_window_sec", c.Presence.HeartbeatWindowSec))
	}
	if c.Presence.MinIntervalSec >= c.Presence.HeartbeatWindowSec {
		logger.Fatal("Heartbeat min interval must be less than the heartbeat window",
			zap.Int("presence.min_interval_sec", c.Presence.MinIntervalSec),
			zap.Int("presence.heartbeat_window_sec", c.Presence.HeartbeatWindowSec))
	}
	if c.Presence.PollIntervalSec <= 0 {
		logger.Fatal("Reaper poll interval must be positive", zap.Float64("presence.poll_interval_sec", c.Presence.PollIntervalSec))
	}
	if c.Presence.ReaperBatchSize < 1 {
		logger.Fatal("Reaper batch size must be >= 1", zap.Int64("presence.reaper_batch_size", c.Presence.ReaperBatchSize))
	}
	if c.Presence.NumShards < 1 {
		logger.Fatal("Shard count must be >= 1", zap.Int("presence.num_shards", c.Presence.NumShards))
	}
	if c.Presence.MaxSubscriptionsPerSocket < 1 {
		logger.Fatal("Subscription cap must be >= 1", zap.Int("presence.max_subscriptions_per_socket", c.Presence.MaxSubscriptionsPerSocket))
	}
	if c.Socket.OutgoingQueueSize < 1 {
		logger.Fatal("Outgoing queue size must be >= 1", zap.Int("socket.outgoing_queue_size", c.Socket.OutgoingQueueSize))
	}
	if c.Session.EncryptionKey == "" {
		logger.Fatal("Session encryption key must be set", zap.String("param", "session.encryption_key"))
	}
}

func (c *PresenceConfig) HeartbeatWindow() time.Duration {
	return time.Duration(c.HeartbeatWindowSec) * time.Second
}

func (c *PresenceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec * float64(time.Second))
}

func (c *PresenceConfig) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSec) * time.Second
}
