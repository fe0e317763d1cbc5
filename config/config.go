// Package config holds the tunables of the client, server and stages.
//
// Every field has a documented default; FromFile only needs to name what
// differs. Nothing here is reloaded while the runtime is serving.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Client struct {
	// PoolSize bounds the connections kept per destination. Default 4.
	PoolSize int `yaml:"pool_size"`
	// ReconnectMax is the total number of connection attempts made for one
	// call before it fails with a transport error. Default 2.
	ReconnectMax int `yaml:"reconnect_max"`
	// OperationTimeout is the per-call response timeout. Default 5s.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// ConnectTimeout bounds each connection attempt. Default 2s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// LivenessInterval is the period of the idle connection check. Default 30s.
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	// IdleTimeout closes connections unused for longer. Default 60s.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// Threads of the client stage. 0 uses the hardware parallelism.
	Threads       int  `yaml:"threads"`
	QueueCapacity int  `yaml:"queue_capacity"`
	TraceIO       bool `yaml:"trace_io"`
	// TraceOperations logs every request and its outcome.
	TraceOperations bool `yaml:"trace_operations"`
}

type Server struct {
	Address       string `yaml:"address"`
	AdvertiseAddr string `yaml:"advertise_addr"`
	Threads       int    `yaml:"threads"`
	QueueCapacity int    `yaml:"queue_capacity"`
	// RegistryTTL is the etcd lease TTL in seconds. Default 10.
	RegistryTTL    int64         `yaml:"registry_ttl"`
	EtcdEndpoints  []string      `yaml:"etcd_endpoints"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// HandlerRetries re-runs procedures failing with a temporary error.
	HandlerRetries    int           `yaml:"handler_retries"`
	HandlerRetryDelay time.Duration `yaml:"handler_retry_delay"`
	// ShutdownTimeout bounds the wait for in-flight requests. Default 5s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Stage struct {
	Threads       int   `yaml:"threads"`
	QueueCapacity int   `yaml:"queue_capacity"`
	Affinity      []int `yaml:"affinity"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Config struct {
	Client Client `yaml:"client"`
	Server Server `yaml:"server"`
	Stage  Stage  `yaml:"stage"`
	Log    Log    `yaml:"log"`
}

const (
	DefaultPoolSize          = 4
	DefaultReconnectMax      = 2
	DefaultOperationTimeout  = 5 * time.Second
	DefaultConnectTimeout    = 2 * time.Second
	DefaultLivenessInterval  = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultQueueCapacity     = 1024
	DefaultRegistryTTL       = 10
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultHandlerRetryDelay = 10 * time.Millisecond
)

func Default() Config {
	var c Config
	c.Normalize()
	return c
}

// Normalize replaces zero values with defaults.
func (c *Config) Normalize() {
	c.Client.Normalize()
	c.Server.Normalize()
	if c.Stage.QueueCapacity <= 0 {
		c.Stage.QueueCapacity = DefaultQueueCapacity
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Client) Normalize() {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
}

func (s *Server) Normalize() {
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}
	if s.RegistryTTL <= 0 {
		s.RegistryTTL = DefaultRegistryTTL
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.AdvertiseAddr == "" {
		s.AdvertiseAddr = s.Address
	}
	if s.HandlerRetries > 0 && s.HandlerRetryDelay <= 0 {
		s.HandlerRetryDelay = DefaultHandlerRetryDelay
	}
}

// FromFile loads a .yaml, .yml or .json file. JSON is read by the YAML
// decoder, which also accepts durations such as "5s".
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		return Parse(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.Normalize()
	return c, nil
}
