// Package config loads the yaml configuration of the throttled service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolink/throttle/limiter"
)

// Environment overrides, applied after the file is parsed.
const (
	EnvStoreEndpoint = "THROTTLE_STORE_ENDPOINT"
	EnvFailOpen      = "THROTTLE_FAIL_OPEN"
	EnvLogLevel      = "THROTTLE_LOG_LEVEL"
	EnvAddr          = "THROTTLE_ADDR"
)

type Server struct {
	Addr           string `yaml:"addr"`
	GRPCAddr       string `yaml:"grpc_addr"` // empty disables the gRPC listener
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
	Namespace      string `yaml:"namespace"`       // metric name prefix
}

type Root struct {
	Server        Server         `yaml:"server"`
	Observability Observability  `yaml:"observability"`
	Limiter       limiter.Config `yaml:"limiter"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// Load reads path, applies defaults and environment overrides. The limiter section
// is validated later by limiter.NewFromConfig.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse is Load for an in-memory document.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", limiter.ErrInvalidConfig, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Observability.Namespace == "" {
		cfg.Observability.Namespace = "throttle"
	}
	if cfg.Limiter.KeyPrefix == "" {
		cfg.Limiter.KeyPrefix = limiter.DefaultKeyPrefix
	}

	return &cfg, nil
}

func (c *Root) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvStoreEndpoint)); v != "" {
		c.Limiter.StoreEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFailOpen)); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %w", limiter.ErrInvalidConfig, EnvFailOpen, v, err)
		}
		c.Limiter.FailOpen = &open
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Observability.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.Server.Addr = v
	}
	return nil
}
