package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quizdeck/realtime/internal/realtime"
)

// Config is the service configuration. Values are read from the YAML
// file first; environment variables override.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Backend struct {
		Kind string `yaml:"kind"` // "nats" or "memory"
		NATS struct {
			URL           string        `yaml:"url"`
			StreamName    string        `yaml:"stream_name"`
			SubjectPrefix string        `yaml:"subject_prefix"`
			RPCTimeout    time.Duration `yaml:"rpc_timeout"`
		} `yaml:"nats"`
	} `yaml:"backend"`

	Optimizer struct {
		CacheCapacity int           `yaml:"cache_capacity"`
		CacheTTL      time.Duration `yaml:"cache_ttl"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"optimizer"`

	Sync struct {
		Strategy string `yaml:"strategy"`
		ClientID string `yaml:"client_id"`
	} `yaml:"sync"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads the YAML config file and applies env overrides. A
// missing file is fine; defaults plus env take over.
func loadConfig(path string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	config.Server.Port = getEnv("PORT", config.Server.Port)

	if config.Backend.Kind == "" {
		config.Backend.Kind = "nats"
	}
	config.Backend.Kind = getEnv("BACKEND_KIND", config.Backend.Kind)
	config.Backend.NATS.URL = getEnv("NATS_URL", config.Backend.NATS.URL)

	config.Optimizer.CacheCapacity = getEnvAsInt("CACHE_CAPACITY", config.Optimizer.CacheCapacity)

	if config.Sync.Strategy == "" {
		config.Sync.Strategy = "latest-timestamp"
	}
	config.Sync.Strategy = getEnv("SYNC_STRATEGY", config.Sync.Strategy)
	config.Sync.ClientID = getEnv("CLIENT_ID", config.Sync.ClientID)

	return &config, nil
}

// natsConfig maps the loaded config onto the backend defaults.
func (c *Config) natsConfig() realtime.NATSConfig {
	cfg := realtime.DefaultNATSConfig()
	if c.Backend.NATS.URL != "" {
		cfg.URL = c.Backend.NATS.URL
	}
	if c.Backend.NATS.StreamName != "" {
		cfg.StreamName = c.Backend.NATS.StreamName
	}
	if c.Backend.NATS.SubjectPrefix != "" {
		cfg.SubjectPrefix = c.Backend.NATS.SubjectPrefix
	}
	if c.Backend.NATS.RPCTimeout > 0 {
		cfg.RPCTimeout = c.Backend.NATS.RPCTimeout
	}
	return cfg
}
