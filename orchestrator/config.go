package main

import (
	"fmt"
	"os"
	"time"

	"github.com/deckflow/deckflow/orchestrator/store"
)

// Config carries all environment-driven settings. Every knob has a
// production default so a bare environment still runs.
type Config struct {
	ListenAddr     string
	DatabaseURL    string
	RedisAddr      string
	GPUBaseURL     string
	BackendBaseURL string
	InternalToken  string

	PollInterval       time.Duration
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// LoadConfig reads configuration from the environment.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:         ":8090",
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		GPUBaseURL:         "http://localhost:8001",
		BackendBaseURL:     "http://localhost:8090",
		InternalToken:      os.Getenv("INTERNAL_API_TOKEN"),
		PollInterval:       5 * time.Second,
		LeaseDuration:      30 * time.Minute,
		HeartbeatInterval:  30 * time.Second,
		MaxConcurrentTasks: 3,
		BackoffBase:        60 * time.Second,
		BackoffCap:         time.Hour,
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if url := os.Getenv("GPU_BASE_URL"); url != "" {
		cfg.GPUBaseURL = url
	}
	if url := os.Getenv("BACKEND_BASE_URL"); url != "" {
		cfg.BackendBaseURL = url
	}

	cfg.PollInterval = envSeconds("QUEUE_POLL_INTERVAL_SECONDS", cfg.PollInterval)
	cfg.LeaseDuration = envSeconds("QUEUE_LEASE_SECONDS", cfg.LeaseDuration)
	cfg.HeartbeatInterval = envSeconds("QUEUE_HEARTBEAT_SECONDS", cfg.HeartbeatInterval)
	cfg.BackoffBase = envSeconds("QUEUE_BACKOFF_BASE_SECONDS", cfg.BackoffBase)
	cfg.BackoffCap = envSeconds("QUEUE_BACKOFF_CAP_SECONDS", cfg.BackoffCap)

	if limitStr := os.Getenv("QUEUE_MAX_CONCURRENT_TASKS"); limitStr != "" {
		var limit int
		fmt.Sscanf(limitStr, "%d", &limit)
		if limit > 0 {
			cfg.MaxConcurrentTasks = limit
		}
	}

	return cfg
}

// StoreParams maps the lease and backoff settings into store tuning.
func (c Config) StoreParams() store.Params {
	return store.Params{
		LeaseDuration: c.LeaseDuration,
		BackoffBase:   c.BackoffBase,
		BackoffCap:    c.BackoffCap,
	}
}

func envSeconds(name string, def time.Duration) time.Duration {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	var secs int
	fmt.Sscanf(s, "%d", &secs)
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
