// Package config loads service configuration from environment variables
// (and an optional .env-style config file) via viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full service configuration.
type Config struct {
	ServerPort string
	DataDir    string
	LogLevel   string

	EnginePath       string
	PoolSize         int
	ReservedForLive  int
	ThreadsPerWorker int
	HashPerWorkerMB  int
	PoolMaxQueue     int
	TaskTimeout      time.Duration
}

// defaultEnginePath picks a stockfish binary location by platform.
func defaultEnginePath() string {
	switch runtime.GOOS {
	case "windows":
		return "./stockfish.exe"
	case "darwin":
		return "/usr/local/bin/stockfish"
	default:
		return "/usr/bin/stockfish"
	}
}

// Load reads configuration from the environment. A config file named
// "config" (yaml/json/env) in the working directory is merged in when
// present but is never required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ENGINE_PATH", defaultEnginePath())
	v.SetDefault("POOL_SIZE", 4)
	v.SetDefault("RESERVED_FOR_LIVE", 1)
	v.SetDefault("THREADS_PER_WORKER", 1)
	v.SetDefault("HASH_PER_WORKER_MB", 128)
	v.SetDefault("POOL_MAX_QUEUE", 200)
	v.SetDefault("TASK_TIMEOUT_MS", 30000)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		ServerPort:       v.GetString("SERVER_PORT"),
		DataDir:          v.GetString("DATA_DIR"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		EnginePath:       v.GetString("ENGINE_PATH"),
		PoolSize:         v.GetInt("POOL_SIZE"),
		ReservedForLive:  v.GetInt("RESERVED_FOR_LIVE"),
		ThreadsPerWorker: v.GetInt("THREADS_PER_WORKER"),
		HashPerWorkerMB:  v.GetInt("HASH_PER_WORKER_MB"),
		PoolMaxQueue:     v.GetInt("POOL_MAX_QUEUE"),
		TaskTimeout:      time.Duration(v.GetInt("TASK_TIMEOUT_MS")) * time.Millisecond,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("POOL_SIZE must be at least 1, got %d", c.PoolSize)
	}
	if c.ReservedForLive < 0 {
		return fmt.Errorf("RESERVED_FOR_LIVE must not be negative, got %d", c.ReservedForLive)
	}
	if c.ReservedForLive >= c.PoolSize {
		return fmt.Errorf("RESERVED_FOR_LIVE (%d) must be smaller than POOL_SIZE (%d) so batch work can make progress",
			c.ReservedForLive, c.PoolSize)
	}
	if c.ThreadsPerWorker < 1 {
		return fmt.Errorf("THREADS_PER_WORKER must be at least 1, got %d", c.ThreadsPerWorker)
	}
	if c.HashPerWorkerMB < 1 {
		return fmt.Errorf("HASH_PER_WORKER_MB must be at least 1, got %d", c.HashPerWorkerMB)
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT_MS must be positive, got %s", c.TaskTimeout)
	}
	return nil
}
