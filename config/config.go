// Package config reads runtime configuration from environment
// variables, in the hand-rolled style the pipeline's own host
// process uses: package-level functions, not a config struct library,
// each backed by a tolerant parse-with-default.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Var reads an environment variable, trimming surrounding whitespace
// and quotes a shell might leave behind.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// ShardFetchTimeout is INFERCORE_SHARD_TIMEOUT, the per-request
// timeout the CLI's shard fetcher applies to each shard fetch.
// Default 30s.
func ShardFetchTimeout() time.Duration {
	return durationWithDefault("INFERCORE_SHARD_TIMEOUT", 30*time.Second)
}

// MaxPipelines is INFERCORE_MAX_PIPELINES, the upper bound the
// pipeline pool enforces on concurrently live pipelines. Default 4.
func MaxPipelines() uint {
	return uintWithDefault("INFERCORE_MAX_PIPELINES", 4)
}

// BufferPoolMaxBytes is INFERCORE_BUFFERPOOL_MAX_BYTES, a buffer pool
// byte cap. Default 0. No package in this module reads it; the buffer
// pool neither enforces nor warns on it.
func BufferPoolMaxBytes() uint64 {
	return uint64WithDefault("INFERCORE_BUFFERPOOL_MAX_BYTES", 0)
}

// LogLevel is INFERCORE_DEBUG: "" or "0"/"false" is Info, "1"/"true"
// is Debug, any other integer n is slog.Level(n * -4), a signed
// verbosity knob.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("INFERCORE_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			if b {
				level = slog.LevelDebug
			}
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil && n != 0 {
			level = slog.Level(n * -4)
		}
	}
	return level
}

// HotSwapEnabled is INFERCORE_HOTSWAP_ENABLED (default false): gates
// whether the CLI's loader invokes hotswap.Verify before accepting a
// manifest.
func HotSwapEnabled() bool {
	return boolWithDefault("INFERCORE_HOTSWAP_ENABLED", false)
}

func boolWithDefault(key string, def bool) bool {
	s := Var(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", def)
		return def
	}
	return b
}

func uintWithDefault(key string, def uint) uint {
	s := Var(key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", def)
		return def
	}
	return uint(n)
}

func uint64WithDefault(key string, def uint64) uint64 {
	s := Var(key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", def)
		return def
	}
	return n
}

func durationWithDefault(key string, def time.Duration) time.Duration {
	s := Var(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", def)
		return def
	}
	return d
}
