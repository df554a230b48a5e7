package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the JOBRELAY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration strings ("30s") or plain seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("JOBRELAY_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("JOBRELAY_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v, ok := envDuration("JOBRELAY_HEARTBEAT"); ok {
		cfg.Heartbeat = v
	}
	if v, ok := envDuration("JOBRELAY_TICK"); ok && v > 0 {
		cfg.Tick = v
	}
	if v := os.Getenv("JOBRELAY_DEBUG_ADDR"); v != "" {
		cfg.DebugAddr = v
	}

	// Children
	if v := envInt("JOBRELAY_BREAKER_FAILURES"); v > 0 {
		cfg.BreakerFailures = v
	}
	if v, ok := envDuration("JOBRELAY_BREAKER_COOLDOWN"); ok && v > 0 {
		cfg.BreakerCooldown = v
	}
	if v, ok := envDuration("JOBRELAY_KEEP_ALIVE"); ok {
		cfg.KeepAliveInterval = v
	}
	if v := os.Getenv("JOBRELAY_BINARY"); v != "" {
		cfg.Binary = v
	}

	// Call
	if v := os.Getenv("JOBRELAY_TOPOLOGY"); v != "" {
		cfg.Topology = v
	}
	if v := os.Getenv("JOBRELAY_STAGE"); v != "" {
		cfg.Stage = v
	}
	if v, ok := envDuration("JOBRELAY_TIMEOUT"); ok && v > 0 {
		cfg.CallTimeout = v
	}
	if v := envInt("JOBRELAY_CONNECT_ATTEMPTS"); v > 0 {
		cfg.ConnectAttempts = v
	}

	// Output
	if v := envInt("JOBRELAY_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := os.Getenv("JOBRELAY_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if envBool("JOBRELAY_DRY_RUN") {
		cfg.DryRun = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

// envDuration parses key as a duration.  ok is false when the variable
// is unset or malformed.
func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
