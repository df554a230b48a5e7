// Package config defines the runtime configuration of jobrelay and the
// topology file that describes how to reach remote hops.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	rerr "jobrelay/internal/errors"
	"jobrelay/internal/protocol"
	"jobrelay/util"
)

// Modes.
const (
	ModeDelegator = "delegator"
	ModeForward   = "forward"
	ModeCall      = "call"
)

// Config holds every tuneable of one jobrelay process.
type Config struct {
	Mode string

	// ── Hop ──────────────────────────────────────────────────────────
	Name      string
	Workspace string // root of service workspaces
	Heartbeat time.Duration
	Tick      time.Duration
	DebugAddr string // delegator debug HTTP listener; empty disables

	// ── Children ─────────────────────────────────────────────────────
	BreakerFailures   int
	BreakerCooldown   time.Duration
	KeepAliveInterval time.Duration
	Binary            string // local jobrelay used for exec stages

	// ── Call ─────────────────────────────────────────────────────────
	Topology        string // path of the topology file
	Stage           string // first stage; default is the file's first entry
	Address         string // route below the first hop, e.g. "0,1"
	Action          string
	Data            string // JSON payload
	CallTimeout     time.Duration
	ConnectAttempts int

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	LogFile string
	DryRun  bool
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Tick:              DefaultTick,
		BreakerFailures:   DefaultBreakerFailures,
		BreakerCooldown:   DefaultBreakerCooldown,
		KeepAliveInterval: DefaultKeepAliveInterval,
		CallTimeout:       DefaultCallTimeout,
		ConnectAttempts:   DefaultConnectAttempts,
		Action:            protocol.ActionGetState,
	}
}

// WorkspaceRoot returns the configured workspace root or the default
// below the temp dir.
func (c *Config) WorkspaceRoot() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	return filepath.Join(os.TempDir(), DefaultWorkspaceDir)
}

// Route parses Address.
func (c *Config) Route() (protocol.Address, error) {
	return protocol.ParseAddress(c.Address)
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDelegator, ModeForward:
	case ModeCall:
		if c.Topology == "" {
			return &rerr.ConfigError{Field: "topology", Message: "call mode needs a topology file", Hint: "pass --topology <file>"}
		}
		if c.Action == "" {
			return &rerr.ConfigError{Field: "action", Message: "action is required"}
		}
		if _, err := c.Route(); err != nil {
			return err
		}
		if c.Data != "" && !json.Valid([]byte(c.Data)) {
			return &rerr.ConfigError{Field: "data", Value: c.Data, Message: "not valid JSON"}
		}
		if c.CallTimeout <= 0 {
			return &rerr.ConfigError{Field: "timeout", Value: c.CallTimeout.String(), Message: "must be positive"}
		}
		if c.ConnectAttempts < 1 {
			return &rerr.ConfigError{Field: "connect-attempts", Message: "must be at least 1"}
		}
	case "":
		return &rerr.ConfigError{Field: "mode", Message: "mode is required", Hint: "use delegator, forward or call"}
	default:
		return &rerr.ConfigError{Field: "mode", Value: c.Mode, Message: "unknown mode", Hint: "use delegator, forward or call"}
	}

	if c.Heartbeat < 0 {
		return &rerr.ConfigError{Field: "heartbeat", Value: c.Heartbeat.String(), Message: "must not be negative"}
	}
	if c.Tick <= 0 {
		return &rerr.ConfigError{Field: "tick", Value: c.Tick.String(), Message: "must be positive"}
	}
	if c.DebugAddr != "" {
		if err := util.CheckListenAddr(c.DebugAddr); err != nil {
			return &rerr.ConfigError{Field: "debug-addr", Value: c.DebugAddr, Message: err.Error(), Hint: "use host:port, e.g. 127.0.0.1:9090"}
		}
	}
	if c.BreakerFailures < 0 {
		return &rerr.ConfigError{Field: "breaker-failures", Message: "must not be negative"}
	}
	return nil
}
