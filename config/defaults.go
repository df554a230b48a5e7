package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the topology file, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAliveInterval is the SSH keepalive interval of ssh stages.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultTick is the longest single Run of a serving hop.
	DefaultTick = 100 * time.Millisecond

	// DefaultCallTimeout bounds one lifecycle call in call mode.
	DefaultCallTimeout = 30 * time.Second

	// DefaultConnectAttempts is how often call mode tries to bring up
	// the first hop before giving up.
	DefaultConnectAttempts = 3

	// DefaultBreakerFailures opens a child's dial breaker after this
	// many consecutive failed connects.
	DefaultBreakerFailures = 3

	// DefaultBreakerCooldown is how long an open breaker refuses dials.
	DefaultBreakerCooldown = 30 * time.Second

	// DefaultWorkspaceDir is the workspace root below the temp dir when
	// none is configured.
	DefaultWorkspaceDir = "jobrelay"
)
