package core

import (
	"encoding/json"
	"fmt"
	"os"

	"jobrelay/config"
	"jobrelay/internal/communicator"
	"jobrelay/internal/metrics"
	"jobrelay/internal/retry"
	"jobrelay/util"
)

// Build constructs the Mode selected by cfg.Mode.  cfg must have been
// validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	m := metrics.New()
	switch cfg.Mode {
	case config.ModeDelegator:
		return buildDelegator(cfg, logger, m), nil
	case config.ModeForward:
		return &ForwardMode{
			Options: commOptions(cfg, logger, m),
			Logger:  logger,
		}, nil
	case config.ModeCall:
		return buildCall(cfg, logger, m)
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildDelegator(cfg *config.Config, logger *util.Logger, m *metrics.Collector) *DelegatorMode {
	name := cfg.Name
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "delegator"
		}
	}
	var breaker *retry.BreakerConfig
	if cfg.BreakerFailures > 0 {
		breaker = &retry.BreakerConfig{
			MaxFailures: cfg.BreakerFailures,
			Cooldown:    cfg.BreakerCooldown,
		}
	}
	return &DelegatorMode{
		Name:          name,
		WorkspaceRoot: cfg.WorkspaceRoot(),
		Heartbeat:     cfg.Heartbeat,
		Tick:          cfg.Tick,
		DebugAddr:     cfg.DebugAddr,
		Breaker:       breaker,
		Options:       commOptions(cfg, logger, m),
		Metrics:       m,
		Logger:        logger,
	}
}

func buildCall(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (*CallMode, error) {
	topo, err := config.LoadTopology(cfg.Topology)
	if err != nil {
		return nil, err
	}
	route, err := cfg.Route()
	if err != nil {
		return nil, err
	}
	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = topo.Heartbeat
	}
	workspace := topo.Workspace
	if cfg.Workspace != "" || workspace == "" {
		workspace = cfg.WorkspaceRoot()
	}
	var data json.RawMessage
	if cfg.Data != "" {
		data = json.RawMessage(cfg.Data)
	}
	return &CallMode{
		Topology:        topo,
		Stage:           cfg.Stage,
		Route:           route,
		Action:          cfg.Action,
		Data:            data,
		Timeout:         cfg.CallTimeout,
		Tick:            cfg.Tick,
		Heartbeat:       heartbeat,
		ConnectAttempts: cfg.ConnectAttempts,
		WorkspaceRoot:   workspace,
		Options:         commOptions(cfg, logger, m),
		Metrics:         m,
		Logger:          logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// commOptions collects what spawned stages need from cfg.
func commOptions(cfg *config.Config, logger *util.Logger, m *metrics.Collector) communicator.Options {
	return communicator.Options{
		Logger:    logger,
		Metrics:   m,
		Binary:    cfg.Binary,
		KeepAlive: cfg.KeepAliveInterval,
	}
}
