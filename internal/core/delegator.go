package core

import (
	"context"
	"io"
	"time"

	"jobrelay/internal/communicator"
	"jobrelay/internal/debugsrv"
	"jobrelay/internal/metrics"
	"jobrelay/internal/repeater"
	"jobrelay/internal/retry"
	"jobrelay/internal/service"
	"jobrelay/util"
)

// DelegatorMode serves the relay protocol on stdio: requests come from
// the hop above, answers go back the same way, and the hop's own
// service runs executors in workspaces below WorkspaceRoot.
type DelegatorMode struct {
	stdio

	Name          string
	WorkspaceRoot string
	Heartbeat     time.Duration
	Tick          time.Duration
	// DebugAddr, when set, exposes metrics and service state over HTTP.
	DebugAddr string
	Breaker   *retry.BreakerConfig
	Options   communicator.Options
	Metrics   *metrics.Collector
	Logger    *util.Logger
}

// Run serves until ctx ends or the hop above closes the link.  A hop
// whose parent went away while jobs are running stays up until they
// end; only cancelling ctx kills them.
func (m *DelegatorMode) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parent := communicator.NewStream("parent", m.stdin(), m.stdout(), nil, communicator.Options{
		Logger:  m.Logger,
		Metrics: m.Metrics,
	})

	// The factory runs for the hop itself first, then for every local
	// child started below it.
	var (
		root     *service.Service
		services []*service.Service
	)
	created := func(s *service.Service) {
		if root == nil {
			root = s
		}
		services = append(services, s)
	}

	node := repeater.New(
		repeater.WithName(m.Name),
		repeater.WithLogger(m.Logger),
		repeater.WithMetrics(m.Metrics),
		repeater.WithParent(parent),
		repeater.WithDispatcherFactory(service.Factory(created,
			service.WithWorkspaceRoot(m.WorkspaceRoot),
			service.WithLogger(m.Logger),
		)),
		repeater.WithHeartbeat(m.Heartbeat),
		repeater.WithBreaker(m.Breaker),
		repeater.WithCommunicatorOptions(m.Options),
	)
	defer node.Close()

	if m.DebugAddr != "" {
		srv := &debugsrv.Server{
			Addr:    m.DebugAddr,
			Metrics: m.Metrics,
			Status:  func() any { return root.Snapshot() },
			Logger:  m.Logger,
		}
		go func() {
			if err := srv.Run(ctx); err != nil {
				m.Logger.Warn("%v", err)
			}
		}()
	}

	m.Logger.Verbose("delegator %s serving, workspaces in %s", m.Name, m.WorkspaceRoot)
	err := node.Serve(ctx, m.Tick)
	if ctx.Err() == nil {
		m.linger(ctx, services)
	}
	m.Logger.Verbose("delegator %s done", m.Name)
	return err
}

// linger waits for the jobs still running after the parent left.
// Closing stdout tells the spawning side the hop stays on purpose.
func (m *DelegatorMode) linger(ctx context.Context, services []*service.Service) {
	var busy []*service.Service
	for _, s := range services {
		if s.Busy() {
			busy = append(busy, s)
		}
	}
	if len(busy) == 0 {
		return
	}
	m.Logger.Info("parent gone, waiting for %d running job(s)", len(busy))
	if c, ok := m.stdout().(io.Closer); ok {
		c.Close() //nolint:errcheck
	}
	for _, s := range busy {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return
		}
	}
	m.Logger.Info("all jobs finished")
}
