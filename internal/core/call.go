package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobrelay/config"
	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/metrics"
	"jobrelay/internal/protocol"
	"jobrelay/internal/repeater"
	"jobrelay/internal/retry"
	"jobrelay/internal/service"
	"jobrelay/util"
)

// CallMode is the controller side of one lifecycle call.  It brings up
// the first stage of a topology as child 0 of a local root, sends
// Action to the hop at Route below it and prints the JSON result.
type CallMode struct {
	stdio

	Topology *config.Topology
	Stage    string
	// Route is the path below the first hop; empty targets the first
	// hop itself.
	Route  protocol.Address
	Action string
	// Data is sent as is.  start_service without data uses the
	// topology's executor section.
	Data            json.RawMessage
	Timeout         time.Duration
	Tick            time.Duration
	Heartbeat       time.Duration
	ConnectAttempts int
	// WorkspaceRoot serves local stages, which run inside this process.
	WorkspaceRoot string
	Options       communicator.Options
	Metrics       *metrics.Collector
	Logger        *util.Logger
}

// Run performs the call.  The first hop is torn down on return.
func (m *CallMode) Run(ctx context.Context) error {
	spec, err := m.Topology.Spec(m.Stage)
	if err != nil {
		return err
	}

	root := repeater.New(
		repeater.WithName("controller"),
		repeater.WithLogger(m.Logger),
		repeater.WithMetrics(m.Metrics),
		repeater.WithHeartbeat(m.Heartbeat),
		repeater.WithCommunicatorOptions(m.Options),
		repeater.WithDispatcherFactory(service.Factory(nil,
			service.WithWorkspaceRoot(m.WorkspaceRoot),
			service.WithLogger(m.Logger),
		)),
	)
	defer root.Close()

	if err := root.AddChild(0, spec); err != nil {
		return err
	}
	if err := m.connect(ctx, root, spec); err != nil {
		return err
	}

	target := protocol.Address{0}
	for _, i := range m.Route {
		target = target.Append(i)
	}
	proxy := service.NewProxy(root, target,
		service.WithCallTimeout(m.Timeout),
		service.WithTick(m.Tick),
		service.WithProxyLogger(m.Logger),
	)

	m.Logger.Verbose("%s -> %s", m.Action, target)
	result, err := service.Call[json.RawMessage](ctx, proxy, m.Action, m.payload())
	if err != nil {
		return fmt.Errorf("%s at %s: %w", m.Action, target, err)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	_, err = fmt.Fprintf(m.stdout(), "%s\n", result)
	return err
}

// connect brings up child 0, retrying transient failures.  Lifecycle
// calls themselves are never retried.
func (m *CallMode) connect(ctx context.Context, root *repeater.Repeater, spec communicator.Spec) error {
	b := retry.ConnectBackoff(m.ConnectAttempts)
	b.Retryable = rerr.IsRetryable
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.Logger.Warn("connect %s (attempt %d): %v, retrying in %s",
			spec.Label(), attempt, err, wait.Round(time.Millisecond))
	}
	return b.Do(ctx, func(int) error { return root.ConnectChild(ctx, 0) })
}

func (m *CallMode) payload() any {
	if len(m.Data) > 0 {
		return m.Data
	}
	if m.Action == protocol.ActionStartService && m.Topology.Executor != nil {
		return m.Topology.Executor
	}
	return nil
}
