package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"jobrelay/internal/communicator"
	rerr "jobrelay/internal/errors"
	"jobrelay/internal/executor"
	"jobrelay/internal/protocol"
)

// Dispatcher maps wire actions onto a Lifecycle.
type Dispatcher struct {
	svc Lifecycle
}

// NewDispatcher returns a dispatcher serving svc.
func NewDispatcher(svc Lifecycle) *Dispatcher { return &Dispatcher{svc: svc} }

// Dispatch runs action.  Mutating actions answer with the resulting
// state, request_start_child with the new child index.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, data json.RawMessage) (any, error) {
	switch action {
	case protocol.ActionStartService:
		var cfg executor.Config
		if err := decode(action, data, &cfg); err != nil {
			return nil, err
		}
		return d.after(ctx, d.svc.StartService(ctx, cfg))

	case protocol.ActionKillService:
		var cfg executor.Config
		if err := decode(action, data, &cfg); err != nil {
			return nil, err
		}
		return d.after(ctx, d.svc.KillService(ctx, cfg))

	case protocol.ActionCleanWorkspace:
		return d.after(ctx, d.svc.CleanWorkspace(ctx))

	case protocol.ActionRequestStop:
		return d.after(ctx, d.svc.RequestStop(ctx))

	case protocol.ActionStartChild:
		var spec communicator.Spec
		if err := decode(action, data, &spec); err != nil {
			return nil, err
		}
		return d.svc.StartChild(ctx, spec)

	case protocol.ActionStopChild:
		var ref ChildRef
		if err := decode(action, data, &ref); err != nil {
			return nil, err
		}
		if ref.ChildID == nil {
			return nil, fmt.Errorf("%s: child_id is required", action)
		}
		return d.after(ctx, d.svc.StopChild(ctx, *ref.ChildID))

	case protocol.ActionGetState:
		return d.svc.State(ctx)

	case protocol.ActionGetStatus:
		return d.svc.Status(ctx)

	default:
		return nil, &rerr.UnknownActionError{Action: action}
	}
}

// Close releases the service when it holds resources.
func (d *Dispatcher) Close() error {
	if c, ok := d.svc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ChildRef is the data of request_stop_child.
type ChildRef struct {
	ChildID *int `json:"child_id"`
}

func (d *Dispatcher) after(ctx context.Context, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return d.svc.State(ctx)
}

// decode unmarshals optional request data.
func decode(action string, data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: bad data: %w", action, err)
	}
	return nil
}
