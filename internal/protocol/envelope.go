package protocol

import (
	"encoding/json"
	"fmt"
)

// Lifecycle action names understood by a hop's service.
const (
	ActionStartService   = "delegator_start_service"
	ActionKillService    = "delegator_kill_service"
	ActionCleanWorkspace = "delegator_clean_workspace"
	ActionRequestStop    = "request_stop"
	ActionStartChild     = "request_start_child"
	ActionStopChild      = "request_stop_child"
	ActionGetState       = "get_state"
	ActionGetStatus      = "get_status"

	// ActionPing is answered by the repeater itself and never reaches
	// the service.
	ActionPing = "ping"
)

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "resp"
)

// Request is an addressed lifecycle call.  ID is assigned by the hop
// that writes the frame.
type Request struct {
	ID      uint64          `json:"id"`
	Address Address         `json:"address_path"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response answers the request with the same correlation id.  Error
// and Kind are empty on success.
type Response struct {
	ID     uint64          `json:"correlation_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

// Frame is one line on the wire.
type Frame struct {
	Type     string    `json:"type"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// EncodeRequest renders req as a terminated frame.
func EncodeRequest(req Request) ([]byte, error) {
	return encode(Frame{Type: TypeRequest, Request: &req})
}

// EncodeResponse renders resp as a terminated frame.
func EncodeResponse(resp Response) ([]byte, error) {
	return encode(Frame{Type: TypeResponse, Response: &resp})
}

func encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return append(data, Terminator), nil
}

// Decode parses one frame without its terminator.
func Decode(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case TypeRequest:
		if f.Request == nil {
			return Frame{}, fmt.Errorf("decode frame: request frame without body")
		}
	case TypeResponse:
		if f.Response == nil {
			return Frame{}, fmt.Errorf("decode frame: response frame without body")
		}
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	return f, nil
}

// EncodeData marshals a payload.  A nil payload stays nil.
func EncodeData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
