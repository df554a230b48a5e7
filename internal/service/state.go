package service

import "fmt"

// State is the lifecycle state of a service.
type State int

const (
	Created State = iota
	Running
	Stopping
	Stopped
	Killed
)

var stateNames = [...]string{"Created", "Running", "Stopping", "Stopped", "Killed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminated reports whether the executor has ended.
func (s State) Terminated() bool { return s == Stopped || s == Killed }

// MarshalText renders the state name, which is also its wire form.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
