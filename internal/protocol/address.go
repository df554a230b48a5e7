// Package protocol defines the relay's wire format: address paths,
// request and response envelopes, and newline-delimited JSON framing.
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"

	rerr "jobrelay/internal/errors"
)

// Address is the route from the current hop to a target hop as an
// ordered list of child indices.  An empty address is the current hop.
type Address []int

// Len returns the number of hops left.
func (a Address) Len() int { return len(a) }

// IsLocal reports whether the address targets the current hop.
func (a Address) IsLocal() bool { return len(a) == 0 }

// Head returns the first child index.  It panics on a local address.
func (a Address) Head() int { return a[0] }

// Tail returns a copy of the address without its head.
func (a Address) Tail() Address {
	if len(a) <= 1 {
		return Address{}
	}
	out := make(Address, len(a)-1)
	copy(out, a[1:])
	return out
}

// Append returns a new address with index added at the end.
func (a Address) Append(index int) Address {
	out := make(Address, len(a), len(a)+1)
	copy(out, a)
	return append(out, index)
}

// Validate rejects negative child indices.
func (a Address) Validate() error {
	for _, idx := range a {
		if idx < 0 {
			return &rerr.UnknownRouteError{Address: a, Index: idx}
		}
	}
	return nil
}

// String renders the address as "[0 1]".
func (a Address) String() string {
	parts := make([]string, len(a))
	for i, idx := range a {
		parts[i] = strconv.Itoa(idx)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MarshalJSON encodes a nil address as an empty list rather than null.
func (a Address) MarshalJSON() ([]byte, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int(a))
}

// ParseAddress accepts "", "0" or "0,1,2".
func ParseAddress(spec string) (Address, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Address{}, nil
	}
	fields := strings.Split(spec, ",")
	out := make(Address, 0, len(fields))
	for _, f := range fields {
		idx, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, &rerr.ConfigError{
				Field:   "address",
				Value:   spec,
				Message: "invalid child index " + strconv.Quote(f),
				Hint:    "use comma separated integers, e.g. 0,1",
			}
		}
		out = append(out, idx)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
