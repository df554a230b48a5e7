package protocol

import (
	"bytes"

	rerr "jobrelay/internal/errors"
)

// Terminator ends every frame.
const Terminator = '\n'

// MaxFrameSize bounds a single buffered frame.
const MaxFrameSize = 16 << 20

// Splitter accumulates partial reads and yields complete frames.
// It is not safe for concurrent use.
type Splitter struct {
	buf []byte
}

// Feed appends p and returns every frame completed by it, without
// terminators.  Empty lines are skipped.  The returned slices are
// owned by the caller.
func (s *Splitter) Feed(p []byte) ([][]byte, error) {
	s.buf = append(s.buf, p...)

	var out [][]byte
	for {
		i := bytes.IndexByte(s.buf, Terminator)
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(s.buf[:i])
		if len(line) > 0 {
			frame := make([]byte, len(line))
			copy(frame, line)
			out = append(out, frame)
		}
		s.buf = s.buf[i+1:]
	}

	if len(s.buf) > MaxFrameSize {
		s.buf = nil
		return out, rerr.ErrFrameTooLarge
	}
	// Release the consumed prefix once nothing is pending.
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return out, nil
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (s *Splitter) Pending() int { return len(s.buf) }
