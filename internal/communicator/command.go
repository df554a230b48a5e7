package communicator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Hop modes of the jobrelay binary started by a stage.
const (
	ModeDelegator = "delegator"
	ModeForward   = "forward"
)

// BinaryName is the executable looked up under a stage's InstallPath.
const BinaryName = "jobrelay"

// Argv returns the command line that starts the far end of spec:
// the launcher prefix, the jobrelay binary and its mode.  A chained
// stage starts a forwarder that learns its next stage from a header
// line on stdin, so credentials never appear in argv.
func Argv(spec Spec, binary string) []string {
	bin := binary
	if spec.InstallPath != "" {
		bin = path.Join(spec.InstallPath, BinaryName)
	}

	argv := make([]string, 0, len(spec.Command)+len(spec.Args)+6)
	argv = append(argv, spec.Command...)
	argv = append(argv, bin)
	if spec.Next != nil {
		argv = append(argv, ModeForward)
	} else {
		argv = append(argv, ModeDelegator, "--name", spec.Label())
		if spec.Workspace != "" {
			argv = append(argv, "--workspace", spec.Workspace)
		}
	}
	return append(argv, spec.Args...)
}

// ShellJoin renders argv for a remote shell.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// writeHeader sends the next stage description to a forwarder.
func writeHeader(w interface{ Write([]byte) (int, error) }, next Spec) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode stage header: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// ReadHeader reads the stage header written by the hop above a
// forwarder.  Bytes after the header stay buffered in r.
func ReadHeader(r *bufio.Reader) (Spec, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Spec{}, fmt.Errorf("read stage header: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(line, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode stage header: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
