// Package portctrl implements the session control exchange with the
// simulator: reset, init, UMsg mode and kill.
package portctrl

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Command is a port control command.
type Command int

// Port control commands.
const (
	AFUReset Command = iota + 1
	ASEInit
	UMsgMode
	ASESimKill
)

var commandNames = map[Command]string{
	AFUReset:   "AFU_RESET",
	ASEInit:    "ASE_INIT",
	UMsgMode:   "UMSG_MODE",
	ASESimKill: "ASE_SIMKILL",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Command(%d)", int(c))
}

// ParseCommand returns the command with the given wire name.
func ParseCommand(name string) (Command, error) {
	for c, n := range commandNames {
		if n == name {
			return c, nil
		}
	}

	return 0, errors.Errorf("unknown port control command %q", name)
}

// RequestSize is the size of an encoded request. The text is NUL padded.
const RequestSize = 64

// EncodeRequest formats a request as "<CMD> <value>".
func EncodeRequest(cmd Command, value int64) []byte {
	b := make([]byte, RequestSize)
	copy(b, fmt.Sprintf("%s %d", cmd, value))

	return b
}

// DecodeRequest parses a request produced by EncodeRequest.
func DecodeRequest(b []byte) (Command, int64, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	fields := strings.Fields(string(b))
	if len(fields) != 2 {
		return 0, 0, errors.Errorf("malformed port control request %q", b)
	}

	cmd, err := ParseCommand(fields[0])
	if err != nil {
		return 0, 0, err
	}

	value, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "port control value %q", fields[1])
	}

	return cmd, value, nil
}
