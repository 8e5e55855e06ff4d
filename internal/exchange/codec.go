package exchange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

// FormatAnalog renders analog values as one comma separated line.
func FormatAnalog(values []int32) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	return strings.Join(parts, ",") + "\n"
}

// FormatFlags renders flags as a line of comma separated 0/1 values.
func FormatFlags(flags []bool) string {
	parts := make([]string, len(flags))
	for i, on := range flags {
		if on {
			parts[i] = "1"
		} else {
			parts[i] = "0"
		}
	}
	return strings.Join(parts, ",") + "\n"
}

// ParseCommand parses "1,0,1,0,0,0,0,1". Exactly eight 0/1 fields are
// accepted; surrounding whitespace is ignored.
func ParseCommand(line string) (types.OutputCommand, error) {
	var cmd types.OutputCommand

	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != types.DigitalWidth {
		return types.AllOff, fmt.Errorf("%w: want %d fields, got %d", ErrMalformed, types.DigitalWidth, len(fields))
	}

	for i, f := range fields {
		switch strings.TrimSpace(f) {
		case "0":
		case "1":
			cmd[i] = true
		default:
			return types.AllOff, fmt.Errorf("%w: field %d is %q", ErrMalformed, i+1, f)
		}
	}
	return cmd, nil
}

// ParseAnalog parses a comma separated line of signed integers.
func ParseAnalog(line string) ([]int32, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	values := make([]int32, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		values = append(values, int32(v))
	}
	return values, nil
}
