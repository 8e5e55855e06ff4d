package types

import (
	"strings"
	"time"
)

// DigitalWidth is the number of flags packed into one digital byte.
const DigitalWidth = 8

// InputRecord is one cycle's decoded inputs as handed to the value sink.
// Digital is nil when the bus carries no digital input byte.
type InputRecord struct {
	Cycle     uint64    `json:"cycle"`
	Timestamp time.Time `json:"timestamp"`
	Analog    []int32   `json:"analog"`
	Digital   []bool    `json:"digital,omitempty"`
}

// HasDigital reports whether the record carries digital input flags.
func (r InputRecord) HasDigital() bool {
	return r.Digital != nil
}

// Clone returns a deep copy so a published record can't be mutated by the
// next cycle.
func (r InputRecord) Clone() InputRecord {
	out := r
	if r.Analog != nil {
		out.Analog = append([]int32(nil), r.Analog...)
	}
	if r.Digital != nil {
		out.Digital = append([]bool(nil), r.Digital...)
	}
	return out
}

// OutputCommand holds the eight commanded output flags. The zero value
// means every output off.
type OutputCommand [DigitalWidth]bool

// AllOff is the fail-safe command used whenever no valid command is available.
var AllOff OutputCommand

func (c OutputCommand) String() string {
	var b strings.Builder
	for i, on := range c {
		if i > 0 {
			b.WriteByte(',')
		}
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Values returns the command as 0/1 integers, output 1 first.
func (c OutputCommand) Values() []int {
	values := make([]int, DigitalWidth)
	for i, on := range c {
		if on {
			values[i] = 1
		}
	}
	return values
}
