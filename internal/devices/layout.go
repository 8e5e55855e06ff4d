package devices

import (
	"fmt"

	"github.com/KevinKickass/ecatmaster/internal/image"
	"github.com/KevinKickass/ecatmaster/internal/types"
)

// Layout is the resolved, read-only view of the domain: where every channel
// lives in the process image.
type Layout struct {
	analog        []types.ChannelMapping
	digitalInput  *types.ChannelMapping
	digitalOutput *types.ChannelMapping
	all           []types.ChannelMapping
}

// NewLayout groups resolved mappings by kind. Declaration order of the
// analog channels is kept.
func NewLayout(mappings []types.ChannelMapping) (*Layout, error) {
	l := &Layout{
		all: append([]types.ChannelMapping(nil), mappings...),
	}

	for i := range l.all {
		m := l.all[i]
		if _, ok := m.Offset(); !ok {
			return nil, fmt.Errorf("channel %s has no resolved offset", m)
		}

		switch m.Kind {
		case types.ChannelAnalogInput:
			l.analog = append(l.analog, m)
		case types.ChannelDigitalInput:
			if l.digitalInput != nil {
				return nil, fmt.Errorf("second digital input byte %s", m)
			}
			l.digitalInput = &l.all[i]
		case types.ChannelDigitalOutput:
			if l.digitalOutput != nil {
				return nil, fmt.Errorf("second digital output byte %s", m)
			}
			l.digitalOutput = &l.all[i]
		default:
			return nil, fmt.Errorf("channel %s: unknown kind %q", m, m.Kind)
		}
	}

	return l, nil
}

// CheckBounds refuses a layout with any channel outside an image of size
// bytes.
func (l *Layout) CheckBounds(size int) error {
	for _, m := range l.all {
		offset, _ := m.Offset()
		if !image.Fits(size, offset, m.Kind.Width()) {
			return fmt.Errorf("channel %s at offset %d (+%d) exceeds image of %d bytes",
				m, offset, m.Kind.Width(), size)
		}
	}
	return nil
}

func (l *Layout) Analog() []types.ChannelMapping {
	return l.analog
}

func (l *Layout) DigitalInput() (types.ChannelMapping, bool) {
	if l.digitalInput == nil {
		return types.ChannelMapping{}, false
	}
	return *l.digitalInput, true
}

func (l *Layout) DigitalOutput() (types.ChannelMapping, bool) {
	if l.digitalOutput == nil {
		return types.ChannelMapping{}, false
	}
	return *l.digitalOutput, true
}

// Channels returns all mappings in declaration order.
func (l *Layout) Channels() []types.ChannelMapping {
	return l.all
}
