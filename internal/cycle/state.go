package cycle

import (
	"time"

	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/types"
)

// State is what one cycle saw and did.
type State struct {
	Counter uint64
	Domain  fieldbus.DomainState
	Inputs  types.InputRecord
	// Outputs is the command snapshot encoded this cycle; nil when the
	// bus has no digital outputs.
	Outputs *types.OutputCommand
}

// Stats accumulates over the whole run.
type Stats struct {
	Cycles           uint64        `json:"cycles"`
	IncompleteFrames uint64        `json:"incomplete_frames"`
	TransportErrors  uint64        `json:"transport_errors"`
	PublishFailures  uint64        `json:"publish_failures"`
	CommandFallbacks uint64        `json:"command_fallbacks"`
	LastDuration     time.Duration `json:"last_duration"`
	MaxDuration      time.Duration `json:"max_duration"`
	Last             State         `json:"-"`
}
