package storage

import (
	"time"

	"github.com/google/uuid"
)

// Sample is one recorded cycle. Digital is empty for analog-only buses.
type Sample struct {
	ID         int64     `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Cycle      uint64    `json:"cycle"`
	RecordedAt time.Time `json:"recorded_at"`
	Analog     []int32   `json:"analog"`
	Digital    []bool    `json:"digital,omitempty"`
}
