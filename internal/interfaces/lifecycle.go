package interfaces

// SystemStatus represents the current master state and cycle counters
type SystemStatus struct {
	State            string `json:"state"`
	SessionID        string `json:"session_id,omitempty"`
	DeviceMap        string `json:"device_map"`
	SlaveCount       int    `json:"slave_count"`
	ChannelCount     int    `json:"channel_count"`
	Cycles           uint64 `json:"cycles"`
	IncompleteFrames uint64 `json:"incomplete_frames"`
	TransportErrors  uint64 `json:"transport_errors"`
	PublishFailures  uint64 `json:"publish_failures"`
	CommandFallbacks uint64 `json:"command_fallbacks"`
	LastCycleMicros  int64  `json:"last_cycle_us"`
	MaxCycleMicros   int64  `json:"max_cycle_us"`
	StartedAt        int64  `json:"started_at,omitempty"`
	Error            string `json:"error,omitempty"`
}

type LifecycleManager interface {
	GetCurrentStatus() SystemStatus
}
