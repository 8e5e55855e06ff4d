package system

import (
	"fmt"
	"time"
)

type SystemState int

const (
	StateUnconnected SystemState = iota
	StateMasterAcquired
	StateDomainCreated
	StateSlavesConfigured
	StateEntriesRegistered
	StateActivated
	StateRunning
	StateDeactivating
	StateReleased
)

func (s SystemState) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateMasterAcquired:
		return "MASTER_ACQUIRED"
	case StateDomainCreated:
		return "DOMAIN_CREATED"
	case StateSlavesConfigured:
		return "SLAVES_CONFIGURED"
	case StateEntriesRegistered:
		return "ENTRIES_REGISTERED"
	case StateActivated:
		return "ACTIVATED"
	case StateRunning:
		return "RUNNING"
	case StateDeactivating:
		return "DEACTIVATING"
	case StateReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// Holding reports whether the master handle is acquired in this state.
func (s SystemState) Holding() bool {
	return s >= StateMasterAcquired && s <= StateDeactivating
}

type SystemStatus struct {
	State     SystemState `json:"state"`
	Timestamp int64       `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// ValidateTransition allows the forward setup chain, the unwind from any
// state that holds the master, and nothing after release.
func ValidateTransition(from, to SystemState) error {
	validTransitions := map[SystemState][]SystemState{
		StateUnconnected:       {StateMasterAcquired},
		StateMasterAcquired:    {StateDomainCreated, StateDeactivating},
		StateDomainCreated:     {StateSlavesConfigured, StateDeactivating},
		StateSlavesConfigured:  {StateEntriesRegistered, StateDeactivating},
		StateEntriesRegistered: {StateActivated, StateDeactivating},
		StateActivated:         {StateRunning, StateDeactivating},
		StateRunning:           {StateDeactivating},
		StateDeactivating:      {StateReleased},
		StateReleased:          {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

func newStatus(s SystemState, err error) SystemStatus {
	status := SystemStatus{State: s, Timestamp: time.Now().Unix()}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
