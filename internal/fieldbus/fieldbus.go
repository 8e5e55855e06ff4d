// Package fieldbus defines the boundary to the EtherCAT master stack. The
// controller never talks to the bus directly; it drives a Master and one
// Domain through these interfaces once per cycle.
package fieldbus

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

var (
	ErrNotActivated     = errors.New("master not activated")
	ErrAlreadyActivated = errors.New("master already activated")
	ErrReleased         = errors.New("master released")
	ErrSlaveNotFound    = errors.New("slave not found")
	ErrIdentityMismatch = errors.New("slave identity mismatch")
	ErrUnknownEntry     = errors.New("unknown PDO entry")
	ErrOffsetConflict   = errors.New("PDO entry offset conflict")
)

// EntryError identifies the mapping a registration failed on.
type EntryError struct {
	Mapping types.ChannelMapping
	Err     error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s on slave %d:%d: %v", e.Mapping.Entry(), e.Mapping.Slave.Alias, e.Mapping.Slave.Position, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Transport hands out masters by index.
type Transport interface {
	AcquireMaster(index int) (Master, error)
}

type Master interface {
	CreateDomain() (Domain, error)
	// ConfigureSlave fails when no slave answers at the identity's alias and
	// position or when its vendor/product differ.
	ConfigureSlave(id types.SlaveIdentity) (SlaveConfig, error)
	Activate() error
	// Receive pulls the latest frame into every domain's image.
	Receive() error
	// Send transmits every queued domain.
	Send() error
	Deactivate() error
	Release() error
}

type SlaveConfig interface {
	Identity() types.SlaveIdentity
}

type Domain interface {
	// RegisterEntries maps every channel to a byte offset in the domain
	// image; offsets are returned in the order of mappings.
	RegisterEntries(mappings []types.ChannelMapping) ([]uint32, error)
	// Data returns the process image. Valid only between Activate and
	// Deactivate.
	Data() ([]byte, error)
	Process() (DomainState, error)
	Queue() error
}

type WorkingCounterState int

const (
	WCZero WorkingCounterState = iota
	WCIncomplete
	WCComplete
)

func (s WorkingCounterState) String() string {
	switch s {
	case WCZero:
		return "ZERO"
	case WCIncomplete:
		return "INCOMPLETE"
	case WCComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// DomainState describes how much of the frame came back this cycle.
type DomainState struct {
	WorkingCounter         uint16
	ExpectedWorkingCounter uint16
}

func (d DomainState) State() WorkingCounterState {
	switch {
	case d.WorkingCounter == 0:
		return WCZero
	case d.WorkingCounter < d.ExpectedWorkingCounter:
		return WCIncomplete
	default:
		return WCComplete
	}
}

func (d DomainState) Complete() bool {
	return d.State() == WCComplete
}
