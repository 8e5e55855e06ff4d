package system

import (
	"errors"
	"fmt"
)

var (
	ErrMasterUnavailable  = errors.New("master unavailable")
	ErrDomainCreation     = errors.New("domain creation failed")
	ErrSlaveConfiguration = errors.New("slave configuration failed")
	ErrEntryRegistration  = errors.New("PDO entry registration failed")
	ErrActivation         = errors.New("master activation failed")
	ErrImageUnavailable   = errors.New("process image unavailable")
)

const (
	ExitOK                = 0
	ExitMasterUnavailable = -1
	ExitSetupFailed       = -2
)

// SetupError names the setup step that failed and, where known, the slave
// and PDO entry involved.
type SetupError struct {
	Step  string
	Slave string
	Entry string
	Kind  error
	Err   error
}

func (e *SetupError) Error() string {
	msg := e.Step
	if e.Slave != "" {
		msg += " [" + e.Slave + "]"
	}
	if e.Entry != "" {
		msg += " entry " + e.Entry
	}
	return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
}

func (e *SetupError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func (e *SetupError) ExitCode() int {
	if errors.Is(e.Kind, ErrMasterUnavailable) {
		return ExitMasterUnavailable
	}
	return ExitSetupFailed
}

// ExitCode maps a startup error to the process status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *SetupError
	if errors.As(err, &se) {
		return se.ExitCode()
	}
	return ExitSetupFailed
}
