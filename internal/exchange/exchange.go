// Package exchange is the boundary between the cycle and the rest of the
// control system: decoded inputs go out through a Sink, output commands come
// in through a Source. Every implementation publishes whole records with
// last-writer-wins semantics; a reader never observes half a record.
package exchange

import (
	"context"
	"errors"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

var (
	// ErrNoCommand means no command record exists yet.
	ErrNoCommand = errors.New("no command available")
	// ErrMalformed means a command record exists but cannot be parsed.
	ErrMalformed = errors.New("malformed command record")
	// ErrUnavailable means the source could not answer in time.
	ErrUnavailable = errors.New("command source unavailable")
)

type Sink interface {
	Publish(ctx context.Context, rec types.InputRecord) error
}

type Source interface {
	Fetch(ctx context.Context) (types.OutputCommand, error)
}

// CommandStore is a Source that can also be written, used by the dashboard
// to set outputs.
type CommandStore interface {
	Source
	Store(ctx context.Context, cmd types.OutputCommand) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec types.InputRecord) error

func (f SinkFunc) Publish(ctx context.Context, rec types.InputRecord) error {
	return f(ctx, rec)
}

// FetchOrOff returns the source's command, or the all-off command together
// with the reason when the source fails. A nil source yields all off.
func FetchOrOff(ctx context.Context, src Source) (types.OutputCommand, error) {
	if src == nil {
		return types.AllOff, ErrNoCommand
	}
	cmd, err := src.Fetch(ctx)
	if err != nil {
		return types.AllOff, err
	}
	return cmd, nil
}
