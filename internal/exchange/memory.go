package exchange

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

// Snapshot keeps the most recent record in memory for in-process readers.
type Snapshot struct {
	latest atomic.Pointer[types.InputRecord]
}

func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

func (s *Snapshot) Publish(_ context.Context, rec types.InputRecord) error {
	clone := rec.Clone()
	s.latest.Store(&clone)
	return nil
}

// Latest returns a copy of the newest record, if any was published.
func (s *Snapshot) Latest() (types.InputRecord, bool) {
	rec := s.latest.Load()
	if rec == nil {
		return types.InputRecord{}, false
	}
	return rec.Clone(), true
}

// MemoryCommandStore holds the output command in memory; the dashboard API
// writes it and the cycle reads it.
type MemoryCommandStore struct {
	cmd atomic.Pointer[types.OutputCommand]
}

func NewMemoryCommandStore() *MemoryCommandStore {
	return &MemoryCommandStore{}
}

func (s *MemoryCommandStore) Fetch(_ context.Context) (types.OutputCommand, error) {
	cmd := s.cmd.Load()
	if cmd == nil {
		return types.AllOff, ErrNoCommand
	}
	return *cmd, nil
}

func (s *MemoryCommandStore) Store(_ context.Context, cmd types.OutputCommand) error {
	s.cmd.Store(&cmd)
	return nil
}

// Fanout publishes every record to all sinks in order and joins their
// errors. A failing sink does not stop the others.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, rec types.InputRecord) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
