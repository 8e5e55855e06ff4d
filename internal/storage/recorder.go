package storage

import (
	"context"

	"github.com/KevinKickass/ecatmaster/internal/types"
	"github.com/google/uuid"
)

type SampleWriter interface {
	InsertSample(ctx context.Context, s Sample) error
}

// Recorder is a sink that keeps every Nth cycle as a history sample. It
// blocks on the database, so the cycle reaches it through exchange.Async.
type Recorder struct {
	writer    SampleWriter
	sessionID uuid.UUID
	every     uint64
}

func NewRecorder(writer SampleWriter, sessionID uuid.UUID, every uint64) *Recorder {
	if every == 0 {
		every = 1
	}
	return &Recorder{writer: writer, sessionID: sessionID, every: every}
}

func (r *Recorder) Publish(ctx context.Context, rec types.InputRecord) error {
	if rec.Cycle%r.every != 0 {
		return nil
	}
	return r.writer.InsertSample(ctx, Sample{
		SessionID:  r.sessionID,
		Cycle:      rec.Cycle,
		RecordedAt: rec.Timestamp,
		Analog:     rec.Analog,
		Digital:    rec.Digital,
	})
}
