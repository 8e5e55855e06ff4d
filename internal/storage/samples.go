package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var samplesSchema = []string{`
CREATE TABLE IF NOT EXISTS cycle_samples (
	id          BIGSERIAL PRIMARY KEY,
	session_id  UUID        NOT NULL,
	cycle       BIGINT      NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	analog      INTEGER[]   NOT NULL,
	digital     BOOLEAN[]
)`,
	`CREATE INDEX IF NOT EXISTS cycle_samples_session_cycle ON cycle_samples (session_id, cycle DESC)`,
}

// EnsureSchema creates the sample table if it does not exist yet
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range samplesSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// InsertSample stores one recorded cycle
func (p *PostgresClient) InsertSample(ctx context.Context, s Sample) error {
	var digital []bool
	if len(s.Digital) > 0 {
		digital = s.Digital
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO cycle_samples (session_id, cycle, recorded_at, analog, digital)
		VALUES ($1, $2, $3, $4, $5)
	`, s.SessionID, int64(s.Cycle), s.RecordedAt, s.Analog, digital)

	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

// RecentSamples returns the newest samples of a session, newest first
func (p *PostgresClient) RecentSamples(ctx context.Context, sessionID uuid.UUID, limit int) ([]Sample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, cycle, recorded_at, analog, digital
		FROM cycle_samples
		WHERE session_id = $1
		ORDER BY cycle DESC
		LIMIT $2
	`, sessionID, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}

	samples, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Sample, error) {
		var s Sample
		var cycle int64
		err := row.Scan(&s.ID, &s.SessionID, &cycle, &s.RecordedAt, &s.Analog, &s.Digital)
		s.Cycle = uint64(cycle)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan samples: %w", err)
	}

	return samples, nil
}
