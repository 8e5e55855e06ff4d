package cycle

import (
	"context"
	"fmt"
	"time"
)

// Pacer spaces cycles in time. It is the only place the loop blocks.
type Pacer interface {
	// Wait returns when the next cycle is due or ctx is done.
	Wait(ctx context.Context) error
	Stop()
}

// SleepPacer pauses a fixed period after every cycle, so the effective
// period is the cycle's own duration plus Period.
type SleepPacer struct {
	Period time.Duration
}

func (p SleepPacer) Wait(ctx context.Context) error {
	timer := time.NewTimer(p.Period)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p SleepPacer) Stop() {}

// TickerPacer releases cycles at a fixed rate. Ticks missed while a cycle
// overran are dropped, not queued.
type TickerPacer struct {
	ticker *time.Ticker
}

func NewTickerPacer(period time.Duration) *TickerPacer {
	return &TickerPacer{ticker: time.NewTicker(period)}
}

func (p *TickerPacer) Wait(ctx context.Context) error {
	select {
	case <-p.ticker.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *TickerPacer) Stop() {
	p.ticker.Stop()
}

// NewPacer builds the pacer named by mode ("sleep" or "ticker").
func NewPacer(mode string, period time.Duration) (Pacer, error) {
	switch mode {
	case "", "sleep":
		return SleepPacer{Period: period}, nil
	case "ticker":
		return NewTickerPacer(period), nil
	default:
		return nil, fmt.Errorf("unknown pacing mode %q", mode)
	}
}
