// Package calibration turns raw vacuum sensor counts into pressure. A raw
// value of 1000 is atmospheric (0 mbar) and 0 is full vacuum (-1000 mbar);
// per-channel offsets shift the zero point and a short moving average
// smooths the readings.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
)

// Atmospheric is the raw count read at ambient pressure.
const Atmospheric = 1000

var ErrNoSample = errors.New("no sample received yet")

// Pressure converts a raw count to mbar relative to atmosphere.
func Pressure(raw, offset int32) int64 {
	return int64(raw) - int64(offset) - Atmospheric
}

type Reading struct {
	Channel         string `json:"-"`
	RawValue        int32  `json:"raw_value"`
	Offset          int32  `json:"offset"`
	PressureMbar    int64  `json:"pressure_mbar"`
	InstantPressure int64  `json:"instant_pressure"`
	SamplesInAvg    int    `json:"samples_in_avg"`
	Status          string `json:"status"`
	Error           bool   `json:"error"`
	Underrange      bool   `json:"underrange"`
	Overrange       bool   `json:"overrange"`
}

// Calibrator consumes every cycle's inputs and keeps the filtered readings
// for the dashboard.
type Calibrator struct {
	names  []string
	store  *Store
	logger *zap.Logger

	mu        sync.Mutex
	offsets   Offsets
	buffers   []*window
	latest    []int32
	timestamp time.Time
}

func NewCalibrator(names []string, store *Store, bufferSize int, logger *zap.Logger) (*Calibrator, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", bufferSize)
	}

	offsets, err := store.Load()
	if err != nil {
		// The dashboard falls back to zero offsets on an unreadable file.
		logger.Warn("Calibration offsets unreadable, using zero offsets",
			zap.String("path", store.Path()),
			zap.Error(err))
		offsets = ZeroOffsets(names)
	}

	c := &Calibrator{
		names:   append([]string(nil), names...),
		store:   store,
		logger:  logger,
		offsets: offsets,
		buffers: make([]*window, len(names)),
	}
	for i := range c.buffers {
		c.buffers[i] = newWindow(bufferSize)
	}
	return c, nil
}

// Publish feeds one cycle's analog values into the moving averages.
func (c *Calibrator) Publish(_ context.Context, rec types.InputRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(rec.Analog) != len(c.names) {
		return fmt.Errorf("expected %d analog values, got %d", len(c.names), len(rec.Analog))
	}

	c.latest = append(c.latest[:0], rec.Analog...)
	c.timestamp = rec.Timestamp
	for i, raw := range rec.Analog {
		c.buffers[i].push(float64(Pressure(raw, c.offsets[c.names[i]])))
	}
	return nil
}

// Readings returns the current reading per channel in channel order.
func (c *Calibrator) Readings() ([]Reading, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return nil, time.Time{}, ErrNoSample
	}

	readings := make([]Reading, len(c.names))
	for i, name := range c.names {
		offset := c.offsets[name]
		raw := c.latest[i]
		readings[i] = Reading{
			Channel:         name,
			RawValue:        raw,
			Offset:          offset,
			PressureMbar:    int64(math.RoundToEven(c.buffers[i].mean())),
			InstantPressure: Pressure(raw, offset),
			SamplesInAvg:    c.buffers[i].len(),
			Status:          "OK",
		}
	}
	return readings, c.timestamp, nil
}

// Calibrate makes the latest sample read 0 mbar on every channel, persists
// the offsets and restarts the averages.
func (c *Calibrator) Calibrate() (Offsets, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.latest == nil {
		return nil, ErrNoSample
	}

	offsets := make(Offsets, len(c.names))
	for i, name := range c.names {
		offsets[name] = c.latest[i] - Atmospheric
	}
	if err := c.apply(offsets); err != nil {
		return nil, err
	}

	c.logger.Info("Channels calibrated", zap.Any("offsets", offsets))
	return offsets.Clone(), nil
}

// Reset returns every offset to zero.
func (c *Calibrator) Reset() (Offsets, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offsets := ZeroOffsets(c.names)
	if err := c.apply(offsets); err != nil {
		return nil, err
	}

	c.logger.Info("Calibration reset")
	return offsets.Clone(), nil
}

// apply persists offsets, then swaps them in. Caller holds mu.
func (c *Calibrator) apply(offsets Offsets) error {
	if err := c.store.Save(offsets); err != nil {
		return err
	}
	c.offsets = offsets
	for _, b := range c.buffers {
		b.clear()
	}
	return nil
}

func (c *Calibrator) Offsets() Offsets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsets.Clone()
}

func (c *Calibrator) Channels() []string {
	return append([]string(nil), c.names...)
}

// window is a fixed-size ring of the most recent samples.
type window struct {
	samples []float64
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]float64, size)}
}

func (w *window) push(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *window) mean() float64 {
	n := w.len()
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.samples[:n] {
		sum += v
	}
	return sum / float64(n)
}

func (w *window) clear() {
	w.next = 0
	w.full = false
}
