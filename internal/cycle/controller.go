// Package cycle runs the periodic process data exchange: receive the frame,
// decode inputs, publish them, merge the output command, encode it and send
// the frame back out.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/devices"
	"github.com/KevinKickass/ecatmaster/internal/exchange"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/image"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
)

// Bus is the activated fieldbus the controller drives. The image is
// borrowed from the domain and only valid until the master is deactivated.
type Bus struct {
	Master fieldbus.Master
	Domain fieldbus.Domain
	Image  []byte
	Layout *devices.Layout
}

type Options struct {
	// DiagnosticEvery emits the console line on cycles whose counter is a
	// multiple of this value.
	DiagnosticEvery uint64
	PublishTimeout  time.Duration
	FetchTimeout    time.Duration
	// Console receives the operator diagnostic line; nil disables it.
	Console io.Writer
}

type Controller struct {
	bus    Bus
	sink   exchange.Sink
	source exchange.Source
	opts   Options
	logger *zap.Logger

	names   []string
	counter uint64
	lastWC  fieldbus.WorkingCounterState

	statsMu sync.RWMutex
	stats   Stats
}

// NewController prepares a controller for an activated bus. source may be
// nil when the bus has no digital outputs.
func NewController(bus Bus, sink exchange.Sink, source exchange.Source, opts Options, logger *zap.Logger) (*Controller, error) {
	if bus.Master == nil || bus.Domain == nil || bus.Layout == nil {
		return nil, errors.New("cycle: incomplete bus")
	}
	if err := bus.Layout.CheckBounds(len(bus.Image)); err != nil {
		return nil, fmt.Errorf("cycle: %w", err)
	}
	if sink == nil {
		sink = exchange.Fanout(nil)
	}
	if opts.DiagnosticEvery == 0 {
		opts.DiagnosticEvery = 10
	}

	names := make([]string, 0, len(bus.Layout.Analog()))
	for _, m := range bus.Layout.Analog() {
		names = append(names, m.Name)
	}

	return &Controller{
		bus:    bus,
		sink:   sink,
		source: source,
		opts:   opts,
		logger: logger,
		names:  names,
		lastWC: fieldbus.WCComplete,
	}, nil
}

// Run executes cycles until ctx is cancelled. Cancellation is only observed
// between cycles: a cycle that has started always reaches its send phase.
// Cycle failures are soft and end up in Stats, so there is nothing to return.
func (c *Controller) Run(ctx context.Context, pacer Pacer) {
	defer pacer.Stop()

	// In-cycle operations must not be cut short by the shutdown request.
	cycleCtx := context.WithoutCancel(ctx)

	c.logger.Info("Cyclic exchange started",
		zap.Int("image_bytes", len(c.bus.Image)),
		zap.Int("analog_channels", len(c.names)),
		zap.Uint64("diagnostic_every", c.opts.DiagnosticEvery))

	for ctx.Err() == nil {
		if err := c.Cycle(cycleCtx); err != nil && c.diagnosticCycle(c.counter-1) {
			c.logger.Warn("Cycle completed with transport errors",
				zap.Uint64("cycle", c.counter-1),
				zap.Error(err))
		}

		if ctx.Err() != nil {
			break
		}
		if err := pacer.Wait(ctx); err != nil {
			break
		}
	}

	stats := c.Stats()
	c.logger.Info("Cyclic exchange stopped",
		zap.Uint64("cycles", stats.Cycles),
		zap.Uint64("incomplete_frames", stats.IncompleteFrames),
		zap.Uint64("publish_failures", stats.PublishFailures),
		zap.Uint64("command_fallbacks", stats.CommandFallbacks))
}

// Cycle performs one complete exchange. Receive/process and queue/send run
// unconditionally; failures in between only degrade this cycle's values.
// The returned error reports transport failures only.
func (c *Controller) Cycle(ctx context.Context) error {
	start := time.Now()
	var transportErrs []error

	// 1. receive
	if err := c.bus.Master.Receive(); err != nil {
		transportErrs = append(transportErrs, fmt.Errorf("receive: %w", err))
	}

	// 2. process
	domain, err := c.bus.Domain.Process()
	if err != nil {
		transportErrs = append(transportErrs, fmt.Errorf("process domain: %w", err))
	}
	c.checkWorkingCounter(domain)

	state := State{Counter: c.counter, Domain: domain}

	// 3. decode, best effort even on an incomplete frame
	state.Inputs = c.decode(start)

	// 4. publish
	publishErr := c.publish(ctx, state.Inputs)

	// 5.+6. one command snapshot, encoded once
	fallback := false
	if out, ok := c.bus.Layout.DigitalOutput(); ok {
		cmd, err := c.fetchCommand(ctx)
		fallback = err != nil
		offset, _ := out.Offset()
		image.WriteU8(c.bus.Image, offset, image.PackBits(cmd))
		state.Outputs = &cmd
	}

	// 7. diagnostics
	if c.diagnosticCycle(c.counter) {
		c.emitDiagnostic(state)
	}
	c.counter++

	// 8. queue + send
	if err := c.bus.Domain.Queue(); err != nil {
		transportErrs = append(transportErrs, fmt.Errorf("queue domain: %w", err))
	}
	if err := c.bus.Master.Send(); err != nil {
		transportErrs = append(transportErrs, fmt.Errorf("send: %w", err))
	}

	c.record(state, time.Since(start), publishErr != nil, fallback, len(transportErrs) > 0)

	return errors.Join(transportErrs...)
}

func (c *Controller) decode(now time.Time) types.InputRecord {
	rec := types.InputRecord{
		Cycle:     c.counter,
		Timestamp: now,
		Analog:    make([]int32, 0, len(c.names)),
	}

	for _, m := range c.bus.Layout.Analog() {
		offset, _ := m.Offset()
		rec.Analog = append(rec.Analog, image.ReadS32(c.bus.Image, offset))
	}

	if in, ok := c.bus.Layout.DigitalInput(); ok {
		offset, _ := in.Offset()
		flags := image.UnpackBits(image.ReadU8(c.bus.Image, offset))
		rec.Digital = flags[:]
	}

	return rec
}

func (c *Controller) publish(ctx context.Context, rec types.InputRecord) error {
	if c.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.PublishTimeout)
		defer cancel()
	}

	err := c.sink.Publish(ctx, rec)
	if err != nil && c.diagnosticCycle(rec.Cycle) {
		c.logger.Warn("Publishing inputs failed", zap.Uint64("cycle", rec.Cycle), zap.Error(err))
	}
	return err
}

// fetchCommand takes the cycle's single command snapshot. Any failure
// yields all outputs off, never the previous command.
func (c *Controller) fetchCommand(ctx context.Context) (types.OutputCommand, error) {
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	cmd, err := exchange.FetchOrOff(ctx, c.source)
	if err != nil && !errors.Is(err, exchange.ErrNoCommand) && c.diagnosticCycle(c.counter) {
		c.logger.Warn("Output command unavailable, outputs off",
			zap.Uint64("cycle", c.counter),
			zap.Error(err))
	}
	return cmd, err
}

func (c *Controller) checkWorkingCounter(d fieldbus.DomainState) {
	state := d.State()
	if state == c.lastWC {
		return
	}

	if state == fieldbus.WCComplete {
		c.logger.Info("Domain data complete again",
			zap.Uint64("cycle", c.counter),
			zap.Uint16("working_counter", d.WorkingCounter))
	} else {
		c.logger.Warn("Domain data incomplete",
			zap.Uint64("cycle", c.counter),
			zap.String("state", state.String()),
			zap.Uint16("working_counter", d.WorkingCounter),
			zap.Uint16("expected", d.ExpectedWorkingCounter))
	}
	c.lastWC = state
}

func (c *Controller) diagnosticCycle(counter uint64) bool {
	return counter%c.opts.DiagnosticEvery == 0
}

func (c *Controller) emitDiagnostic(s State) {
	if c.opts.Console != nil {
		io.WriteString(c.opts.Console, formatDiagnostic(c.names, s))
	}
	c.logger.Debug("Cycle diagnostic",
		zap.Uint64("cycle", s.Counter),
		zap.Int32s("analog", s.Inputs.Analog),
		zap.Bools("digital", s.Inputs.Digital),
		zap.Uint16("working_counter", s.Domain.WorkingCounter))
}

func (c *Controller) record(s State, d time.Duration, publishFailed, fallback, transportFailed bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	c.stats.Cycles++
	if !s.Domain.Complete() {
		c.stats.IncompleteFrames++
	}
	if publishFailed {
		c.stats.PublishFailures++
	}
	if fallback {
		c.stats.CommandFallbacks++
	}
	if transportFailed {
		c.stats.TransportErrors++
	}
	c.stats.LastDuration = d
	if d > c.stats.MaxDuration {
		c.stats.MaxDuration = d
	}
	c.stats.Last = s
}

// Stats returns a copy of the run statistics; safe to call from any
// goroutine.
func (c *Controller) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats
}

// Counter returns the index the next cycle will carry. Only meaningful on
// the goroutine running the loop.
func (c *Controller) Counter() uint64 {
	return c.counter
}
