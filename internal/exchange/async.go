package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("sink closed")

// Async decouples a slow sink from the cycle. Publish never blocks: the
// record lands in a one-slot mailbox, replacing any record the worker has not
// picked up yet.
type Async struct {
	name    string
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger

	mailbox chan types.InputRecord
	stop    chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	replaced  atomic.Uint64
	failed    atomic.Uint64
}

func NewAsync(name string, sink Sink, timeout time.Duration, logger *zap.Logger) *Async {
	a := &Async{
		name:    name,
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		mailbox: make(chan types.InputRecord, 1),
		stop:    make(chan struct{}),
	}

	a.wg.Add(1)
	go a.run()

	return a
}

func (a *Async) Publish(_ context.Context, rec types.InputRecord) error {
	if a.closed.Load() {
		return ErrClosed
	}

	rec = rec.Clone()
	select {
	case a.mailbox <- rec:
		return nil
	default:
	}

	// Mailbox full: drop the stale record, keep the newest.
	select {
	case <-a.mailbox:
		a.replaced.Add(1)
	default:
	}
	select {
	case a.mailbox <- rec:
	default:
		a.replaced.Add(1)
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()

	for {
		select {
		case <-a.stop:
			return
		case rec := <-a.mailbox:
			a.deliver(rec)
		}
	}
}

func (a *Async) deliver(rec types.InputRecord) {
	ctx := context.Background()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.sink.Publish(ctx, rec); err != nil {
		// Log the first failure and then every hundredth.
		if n := a.failed.Add(1); n == 1 || n%100 == 0 {
			a.logger.Warn("Sink publish failed",
				zap.String("sink", a.name),
				zap.Uint64("cycle", rec.Cycle),
				zap.Uint64("failures", n),
				zap.Error(err))
		}
	}
}

// Replaced returns how many records were overwritten before delivery.
func (a *Async) Replaced() uint64 {
	return a.replaced.Load()
}

// Failed returns how many deliveries the wrapped sink rejected.
func (a *Async) Failed() uint64 {
	return a.failed.Load()
}

// Close stops the worker. A record still in the mailbox is discarded.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.stop)
		a.wg.Wait()
	})
	return nil
}
