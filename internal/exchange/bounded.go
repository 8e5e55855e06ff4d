package exchange

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/types"
)

type fetchResult struct {
	cmd types.OutputCommand
	err error
}

// Bounded limits how long a Fetch may take. At most one fetch of the wrapped
// source runs at a time; while one is still outstanding further calls fail
// immediately with ErrUnavailable.
type Bounded struct {
	src      Source
	timeout  time.Duration
	inflight atomic.Bool
}

func NewBounded(src Source, timeout time.Duration) *Bounded {
	return &Bounded{src: src, timeout: timeout}
}

func (b *Bounded) Fetch(ctx context.Context) (types.OutputCommand, error) {
	if !b.inflight.CompareAndSwap(false, true) {
		return types.AllOff, fmt.Errorf("%w: previous fetch still running", ErrUnavailable)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, b.timeout)
	done := make(chan fetchResult, 1)

	go func() {
		defer b.inflight.Store(false)
		defer cancel()
		cmd, err := b.src.Fetch(fetchCtx)
		done <- fetchResult{cmd: cmd, err: err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return types.AllOff, r.err
		}
		return r.cmd, nil
	case <-timer.C:
		return types.AllOff, fmt.Errorf("%w: no answer within %s", ErrUnavailable, b.timeout)
	}
}
