package exchange

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("1,0,1,0,0,0,0,1\n")
	assert.NilError(t, err)
	assert.DeepEqual(t, cmd, types.OutputCommand{true, false, true, false, false, false, false, true})

	cmd, err = ParseCommand(" 0, 1,0,0,0,0,0,0 ")
	assert.NilError(t, err)
	assert.Assert(t, cmd[1])
}

func TestParseCommandMalformed(t *testing.T) {
	for _, line := range []string{"", "1,0,1", "1,0,1,0,0,0,0,1,1", "1,0,2,0,0,0,0,1", "a,b,c,d,e,f,g,h", "1;0;1;0;0;0;0;1"} {
		cmd, err := ParseCommand(line)
		assert.Assert(t, errors.Is(err, ErrMalformed), "line %q", line)
		assert.Equal(t, cmd, types.AllOff, "line %q", line)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, FormatAnalog([]int32{1, -2, 30000, -2147483648}), "1,-2,30000,-2147483648\n")
	assert.Equal(t, FormatFlags([]bool{true, false, true}), "1,0,1\n")

	values, err := ParseAnalog("1234,-1234,0,7\n")
	assert.NilError(t, err)
	assert.DeepEqual(t, values, []int32{1234, -1234, 0, 7})
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data.txt")
	digital := filepath.Join(dir, "digital.txt")
	sink := NewFileSink(data, digital)

	err := sink.Publish(context.Background(), types.InputRecord{Analog: []int32{1234, -1234, 0, 1}})
	assert.NilError(t, err)

	content, err := os.ReadFile(data)
	assert.NilError(t, err)
	assert.Equal(t, string(content), "1234,-1234,0,1\n")

	_, err = os.Stat(digital)
	assert.Assert(t, os.IsNotExist(err), "no digital inputs, no digital file")

	flags := []bool{true, false, false, false, true, true, false, true}
	err = sink.Publish(context.Background(), types.InputRecord{Analog: []int32{1, 2, 3, 4}, Digital: flags})
	assert.NilError(t, err)

	content, err = os.ReadFile(digital)
	assert.NilError(t, err)
	assert.Equal(t, string(content), "1,0,0,0,1,1,0,1\n")

	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 2, "temporary files must not be left behind")
}

func TestFileCommandStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.txt")
	store := NewFileCommandStore(path)
	ctx := context.Background()

	_, err := store.Fetch(ctx)
	assert.Assert(t, errors.Is(err, ErrNoCommand))

	want := types.OutputCommand{true, false, true, false, false, false, false, true}
	assert.NilError(t, store.Store(ctx, want))

	content, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(content), "1,0,1,0,0,0,0,1\n")

	got, err := store.Fetch(ctx)
	assert.NilError(t, err)
	assert.Equal(t, got, want)

	assert.NilError(t, os.WriteFile(path, []byte("1,0,1\n"), 0o644))
	got, err = store.Fetch(ctx)
	assert.Assert(t, errors.Is(err, ErrMalformed))
	assert.Equal(t, got, types.AllOff)
}

func TestSnapshotIsolatesRecords(t *testing.T) {
	s := NewSnapshot()
	_, ok := s.Latest()
	assert.Assert(t, !ok)

	rec := types.InputRecord{Cycle: 7, Analog: []int32{1, 2, 3, 4}, Digital: make([]bool, 8)}
	assert.NilError(t, s.Publish(context.Background(), rec))
	rec.Analog[0] = 99

	got, ok := s.Latest()
	assert.Assert(t, ok)
	assert.Equal(t, got.Cycle, uint64(7))
	assert.Equal(t, got.Analog[0], int32(1))
}

func TestMemoryCommandStore(t *testing.T) {
	s := NewMemoryCommandStore()
	_, err := s.Fetch(context.Background())
	assert.Assert(t, errors.Is(err, ErrNoCommand))

	cmd := types.OutputCommand{false, true}
	assert.NilError(t, s.Store(context.Background(), cmd))
	got, err := s.Fetch(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, got, cmd)
}

func TestFetchOrOff(t *testing.T) {
	cmd, err := FetchOrOff(context.Background(), nil)
	assert.Equal(t, cmd, types.AllOff)
	assert.Assert(t, errors.Is(err, ErrNoCommand))
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var delivered int
	ok := SinkFunc(func(context.Context, types.InputRecord) error { delivered++; return nil })
	bad := SinkFunc(func(context.Context, types.InputRecord) error { return boom })

	err := Fanout{bad, ok, ok}.Publish(context.Background(), types.InputRecord{})
	assert.Assert(t, errors.Is(err, boom))
	assert.Equal(t, delivered, 2)
}

type blockingSink struct {
	mu      sync.Mutex
	release chan struct{}
	got     []uint64
}

func (b *blockingSink) Publish(ctx context.Context, rec types.InputRecord) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, rec.Cycle)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) delivered() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.got...)
}

func TestAsyncNeverBlocksAndKeepsNewest(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	a := NewAsync("test", sink, time.Second, zap.NewNop())
	defer a.Close()

	ctx := context.Background()
	assert.NilError(t, a.Publish(ctx, types.InputRecord{Cycle: 1}))
	// Cycle 1 is picked up by the worker, which blocks in the sink.
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(a.mailbox) == 0 {
			return poll.Success()
		}
		return poll.Continue("worker has not picked up cycle 1")
	}, poll.WithTimeout(time.Second))

	for cycle := uint64(2); cycle <= 5; cycle++ {
		assert.NilError(t, a.Publish(ctx, types.InputRecord{Cycle: cycle}))
	}
	assert.Equal(t, a.Replaced(), uint64(3))

	close(sink.release)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(sink.delivered()) == 2 {
			return poll.Success()
		}
		return poll.Continue("delivered %v", sink.delivered())
	}, poll.WithTimeout(time.Second))
	assert.DeepEqual(t, sink.delivered(), []uint64{1, 5})
}

func TestAsyncClosed(t *testing.T) {
	a := NewAsync("test", SinkFunc(func(context.Context, types.InputRecord) error { return nil }), 0, zap.NewNop())
	assert.NilError(t, a.Close())
	assert.NilError(t, a.Close())
	assert.Assert(t, errors.Is(a.Publish(context.Background(), types.InputRecord{}), ErrClosed))
}

type slowSource struct {
	delay time.Duration
	calls int
	mu    sync.Mutex
}

func (s *slowSource) Fetch(ctx context.Context) (types.OutputCommand, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-time.After(s.delay):
		return types.OutputCommand{true, true, true, true, true, true, true, true}, nil
	case <-ctx.Done():
		return types.AllOff, ctx.Err()
	}
}

func TestBoundedTimesOut(t *testing.T) {
	src := &slowSource{delay: time.Hour}
	b := NewBounded(src, 20*time.Millisecond)

	start := time.Now()
	cmd, err := b.Fetch(context.Background())
	assert.Assert(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, cmd, types.AllOff)
	assert.Assert(t, time.Since(start) < time.Second)
}

func TestBoundedPassesThrough(t *testing.T) {
	b := NewBounded(&slowSource{}, time.Second)
	cmd, err := b.Fetch(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, cmd[7])
}
