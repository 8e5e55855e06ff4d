package system

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/devices"
	"github.com/KevinKickass/ecatmaster/internal/exchange"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus/sim"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var errInjected = errors.New("injected")

// fakeBus records every call made against the master and its domain and
// fails the step named in failAt.
type fakeBus struct {
	mu     sync.Mutex
	calls  []string
	failAt string
	size   int
}

func (f *fakeBus) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.failAt == name {
		return errInjected
	}
	return nil
}

func (f *fakeBus) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBus) AcquireMaster(int) (fieldbus.Master, error) {
	if err := f.record("acquire"); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fakeBus) CreateDomain() (fieldbus.Domain, error) {
	if err := f.record("create_domain"); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *fakeBus) ConfigureSlave(id types.SlaveIdentity) (fieldbus.SlaveConfig, error) {
	return nil, f.record("configure")
}

func (f *fakeBus) Activate() error   { return f.record("activate") }
func (f *fakeBus) Receive() error    { return f.record("receive") }
func (f *fakeBus) Send() error       { return f.record("send") }
func (f *fakeBus) Deactivate() error { return f.record("deactivate") }
func (f *fakeBus) Release() error    { return f.record("release") }

func (f *fakeBus) RegisterEntries(mappings []types.ChannelMapping) ([]uint32, error) {
	if err := f.record("register"); err != nil {
		return nil, &fieldbus.EntryError{Mapping: mappings[0], Err: err}
	}
	offsets := make([]uint32, len(mappings))
	for i := range mappings {
		offsets[i] = uint32(i * 4)
	}
	return offsets, nil
}

func (f *fakeBus) Data() ([]byte, error) {
	if err := f.record("data"); err != nil {
		return nil, err
	}
	return make([]byte, f.size), nil
}

func (f *fakeBus) Process() (fieldbus.DomainState, error) {
	return fieldbus.DomainState{WorkingCounter: 1, ExpectedWorkingCounter: 1}, f.record("process")
}

func (f *fakeBus) Queue() error { return f.record("queue") }

func analogMap(t *testing.T) *devices.DeviceMap {
	t.Helper()
	l, err := devices.NewLoader(nil, zap.NewNop())
	assert.NilError(t, err)
	m, err := l.Load("analog")
	assert.NilError(t, err)
	return m
}

func TestStartUnwindsOnFailure(t *testing.T) {
	for _, tc := range []struct {
		failAt string
		kind   error
		step   string
		code   int
		calls  []string
	}{
		{
			failAt: "acquire", kind: ErrMasterUnavailable, step: "acquire master", code: -1,
			calls: []string{"acquire"},
		},
		{
			failAt: "create_domain", kind: ErrDomainCreation, step: "create domain", code: -2,
			calls: []string{"acquire", "create_domain", "release"},
		},
		{
			failAt: "configure", kind: ErrSlaveConfiguration, step: "configure slave", code: -2,
			calls: []string{"acquire", "create_domain", "configure", "release"},
		},
		{
			failAt: "register", kind: ErrEntryRegistration, step: "register entries", code: -2,
			calls: []string{"acquire", "create_domain", "configure", "register", "release"},
		},
		{
			failAt: "activate", kind: ErrActivation, step: "activate", code: -2,
			calls: []string{"acquire", "create_domain", "configure", "register", "activate", "release"},
		},
		{
			failAt: "data", kind: ErrImageUnavailable, step: "fetch image", code: -2,
			calls: []string{"acquire", "create_domain", "configure", "register", "activate", "data", "deactivate", "release"},
		},
	} {
		t.Run(tc.failAt, func(t *testing.T) {
			bus := &fakeBus{failAt: tc.failAt, size: 16}
			lm := NewLifecycleManager(bus, analogMap(t), Options{}, zap.NewNop())

			sess, err := lm.Start()
			assert.Assert(t, sess == nil)
			assert.Assert(t, errors.Is(err, tc.kind))
			assert.Assert(t, errors.Is(err, errInjected))

			var se *SetupError
			assert.Assert(t, errors.As(err, &se))
			assert.Equal(t, se.Step, tc.step)
			assert.Equal(t, ExitCode(err), tc.code)

			assert.DeepEqual(t, bus.Calls(), tc.calls)
			for _, c := range bus.Calls() {
				assert.Assert(t, c != "receive" && c != "send", "no cycle before activation")
			}
		})
	}
}

func TestStartFailureNamesSlaveAndEntry(t *testing.T) {
	bus := &fakeBus{failAt: "register", size: 16}
	lm := NewLifecycleManager(bus, analogMap(t), Options{}, zap.NewNop())

	_, err := lm.Start()
	var se *SetupError
	assert.Assert(t, errors.As(err, &se))
	assert.Equal(t, se.Entry, "0x6020:0x11")
	assert.Assert(t, is.Contains(se.Slave, "0:0"))
	assert.ErrorContains(t, err, "register entries [0:0")
	assert.Equal(t, lm.State(), StateReleased)
}

func TestStartRejectsShortImage(t *testing.T) {
	bus := &fakeBus{size: 8}
	lm := NewLifecycleManager(bus, analogMap(t), Options{}, zap.NewNop())

	_, err := lm.Start()
	assert.Assert(t, errors.Is(err, ErrImageUnavailable))
	assert.ErrorContains(t, err, "exceeds image")
	calls := bus.Calls()
	assert.DeepEqual(t, calls[len(calls)-2:], []string{"deactivate", "release"})
}

func TestStartIdentityMismatchOnSimulator(t *testing.T) {
	m := analogMap(t)
	slaves := sim.SlavesFromMap(m)
	slaves[0].Identity.ProductCode++
	tr := sim.NewTransport(sim.Config{Slaves: slaves})

	lm := NewLifecycleManager(tr, m, Options{}, zap.NewNop())
	_, err := lm.Start()
	assert.Assert(t, errors.Is(err, ErrSlaveConfiguration))
	assert.Assert(t, errors.Is(err, fieldbus.ErrIdentityMismatch))
	assert.Equal(t, ExitCode(err), ExitSetupFailed)

	// released: the master can be acquired again
	master, err := tr.AcquireMaster(0)
	assert.NilError(t, err)
	assert.NilError(t, master.Release())
}

func TestStartUnknownMaster(t *testing.T) {
	m := analogMap(t)
	tr := sim.NewTransport(sim.Config{Slaves: sim.SlavesFromMap(m)})
	lm := NewLifecycleManager(tr, m, Options{MasterIndex: 3}, zap.NewNop())

	_, err := lm.Start()
	assert.Equal(t, ExitCode(err), ExitMasterUnavailable)
	assert.Equal(t, lm.State(), StateUnconnected)
	assert.ErrorContains(t, err, "no such master")
}

func TestValidateTransition(t *testing.T) {
	chain := []SystemState{
		StateUnconnected, StateMasterAcquired, StateDomainCreated, StateSlavesConfigured,
		StateEntriesRegistered, StateActivated, StateRunning, StateDeactivating, StateReleased,
	}
	for i := 0; i+1 < len(chain); i++ {
		assert.NilError(t, ValidateTransition(chain[i], chain[i+1]))
	}

	assert.ErrorContains(t, ValidateTransition(StateUnconnected, StateRunning), "UNCONNECTED -> RUNNING")
	assert.ErrorContains(t, ValidateTransition(StateReleased, StateMasterAcquired), "invalid state transition")
	assert.NilError(t, ValidateTransition(StateDomainCreated, StateDeactivating))
	assert.Assert(t, !StateUnconnected.Holding())
	assert.Assert(t, StateRunning.Holding())
	assert.Assert(t, !StateReleased.Holding())
}

type countingPacer struct {
	mu    sync.Mutex
	waits int
	// cancel fires on the given wait
	cancelAt int
	cancel   context.CancelFunc
}

func (p *countingPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.waits++
	if p.waits == p.cancelAt {
		p.cancel()
	}
	p.mu.Unlock()
	return nil
}

func (p *countingPacer) Stop() {}

type fakeService struct {
	started, stopped bool
	bus              *fakeBus
}

func (s *fakeService) Start() error { s.started = true; return nil }
func (s *fakeService) Shutdown(context.Context) error {
	s.stopped = true
	s.bus.record("service_stop")
	return nil
}

func TestRunShutsDownAfterLastSend(t *testing.T) {
	bus := &fakeBus{size: 16}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pacer := &countingPacer{cancelAt: 3, cancel: cancel}

	lm := NewLifecycleManager(bus, analogMap(t), Options{Pacer: pacer, Sink: exchange.NewSnapshot()}, zap.NewNop())
	svc := &fakeService{bus: bus}
	lm.AddService(svc)

	_, err := lm.Start()
	assert.NilError(t, err)
	assert.Equal(t, lm.State(), StateActivated)

	assert.NilError(t, lm.Run(ctx))
	assert.Equal(t, lm.State(), StateReleased)
	assert.Assert(t, svc.started && svc.stopped)

	calls := bus.Calls()
	tail := calls[len(calls)-4:]
	assert.DeepEqual(t, tail, []string{"send", "service_stop", "deactivate", "release"})

	status := lm.GetCurrentStatus()
	assert.Equal(t, status.State, "RELEASED")
	assert.Equal(t, status.Cycles, uint64(3))
	assert.Equal(t, status.ChannelCount, 4)

	// idempotent
	n := len(bus.Calls())
	assert.NilError(t, lm.Shutdown(context.Background()))
	assert.Equal(t, len(bus.Calls()), n)
}

func TestRunRequiresActivation(t *testing.T) {
	lm := NewLifecycleManager(&fakeBus{}, analogMap(t), Options{}, zap.NewNop())
	assert.ErrorContains(t, lm.Run(context.Background()), "system is UNCONNECTED")
}

func TestShutdownWithoutRun(t *testing.T) {
	bus := &fakeBus{size: 16}
	lm := NewLifecycleManager(bus, analogMap(t), Options{}, zap.NewNop())
	_, err := lm.Start()
	assert.NilError(t, err)

	assert.NilError(t, lm.Shutdown(context.Background()))
	assert.NilError(t, lm.Shutdown(context.Background()))

	n := 0
	for _, c := range bus.Calls() {
		if c == "release" {
			n++
		}
	}
	assert.Equal(t, n, 1)
}

func TestHealthFollowsState(t *testing.T) {
	bus := &fakeBus{size: 16}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lm *LifecycleManager
	var during healthpb.HealthCheckResponse_ServingStatus
	pacer := &countingPacer{cancelAt: 1, cancel: func() {
		resp, err := lm.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
		if err == nil {
			during = resp.Status
		}
		cancel()
	}}
	lm = NewLifecycleManager(bus, analogMap(t), Options{Pacer: pacer}, zap.NewNop())

	resp, err := lm.Health().Check(context.Background(), &healthpb.HealthCheckRequest{})
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, healthpb.HealthCheckResponse_NOT_SERVING)

	_, err = lm.Start()
	assert.NilError(t, err)
	assert.NilError(t, lm.Run(ctx))
	assert.Equal(t, during, healthpb.HealthCheckResponse_SERVING)

	resp, err = lm.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	assert.NilError(t, err)
	assert.Equal(t, resp.Status, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestStatusSubscription(t *testing.T) {
	lm := NewLifecycleManager(&fakeBus{size: 16}, analogMap(t), Options{}, zap.NewNop())
	ch := lm.SubscribeStatus()

	_, err := lm.Start()
	assert.NilError(t, err)

	var last SystemStatus
	timeout := time.After(time.Second)
	for last.State != StateActivated {
		select {
		case last = <-ch:
		case <-timeout:
			t.Fatal("no ACTIVATED status received")
		}
	}

	lm.UnsubscribeStatus(ch)
	for range ch {
	}
	_, open := <-ch
	assert.Assert(t, !open)
}
