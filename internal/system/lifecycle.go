package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/cycle"
	"github.com/KevinKickass/ecatmaster/internal/devices"
	"github.com/KevinKickass/ecatmaster/internal/exchange"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/interfaces"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name that follows the master
// state. The empty name reports the same status.
const HealthService = "ecatmaster.Master"

// ErrLoopRunning is returned by Shutdown while the cycle loop still owns the
// process image; cancel the Run context instead.
var ErrLoopRunning = errors.New("cycle loop still running")

// Service is an auxiliary server started with the cycle loop and stopped
// before the master is deactivated.
type Service interface {
	Start() error
	Shutdown(ctx context.Context) error
}

type Options struct {
	// SessionID tags everything recorded during this run; zero picks a
	// random one.
	SessionID   uuid.UUID
	MasterIndex int
	Cycle       cycle.Options
	// Pacer defaults to a 100ms SleepPacer.
	Pacer  cycle.Pacer
	Sink   exchange.Sink
	Source exchange.Source
	// GRPCPort serves the health service; 0 disables the listener.
	GRPCPort        int
	ShutdownTimeout time.Duration
}

// Session is the connection owned between a successful Start and the
// teardown: master handle, domain, borrowed image and resolved layout.
type Session struct {
	ID     uuid.UUID
	Master fieldbus.Master
	Domain fieldbus.Domain
	Image  []byte
	Layout *devices.Layout

	activated bool
}

func (s *Session) Bus() cycle.Bus {
	return cycle.Bus{Master: s.Master, Domain: s.Domain, Image: s.Image, Layout: s.Layout}
}

type LifecycleManager struct {
	transport fieldbus.Transport
	deviceMap *devices.DeviceMap
	opts      Options
	logger    *zap.Logger

	services   []Service
	started    []Service
	grpcServer *grpc.Server
	health     *health.Server

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error
	session      *Session
	controller   *cycle.Controller
	startedAt    time.Time
	looping      bool

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewLifecycleManager(transport fieldbus.Transport, deviceMap *devices.DeviceMap, opts Options, logger *zap.Logger) *LifecycleManager {
	if opts.Pacer == nil {
		opts.Pacer = cycle.SleepPacer{Period: 100 * time.Millisecond}
	}
	if opts.SessionID == uuid.Nil {
		opts.SessionID = uuid.New()
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	lm := &LifecycleManager{
		transport:    transport,
		deviceMap:    deviceMap,
		opts:         opts,
		logger:       logger,
		health:       health.NewServer(),
		currentState: StateUnconnected,
	}
	lm.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
	return lm
}

// AddService registers a server to run alongside the cycle loop. Services
// start in registration order and stop in reverse.
func (lm *LifecycleManager) AddService(svc Service) {
	lm.services = append(lm.services, svc)
}

// Start brings the bus up to ACTIVATED. On failure everything acquired so
// far is released again and the error is a *SetupError.
func (lm *LifecycleManager) Start() (*Session, error) {
	if s := lm.State(); s != StateUnconnected {
		return nil, fmt.Errorf("cannot start: system is %s", s)
	}

	lm.logger.Info("Starting EtherCAT master",
		zap.Int("master_index", lm.opts.MasterIndex),
		zap.String("device_map", lm.deviceMap.Name),
		zap.Int("slaves", len(lm.deviceMap.Slaves)))

	master, err := lm.transport.AcquireMaster(lm.opts.MasterIndex)
	if err != nil {
		setupErr := &SetupError{Step: "acquire master", Kind: ErrMasterUnavailable, Err: err}
		lm.fail(setupErr)
		return nil, setupErr
	}

	sess := &Session{ID: lm.opts.SessionID, Master: master}
	lm.stateMu.Lock()
	lm.session = sess
	lm.stateMu.Unlock()
	lm.transition(StateMasterAcquired)

	if err := lm.setup(sess); err != nil {
		lm.fail(err)
		if unwindErr := lm.teardown(sess); unwindErr != nil {
			lm.logger.Error("Unwinding failed setup", zap.Error(unwindErr))
		}
		return nil, err
	}

	lm.logger.Info("EtherCAT master activated",
		zap.String("session_id", sess.ID.String()),
		zap.Int("image_bytes", len(sess.Image)),
		zap.Int("channels", len(sess.Layout.Channels())))

	return sess, nil
}

func (lm *LifecycleManager) setup(sess *Session) error {
	domain, err := sess.Master.CreateDomain()
	if err != nil {
		return &SetupError{Step: "create domain", Kind: ErrDomainCreation, Err: err}
	}
	sess.Domain = domain
	lm.transition(StateDomainCreated)

	for _, id := range lm.deviceMap.Identities() {
		if _, err := sess.Master.ConfigureSlave(id); err != nil {
			return &SetupError{Step: "configure slave", Slave: id.String(), Kind: ErrSlaveConfiguration, Err: err}
		}
		lm.logger.Debug("Slave configured", zap.Stringer("slave", id))
	}
	lm.transition(StateSlavesConfigured)

	mappings := lm.deviceMap.Mappings()
	offsets, err := domain.RegisterEntries(mappings)
	if err != nil {
		setupErr := &SetupError{Step: "register entries", Kind: ErrEntryRegistration, Err: err}
		var entryErr *fieldbus.EntryError
		if errors.As(err, &entryErr) {
			setupErr.Slave = entryErr.Mapping.Slave.String()
			setupErr.Entry = entryErr.Mapping.Entry()
		}
		return setupErr
	}
	if len(offsets) != len(mappings) {
		return &SetupError{Step: "register entries", Kind: ErrEntryRegistration,
			Err: fmt.Errorf("got %d offsets for %d entries", len(offsets), len(mappings))}
	}

	resolved := make([]types.ChannelMapping, len(mappings))
	for i, m := range mappings {
		resolved[i] = m.Resolve(offsets[i])
	}
	layout, err := devices.NewLayout(resolved)
	if err != nil {
		return &SetupError{Step: "register entries", Kind: ErrEntryRegistration, Err: err}
	}
	sess.Layout = layout
	lm.transition(StateEntriesRegistered)

	if err := sess.Master.Activate(); err != nil {
		return &SetupError{Step: "activate", Kind: ErrActivation, Err: err}
	}
	sess.activated = true
	lm.transition(StateActivated)

	img, err := domain.Data()
	if err != nil {
		return &SetupError{Step: "fetch image", Kind: ErrImageUnavailable, Err: err}
	}
	if err := layout.CheckBounds(len(img)); err != nil {
		return &SetupError{Step: "fetch image", Kind: ErrImageUnavailable, Err: err}
	}
	sess.Image = img

	return nil
}

// Run starts the auxiliary services, runs the cycle loop until ctx is
// cancelled and tears the connection down afterwards.
func (lm *LifecycleManager) Run(ctx context.Context) error {
	lm.stateMu.Lock()
	sess := lm.session
	if lm.currentState != StateActivated || sess == nil {
		state := lm.currentState
		lm.stateMu.Unlock()
		return fmt.Errorf("cannot run: system is %s", state)
	}
	lm.stateMu.Unlock()

	ctrl, err := cycle.NewController(sess.Bus(), lm.opts.Sink, lm.opts.Source, lm.opts.Cycle, lm.logger)
	if err != nil {
		lm.fail(err)
		return errors.Join(err, lm.Shutdown(context.WithoutCancel(ctx)))
	}

	if err := lm.startServices(); err != nil {
		lm.fail(err)
		return errors.Join(err, lm.Shutdown(context.WithoutCancel(ctx)))
	}

	lm.stateMu.Lock()
	lm.controller = ctrl
	lm.startedAt = time.Now()
	lm.looping = true
	lm.stateMu.Unlock()
	lm.transition(StateRunning)

	ctrl.Run(ctx, lm.opts.Pacer)

	lm.stateMu.Lock()
	lm.looping = false
	lm.stateMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lm.opts.ShutdownTimeout)
	defer cancel()

	return lm.Shutdown(shutdownCtx)
}

func (lm *LifecycleManager) startServices() error {
	if lm.opts.GRPCPort > 0 {
		if err := lm.startGRPCServer(); err != nil {
			return fmt.Errorf("failed to start gRPC: %w", err)
		}
	}

	for _, svc := range lm.services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		lm.started = append(lm.started, svc)
	}
	return nil
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.opts.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.Int("port", lm.opts.GRPCPort),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops the auxiliary services, deactivates the master if it was
// activated and releases it. Safe to call more than once; later calls return
// the first result.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	lm.stateMu.RLock()
	looping := lm.looping
	lm.stateMu.RUnlock()
	if looping {
		return ErrLoopRunning
	}

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down EtherCAT master")
		lm.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)

		var errs []error
		if err := lm.stopServices(ctx); err != nil {
			errs = append(errs, err)
		}

		lm.stateMu.RLock()
		sess := lm.session
		holding := lm.currentState.Holding()
		lm.stateMu.RUnlock()

		if sess != nil && holding {
			if err := lm.teardown(sess); err != nil {
				errs = append(errs, err)
			}
		}

		lm.shutdownErr = errors.Join(errs...)
		lm.logger.Info("Shutdown completed")
	})

	return lm.shutdownErr
}

func (lm *LifecycleManager) stopServices(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(lm.started))

	for i := len(lm.started) - 1; i >= 0; i-- {
		svc := lm.started[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Shutdown(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	if lm.grpcServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.logger.Info("Stopping gRPC server")
			lm.grpcServer.GracefulStop()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		if lm.grpcServer != nil {
			lm.grpcServer.Stop()
		}
		return fmt.Errorf("shutdown timeout exceeded")
	}

	close(errChan)
	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// teardown deactivates only an activated master and always releases it.
func (lm *LifecycleManager) teardown(sess *Session) error {
	lm.transition(StateDeactivating)

	var errs []error
	if sess.activated {
		if err := sess.Master.Deactivate(); err != nil {
			errs = append(errs, fmt.Errorf("deactivate: %w", err))
		}
		sess.activated = false
	}
	// The image is invalid from here on.
	sess.Image = nil

	if err := sess.Master.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}
	lm.transition(StateReleased)

	return errors.Join(errs...)
}

func (lm *LifecycleManager) transition(to SystemState) {
	lm.stateMu.Lock()
	from := lm.currentState
	if err := ValidateTransition(from, to); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Error("Rejected state change", zap.Error(err))
		return
	}
	lm.currentState = to
	lm.stateMu.Unlock()

	lm.logger.Debug("State changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))

	if to == StateRunning {
		lm.setHealth(healthpb.HealthCheckResponse_SERVING)
	} else {
		lm.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	lm.broadcastStatus()
}

func (lm *LifecycleManager) fail(err error) {
	lm.stateMu.Lock()
	lm.lastErr = err
	lm.stateMu.Unlock()

	fields := []zap.Field{zap.Error(err)}
	var se *SetupError
	if errors.As(err, &se) {
		fields = append(fields, zap.String("step", se.Step))
		if se.Slave != "" {
			fields = append(fields, zap.String("slave", se.Slave))
		}
		if se.Entry != "" {
			fields = append(fields, zap.String("entry", se.Entry))
		}
	}
	lm.logger.Error("Startup failed", fields...)
	lm.broadcastStatus()
}

func (lm *LifecycleManager) setHealth(status healthpb.HealthCheckResponse_ServingStatus) {
	lm.health.SetServingStatus("", status)
	lm.health.SetServingStatus(HealthService, status)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// Health exposes the gRPC health implementation, mostly for tests.
func (lm *LifecycleManager) Health() healthpb.HealthServer {
	return lm.health
}

// GetCurrentStatus returns current master status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:      lm.currentState.String(),
		DeviceMap:  lm.deviceMap.Name,
		SlaveCount: len(lm.deviceMap.Slaves),
	}
	if lm.session != nil {
		status.SessionID = lm.session.ID.String()
		if lm.session.Layout != nil {
			status.ChannelCount = len(lm.session.Layout.Channels())
		}
	}
	if lm.controller != nil {
		stats := lm.controller.Stats()
		status.Cycles = stats.Cycles
		status.IncompleteFrames = stats.IncompleteFrames
		status.TransportErrors = stats.TransportErrors
		status.PublishFailures = stats.PublishFailures
		status.CommandFallbacks = stats.CommandFallbacks
		status.LastCycleMicros = stats.LastDuration.Microseconds()
		status.MaxCycleMicros = stats.MaxDuration.Microseconds()
		status.StartedAt = lm.startedAt.Unix()
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.stateMu.RLock()
	status := newStatus(lm.currentState, lm.lastErr)
	lm.stateMu.RUnlock()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to state changes
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 16)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from state changes
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}
