package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/api/rest"
	"github.com/KevinKickass/ecatmaster/internal/api/websocket"
	"github.com/KevinKickass/ecatmaster/internal/auth"
	"github.com/KevinKickass/ecatmaster/internal/calibration"
	"github.com/KevinKickass/ecatmaster/internal/config"
	"github.com/KevinKickass/ecatmaster/internal/cycle"
	"github.com/KevinKickass/ecatmaster/internal/devices"
	"github.com/KevinKickass/ecatmaster/internal/exchange"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus"
	"github.com/KevinKickass/ecatmaster/internal/fieldbus/sim"
	"github.com/KevinKickass/ecatmaster/internal/storage"
	"github.com/KevinKickass/ecatmaster/internal/system"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	configEnv     = "ECATMASTER_CONFIG"
	defaultConfig = "configs/config.yaml"

	// database inserts run behind the cycle, so they get more time
	recordTimeout = time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printMachineToken(os.Stdout); err != nil {
			log.Printf("Failed to create machine token: %v", err)
			os.Exit(system.ExitSetupFailed)
		}
		return
	}
	os.Exit(run())
}

// printMachineToken mints a machine token. The token goes to the client, the
// digest into auth.machine_token_hashes.
func printMachineToken(w io.Writer) error {
	mt, err := auth.NewMachineToken()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "token:  %s\ndigest: %s\n", mt, mt.Digest())
	return err
}

func run() int {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return system.ExitSetupFailed
	}
	defer logger.Sync()

	path := os.Getenv(configEnv)
	if path == "" {
		path = defaultConfig
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("Failed to load config", zap.String("path", path), zap.Error(err))
		return system.ExitSetupFailed
	}

	loader, err := devices.NewLoader(cfg.EtherCAT.DeviceMapPaths, logger)
	if err != nil {
		logger.Error("Failed to create device map loader", zap.Error(err))
		return system.ExitSetupFailed
	}
	deviceMap, err := loader.Load(cfg.EtherCAT.DeviceMap)
	if err != nil {
		logger.Error("Failed to load device map", zap.String("device_map", cfg.EtherCAT.DeviceMap), zap.Error(err))
		return system.ExitSetupFailed
	}

	transport, err := newTransport(cfg, deviceMap)
	if err != nil {
		logger.Error("Failed to create fieldbus transport", zap.Error(err))
		return system.ExitSetupFailed
	}

	pacer, err := cycle.NewPacer(cfg.EtherCAT.Pacing, cfg.EtherCAT.CyclePeriod)
	if err != nil {
		logger.Error("Invalid pacing", zap.Error(err))
		return system.ExitSetupFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.New()

	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		db, err = storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return system.ExitSetupFailed
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to prepare database", zap.Error(err))
			return system.ExitSetupFailed
		}
		logger.Info("Database connected successfully", zap.String("session_id", sessionID.String()))
	}

	// Inputs: in-process readers first, then the slow sinks behind a mailbox.
	snapshot := exchange.NewSnapshot()
	names := deviceMap.ChannelNames(types.ChannelAnalogInput)
	calibrator, err := calibration.NewCalibrator(names,
		calibration.NewStore(cfg.Calibration.OffsetsFile, names),
		cfg.Calibration.BufferSize, logger)
	if err != nil {
		logger.Error("Failed to create calibrator", zap.Error(err))
		return system.ExitSetupFailed
	}
	sinks := exchange.Fanout{snapshot, calibrator}

	var async []*exchange.Async
	defer func() {
		for _, a := range async {
			a.Close()
		}
	}()

	if cfg.Exchange.FileSink {
		fileSink := exchange.NewAsync("file",
			exchange.NewFileSink(cfg.Exchange.DataFile, cfg.Exchange.DigitalFile),
			cfg.Exchange.PublishTimeout, logger)
		async = append(async, fileSink)
		sinks = append(sinks, fileSink)
	}

	var history rest.History
	if db != nil {
		recorder := exchange.NewAsync("postgres",
			storage.NewRecorder(db, sessionID, cfg.Database.RecordEvery),
			recordTimeout, logger)
		async = append(async, recorder)
		sinks = append(sinks, recorder)
		history = db
	}

	// Outputs
	var store exchange.CommandStore
	switch cfg.Exchange.CommandSource {
	case "api":
		store = exchange.NewMemoryCommandStore()
	default:
		store = exchange.NewFileCommandStore(cfg.Exchange.OutputsFile)
	}
	commands := exchange.NewCommands(store, cfg.Exchange.FetchTimeout)

	var hub *websocket.Hub
	var authService *auth.AuthService
	if cfg.Server.Enabled {
		authService = auth.NewAuthService(cfg.Auth, logger)
		hub = websocket.NewHub(logger, authService)
		sinks = append(sinks, hub)
	}

	lm := system.NewLifecycleManager(transport, deviceMap, system.Options{
		SessionID:   sessionID,
		MasterIndex: cfg.EtherCAT.MasterIndex,
		Cycle: cycle.Options{
			DiagnosticEvery: cfg.EtherCAT.DiagnosticEvery,
			PublishTimeout:  cfg.Exchange.PublishTimeout,
			FetchTimeout:    cfg.Exchange.FetchTimeout,
			Console:         os.Stdout,
		},
		Pacer:           pacer,
		Sink:            sinks,
		Source:          commands.Cycle,
		GRPCPort:        cfg.Server.GRPCPort,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if cfg.Server.Enabled {
		lm.AddService(hub)
		lm.AddService(rest.NewServer(cfg, lm, logger, hub, authService, rest.Dashboard{
			Calibration: calibrator,
			Inputs:      snapshot,
			Outputs:     commands.Dashboard,
			History:     history,
		}))

		statusCh := lm.SubscribeStatus()
		defer lm.UnsubscribeStatus(statusCh)
		go func() {
			for status := range statusCh {
				hub.Broadcast(websocket.NewSystemStateMessage(status.State.String(), status.Error))
			}
		}()
	}

	if _, err := lm.Start(); err != nil {
		return system.ExitCode(err)
	}

	logger.Info("ecatmaster started",
		zap.String("device_map", deviceMap.Name),
		zap.Duration("cycle_period", cfg.EtherCAT.CyclePeriod))

	if err := lm.Run(ctx); err != nil {
		logger.Error("Cycle loop ended with error", zap.Error(err))
		return system.ExitCode(err)
	}

	logger.Info("ecatmaster stopped successfully")
	return system.ExitOK
}

func newTransport(cfg *config.Config, deviceMap *devices.DeviceMap) (fieldbus.Transport, error) {
	switch cfg.EtherCAT.Transport {
	case "sim":
		return sim.NewTransport(sim.Config{
			Masters:         cfg.EtherCAT.MasterIndex + 1,
			Slaves:          sim.SlavesFromMap(deviceMap),
			AnalogBase:      cfg.Simulation.AnalogBase,
			AnalogAmplitude: cfg.Simulation.AnalogAmplitude,
			AnalogPeriod:    cfg.Simulation.AnalogPeriod,
			IncompleteEvery: cfg.Simulation.IncompleteEvery,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.EtherCAT.Transport)
	}
}
