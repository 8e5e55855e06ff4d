package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/api/websocket"
	"github.com/KevinKickass/ecatmaster/internal/auth"
	"github.com/KevinKickass/ecatmaster/internal/calibration"
	"github.com/KevinKickass/ecatmaster/internal/config"
	"github.com/KevinKickass/ecatmaster/internal/exchange"
	"github.com/KevinKickass/ecatmaster/internal/interfaces"
	"github.com/KevinKickass/ecatmaster/internal/storage"
	"github.com/KevinKickass/ecatmaster/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Version is reported by /api/version.
const Version = "1.5.0"

type Calibration interface {
	Readings() ([]calibration.Reading, time.Time, error)
	Calibrate() (calibration.Offsets, error)
	Reset() (calibration.Offsets, error)
}

type InputSnapshot interface {
	Latest() (types.InputRecord, bool)
}

type History interface {
	RecentSamples(ctx context.Context, sessionID uuid.UUID, limit int) ([]storage.Sample, error)
}

// Dashboard is what the bench dashboard reads and writes. History is
// optional.
type Dashboard struct {
	Calibration Calibration
	Inputs      InputSnapshot
	Outputs     exchange.CommandStore
	History     History
}

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	dash        Dashboard

	// serializes read-modify-write of the output command
	outputsMu sync.Mutex
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService, dash Dashboard) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		dash:        dash,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	authenticated := s.authService.AuthMiddleware()

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	// Bench dashboard
	api := s.router.Group("/api")
	{
		api.GET("/version", s.version)
		api.GET("/data", s.getData)
		api.GET("/digital", s.getDigital)
		api.GET("/outputs", s.getOutputs)

		api.POST("/outputs", authenticated, auth.RequirePermission(auth.PermOperator), s.setOutput)
		api.POST("/outputs/all", authenticated, auth.RequirePermission(auth.PermOperator), s.setAllOutputs)

		api.POST("/calibrate", authenticated, auth.RequirePermission(auth.PermTechnician), s.calibrate)
		api.POST("/reset_calibration", authenticated, auth.RequirePermission(auth.PermTechnician), s.resetCalibration)
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ENDPOINTS (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		// ==================== SYSTEM (OPERATOR+) ====================
		system := v1.Group("/system")
		system.Use(authenticated)
		system.Use(auth.RequirePermission(auth.PermOperator))
		{
			system.GET("/status", s.getSystemStatus)
		}

		if s.dash.History != nil {
			v1.GET("/history", authenticated, auth.RequirePermission(auth.PermOperator), s.getHistory)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.GetCurrentStatus().State,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}
