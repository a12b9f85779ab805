package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/domintell-bridge/internal/accessory"
	"github.com/nerrad567/domintell-bridge/internal/audit"
	"github.com/nerrad567/domintell-bridge/internal/bridges/domintell"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/config"
	"github.com/nerrad567/domintell-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BridgeService is the part of the Domintell bridge the admin API uses.
// Satisfied by *domintell.Bridge.
type BridgeService interface {
	RequestAppInfo(ctx context.Context) error
	CoverState(ctx context.Context, identifier string) (domintell.CoverSnapshot, error)
	SessionState() domintell.State
	Stats() domintell.BridgeStats
}

// AccessoryStore lists the host accessory cache. Satisfied by *accessory.Registry.
type AccessoryStore interface {
	List() []accessory.Accessory
	Get(identifier string) (*accessory.Accessory, error)
	Count() int
}

// ConnectionStatus reports whether a backing connection is up.
// Satisfied by *mqtt.Client.
type ConnectionStatus interface {
	IsConnected() bool
}

// DatabaseStatus reports SQLite health. Satisfied by *database.DB.
type DatabaseStatus interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// AuditLog lists audited set requests. Satisfied by *audit.Recorder.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Bridge      BridgeService
	Accessories AccessoryStore
	MQTT        ConnectionStatus // optional
	DB          DatabaseStatus   // optional
	Audit       AuditLog         // optional
	Version     string
}

// Server is the admin HTTP server of the bridge.
//
// It serves GET /appinfo, read-only diagnostics under /api/v1 and the
// accessory change stream over WebSocket.
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	bridge      BridgeService
	accessories AccessoryStore
	mqtt        ConnectionStatus
	db          DatabaseStatus
	audit       AuditLog
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The hub is created here so accessory changes can be wired to it before
// Start is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if deps.Accessories == nil {
		return nil, fmt.Errorf("accessory store is required")
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		bridge:      deps.Bridge,
		accessories: deps.Accessories,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		audit:       deps.Audit,
		version:     deps.Version,
		startTime:   time.Now(),
		hub:         NewHub(deps.WS, deps.Logger),
	}, nil
}

// Hub returns the WebSocket hub used for the change stream.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	read, write, idle := s.cfg.Timeouts.Durations()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
