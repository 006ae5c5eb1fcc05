// Package api provides the HTTP REST API and WebSocket server for Kumo Core.
//
// It exposes device snapshots, command submission, command history, and
// system management endpoints, plus a WebSocket feed of live snapshot
// publications from the coordinator.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openkumo/kumo-core/internal/coordinator"
	"github.com/openkumo/kumo-core/internal/infrastructure/config"
	"github.com/openkumo/kumo-core/internal/infrastructure/database"
	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
	"github.com/openkumo/kumo-core/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Coordinator *coordinator.Coordinator
	MQTT        *mqtt.Client // optional, metrics only
	DB          *database.DB // optional, metrics only
	Version     string
}

// Server is the HTTP API server for Kumo Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	coordinator *coordinator.Coordinator
	mqtt        *mqtt.Client
	db          *database.DB
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	tickets     *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		coordinator: deps.Coordinator,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It creates the WebSocket hub, bridges coordinator snapshot publications
// into it, and launches the HTTP listener in a background goroutine. The
// server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Periodic ticket cleanup to prevent memory leaks
	go s.tickets.cleanLoop(srvCtx)

	// Relay coordinator snapshot publications to WebSocket subscribers
	go s.bridgeSnapshots(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// bridgeSnapshots forwards snapshot publications from the coordinator to
// WebSocket clients subscribed to the "snapshot" channel. It runs until
// the server context is cancelled.
func (s *Server) bridgeSnapshots(ctx context.Context) {
	snapshots, cancel := s.coordinator.Subscribe(snapshotSubscribeBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			s.hub.Broadcast(wsChannelSnapshot, snap)
		}
	}
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, snapshot bridge, ticket cleanup)
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

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
