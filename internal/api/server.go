// Package api serves the daemon's status surface over HTTP: health,
// capture/sink/tracker status, the live resource ledger, the log ring
// and Prometheus metrics. The surface is read-only; the daemon is
// driven by its config file, not by this API.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/smazurov/glowgrab/internal/capture"
	"github.com/smazurov/glowgrab/internal/events"
	"github.com/smazurov/glowgrab/internal/logging"
	"github.com/smazurov/glowgrab/internal/sink"
	"github.com/smazurov/glowgrab/internal/sysmon"
	"github.com/smazurov/glowgrab/internal/tracker"
	"github.com/smazurov/glowgrab/internal/version"
)

// CaptureSource is the capture engine's view for the status endpoint.
type CaptureSource interface {
	Status() capture.Status
}

// SinkSource is the sink manager's view for the status endpoint.
type SinkSource interface {
	Stats() sink.Stats
}

// TrackerSource is the resource ledger's view for the status and
// tracker endpoints.
type TrackerSource interface {
	Snapshot() tracker.Snapshot
	Entries() []tracker.DumpEntry
}

// MonitorSource is the system monitor's view for the status endpoint.
type MonitorSource interface {
	Status() sysmon.Status
}

// Options wires the daemon's live components into the API server.
// A nil source leaves its status section empty instead of failing
// the endpoint.
type Options struct {
	Capture CaptureSource
	Sink    SinkSource
	Tracker TrackerSource
	Monitor MonitorSource
	Bus     *events.Bus
	Metrics http.Handler // Prometheus handler; nil disables /metrics
}

// Server is the Huma v2 API server over Go 1.22+ native routing.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	opts       *Options
	recent     *statusCache
	logger     *slog.Logger
}

// NewServer builds the API server and registers all routes.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()

	// Preflight handler for all OPTIONS requests
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("Glowgrab API", version.String())
	config.Info.Description = "Status and diagnostics for the DRM framebuffer capture daemon"
	// Empty servers list makes OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}

	api := humago.New(mux, config)

	server := &Server{
		api:    api,
		mux:    mux,
		opts:   opts,
		recent: newStatusCache(opts.Bus),
		logger: logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)

	// Registered straight on the mux; promhttp does its own encoding.
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	server.registerRoutes()

	return server
}

// GetMux returns the underlying HTTP ServeMux for additional setup.
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// Start runs the HTTP server on the given address. Blocks until the
// server stops.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down without waiting for open connections.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	s.recent.close()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}

	return nil
}

// HealthBody reports liveness and build identity.
type HealthBody struct {
	Status  string       `json:"status" example:"ok" doc:"Daemon liveness"`
	Version version.Info `json:"version" doc:"Build information"`
}

// HealthResponse wraps HealthBody for Huma.
type HealthResponse struct {
	Body HealthBody
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check daemon liveness and build information",
		Tags:        []string{"health"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{
			Body: HealthBody{
				Status:  "ok",
				Version: version.Get(),
			},
		}, nil
	})

	s.registerStatusRoutes()
	s.registerDiagnosticsRoutes()
}
