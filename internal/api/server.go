package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/detectrelay/detectrelay/internal/pipeline"
	"github.com/detectrelay/detectrelay/internal/progress"
	"github.com/detectrelay/detectrelay/internal/transcode"
)

// Processor runs jobs and reports the ones in flight.
type Processor interface {
	Run(ctx context.Context, req pipeline.Request, out pipeline.Output) error
	Active() []pipeline.Snapshot
}

type Server struct {
	httpServer *http.Server
	hub        *wsHub
	logger     *slog.Logger
}

type ServerConfig struct {
	BindAddress    string
	Port           int
	Processor      Processor
	Bus            *progress.Bus
	Probe          *transcode.CachedProbe
	Uploads        UploadLimits
	AllowedOrigins []string
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	hub := newWSHub()
	router := newRouter(cfg, hub)

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       60 * time.Second,
		},
		hub:    hub,
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes progress sockets and waits for
// in-flight jobs until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.hub.closeAll()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
