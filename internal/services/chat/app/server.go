// Package server hosts the chat HTTP process: the push channel on /ws, the
// history endpoint under /v1/rooms, health on /up, and metrics on /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/wayfarer/internal/platform/pagination"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/gateway"
	"github.com/louisbranch/wayfarer/internal/services/chat/history"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/metrics"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// Config defines the inputs for the chat process.
type Config struct {
	HTTPAddr string

	StoreDriver string
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
	PostgresURL string

	DirectoryFile string
	DirectoryAddr string

	AuthBaseURL        string
	AuthResourceSecret string
	GrantSecret        string
	GrantIssuer        string
	InsecureAuth       bool

	HistoryPageSize    int
	HistoryMaxPageSize int
	ReplayLimit        int
	LivenessTimeout    time.Duration
	MetricsEnabled     bool

	GRPCDialTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	gateway         *gateway.Gateway
	store           storage.MessageStore
	closers         []func() error
}

// Deps are the services behind the chat routes.
type Deps struct {
	Gateway       *gateway.Gateway
	History       *history.Service
	Authenticator identity.Authenticator
	Metrics       *metrics.Metrics
	Logf          func(string, ...any)
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit
// context for collaborator dials.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.GRPCDialTimeout <= 0 {
		config.GRPCDialTimeout = timeouts.GRPCDial
	}

	srv := &Server{httpAddr: httpAddr, shutdownTimeout: config.ShutdownTimeout}
	provider, err := newIdentity(config)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, config)
	if err != nil {
		return nil, err
	}
	srv.store = store
	srv.closers = append(srv.closers, store.Close)

	dir, closeDir, err := openDirectory(ctx, config)
	if err != nil {
		srv.Close()
		return nil, err
	}
	if closeDir != nil {
		srv.closers = append(srv.closers, closeDir)
	}

	var m *metrics.Metrics
	var observer gateway.Observer
	if config.MetricsEnabled {
		m = metrics.New()
		observer = m
	}
	gw, err := gateway.New(gateway.Config{
		Identity:        provider,
		Directory:       dir,
		Store:           store,
		Observer:        observer,
		LivenessTimeout: config.LivenessTimeout,
		ReplayLimit:     config.ReplayLimit,
		HistoryPage:     pageSize(config),
	})
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("init gateway: %w", err)
	}
	srv.gateway = gw

	hist, err := history.New(provider, dir, store, pageSize(config))
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("init history: %w", err)
	}

	srv.httpServer = &http.Server{
		Addr: httpAddr,
		Handler: NewHandler(Deps{
			Gateway:       gw,
			History:       hist,
			Authenticator: provider,
			Metrics:       m,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return srv, nil
}

func pageSize(config Config) pagination.PageSizeConfig {
	cfg := history.DefaultPageSize
	if config.HistoryPageSize > 0 {
		cfg.Default = config.HistoryPageSize
	}
	if config.HistoryMaxPageSize > 0 {
		cfg.Max = config.HistoryMaxPageSize
	}
	if cfg.Default > cfg.Max {
		cfg.Default = cfg.Max
	}
	return cfg
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the liveness sweeper until the
// context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.gateway.Run(sweepCtx)

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.gateway.Close()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close disconnects every connection and releases the store and
// collaborator connections.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.gateway != nil {
		s.gateway.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("chat: close resource: %v", err)
		}
	}
	s.closers = nil
}
