package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/swarmtap/internal/config"
	"github.com/funnyzak/swarmtap/internal/forwarder"
	"github.com/funnyzak/swarmtap/internal/logger"
	"github.com/funnyzak/swarmtap/internal/metrics"
	"github.com/funnyzak/swarmtap/internal/printer"
	"github.com/funnyzak/swarmtap/internal/router"
	"github.com/funnyzak/swarmtap/internal/seed"
	"github.com/funnyzak/swarmtap/internal/web"
	"github.com/funnyzak/swarmtap/pkg/request"
)

const shutdownTimeout = 30 * time.Second

// Server HTTP server
type Server struct {
	config    *config.Config
	logger    logger.Logger
	handler   *Handler
	forwarder *forwarder.Forwarder
	seeds     *seed.Service
	metrics   *metrics.Metrics
	web       *web.Service
	httpSrv   *http.Server
}

// New wires every component of the proxy from cfg. cfg must be validated.
func New(cfg *config.Config, log logger.Logger) (*Server, error) {
	rt, err := router.New(router.Options{
		DebugEnable:      cfg.DebugActive(),
		DebugPattern:     cfg.Upstream.DebugPattern,
		ValidatorEnable:  cfg.ValidatorActive(),
		ValidatorPattern: cfg.Upstream.ValidatorPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	seeds, err := seed.NewService(&cfg.Seed, log)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		m = metrics.New()
		seeds.OnSave(func(_ *seed.Record, err error) { m.ObserveSeedWrite(err) })
	}

	fwd := forwarder.NewForwarder(log, forwarder.Options{
		Timeout:               time.Duration(cfg.Forward.Timeout) * time.Second,
		MaxIdleConns:          cfg.Forward.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Forward.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.Forward.IdleConnTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Forward.TLSHandshakeTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.Forward.TLSInsecureSkipVerify,
		HeaderBlacklist:       cfg.Forward.HeaderBlacklist,
		OnExchange: func(data *request.RequestData, resp *request.ResponseData) {
			seeds.RecordAsync(string(router.RouteDefault), data, resp)
		},
	})

	var webService *web.Service
	var recorder ExchangeRecorder
	if cfg.Web.Enable {
		webService = web.NewService(&cfg.Web, seeds.Store(), log)
		recorder = webService
	}

	handler := NewHandler(
		&HandlerConfig{
			GatewayURL:    cfg.Upstream.GatewayURL,
			MaxBodyBytes:  cfg.Server.MaxBodyBytes,
			DefaultOrigin: cfg.CORS.DefaultOrigin,
		},
		rt,
		fwd,
		seeds,
		printer.New(&cfg.Output, log),
		recorder,
		m,
		log,
	)

	if cfg.DebugActive() {
		target, err := url.Parse(cfg.Upstream.DebugURL)
		if err != nil {
			return nil, fmt.Errorf("parse debug url: %w", err)
		}
		handler.Mount(router.RouteDebug, target, fwd.Transport())
	}
	if cfg.ValidatorActive() {
		target, err := url.Parse(cfg.Upstream.ValidatorURL)
		if err != nil {
			return nil, fmt.Errorf("parse validator url: %w", err)
		}
		handler.Mount(router.RouteValidator, target, fwd.Transport())
	}

	return &Server{
		config:    cfg,
		logger:    log,
		handler:   handler,
		forwarder: fwd,
		seeds:     seeds,
		metrics:   m,
		web:       webService,
	}, nil
}

// Router builds the HTTP routing table: metrics and admin endpoints first,
// everything else goes to the proxy.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	// Paths are forwarded exactly as received.
	r.SkipClean(true)
	r.UseEncodedPath()

	if s.metrics != nil {
		r.Handle(s.config.Metrics.Path, s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.web.RegisterRoutes(r)
	r.PathPrefix("/").Handler(s.handler)
	return r
}

// Start listens on the configured address until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(s.config.Server.Host, fmt.Sprintf("%d", s.config.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the proxy on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No read or write timeout: uploads and downloads may be arbitrarily large.
	s.httpSrv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		"addr", ln.Addr().String(),
		"gateway", s.config.Upstream.GatewayURL,
		"debug", s.config.DebugActive(),
		"validator", s.config.ValidatorActive(),
		"seed", s.seeds.Recording(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		s.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	err := group.Wait()
	s.Close()
	s.logger.Info("Server exited")
	return err
}

// Close releases the forwarder, drains pending reports and seed writes and
// closes the admin feed. It is safe to call more than once.
func (s *Server) Close() {
	s.forwarder.Close()
	s.handler.Close()
	if err := s.seeds.Close(); err != nil {
		s.logger.Error("Failed to close seed store", "error", err)
	}
	s.web.Close()
}
