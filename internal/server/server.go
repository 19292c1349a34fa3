// Package server implements the dashboard REST API: authentication,
// error-group triage, analytics, alert-rule management, team
// administration, and report access. It mounts alongside the
// ingestion gateway on one HTTP server.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kluzzebass/errormonitor/internal/auth"
	"github.com/kluzzebass/errormonitor/internal/ingest"
	"github.com/kluzzebass/errormonitor/internal/logging"
	"github.com/kluzzebass/errormonitor/internal/model"
	"github.com/kluzzebass/errormonitor/internal/notify/channels"
	"github.com/kluzzebass/errormonitor/internal/schedule"
	"github.com/kluzzebass/errormonitor/internal/store"
)

// Config configures a Server. Store and Tokens are required; with a nil
// Gateway the ingestion endpoint is not mounted and /health/cache reports 503.
type Config struct {
	Store   *store.Store
	Tokens  *auth.TokenService
	Gateway *ingest.Gateway

	// Channels previews alert-rule test requests against the same
	// adapters the notification dispatcher was built from.
	Channels []channels.Channel

	// Scheduler runs the digest/report/retention cron jobs alongside the
	// HTTP server; nil disables background jobs (useful in tests).
	Scheduler *schedule.Scheduler

	// Renderer produces report artifacts for the on-demand generate and
	// run-now endpoints; nil disables report generation (runs still list).
	Renderer *Renderer

	// APIBaseURL, when set, is used to compose absolute share links for
	// report runs.
	APIBaseURL string

	// DashboardOrigins are additional browser origins (beyond same-origin
	// and loopback) allowed by CORS, e.g. a separately hosted SPA
	// (DASHBOARD_ORIGINS/CORS_ORIGINS).
	DashboardOrigins []string

	Logger *slog.Logger
}

// Server is the dashboard + ingestion HTTP server.
type Server struct {
	store            *store.Store
	tokens           *auth.TokenService
	gateway          *ingest.Gateway
	scheduler        *schedule.Scheduler
	renderer         *Renderer
	apiBaseURL       string
	channels         map[model.ChannelType]channels.Channel
	dashboardOrigins map[string]bool
	log              *slog.Logger
	startTime        time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	handler  http.Handler
	shutdown chan struct{}
	inFlight sync.WaitGroup
	draining atomic.Bool

	authRL       *authRateLimiter
	authRLCancel context.CancelFunc
	authRLWG     sync.WaitGroup

	ingestWG sync.WaitGroup
}

// New creates a new Server.
func New(cfg Config) *Server {
	chs := make(map[model.ChannelType]channels.Channel, len(cfg.Channels))
	for _, c := range cfg.Channels {
		chs[c.Type()] = c
	}
	origins := make(map[string]bool, len(cfg.DashboardOrigins))
	for _, o := range cfg.DashboardOrigins {
		origins[o] = true
	}
	return &Server{
		store:            cfg.Store,
		tokens:           cfg.Tokens,
		gateway:          cfg.Gateway,
		scheduler:        cfg.Scheduler,
		renderer:         cfg.Renderer,
		apiBaseURL:       strings.TrimSuffix(cfg.APIBaseURL, "/"),
		channels:         chs,
		dashboardOrigins: origins,
		log:              logging.Default(cfg.Logger).With("component", "server"),
		startTime:        time.Now(),
		shutdown:         make(chan struct{}),
		authRL:           newAuthRateLimiter(rate.Limit(5.0/60.0), 5),
	}
}

// registerHealth adds the liveness/readiness/dependency probes.
func (s *Server) registerHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status        string `json:"status"`
			UptimeSeconds int64  `json:"uptimeSeconds"`
		}{Status: "ok", UptimeSeconds: int64(time.Since(s.startTime).Seconds())})
	})
	mux.HandleFunc("GET /health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /health/cache", func(w http.ResponseWriter, r *http.Request) {
		// The ingestion API-key cache is in-process; if the gateway is
		// wired in at all it is, by construction, available.
		if s.gateway == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// buildMux assembles the full route table: health probes, the ingestion
// endpoint, and every dashboard route with its role gate.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	s.registerHealth(mux)
	if s.gateway != nil {
		s.gateway.Register(mux)
	}

	s.registerAuthRoutes(mux)
	s.registerErrorRoutes(mux)
	s.registerAnalyticsRoutes(mux)
	s.registerRuleRoutes(mux)
	s.registerTeamRoutes(mux)
	s.registerReportRoutes(mux)

	return mux
}

// requireRole chains RequireUser and ProjectScope(min) in front of h, the
// shared shape of every authenticated dashboard route.
func (s *Server) requireRole(min model.Role, h http.HandlerFunc) http.Handler {
	return auth.RequireUser(s.tokens)(auth.ProjectScope(s.store, min)(h))
}

// Serve starts the server on the given listener and blocks until it is
// stopped or an error occurs.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	rlCtx, rlCancel := context.WithCancel(context.Background())
	s.authRLCancel = rlCancel
	s.authRL.startCleanup(rlCtx, &s.authRLWG, 3*time.Minute, 5*time.Minute)

	if s.gateway != nil {
		ingestCtx, cancel := context.WithCancel(context.Background())
		s.ingestWG.Add(1)
		go func() {
			defer s.ingestWG.Done()
			s.gateway.Run(ingestCtx, 4)
		}()
		go func() {
			<-s.shutdown
			cancel()
		}()
	}

	if s.scheduler != nil {
		s.scheduler.Start()
	}

	mux := s.buildMux()
	// Chain: tracking -> CORS -> securityHeaders -> auth rate limit -> compress -> mux
	s.handler = s.trackingMiddleware(
		s.corsMiddleware(
			securityHeadersMiddleware(
				authRateLimitMiddleware(s.authRL)(
					compressMiddleware(mux),
				),
			),
		),
	)

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server starting", "addr", listener.Addr().String())
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP listens on addr and calls Serve.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop gracefully drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.initiateShutdown(true)

	if s.scheduler != nil {
		if err := s.scheduler.Stop(); err != nil {
			s.log.Warn("scheduler stop error", "error", err)
		}
	}

	if s.authRLCancel != nil {
		s.authRLCancel()
		s.authRLWG.Wait()
	}
	s.ingestWG.Wait()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.log.Info("server stopping")
	return srv.Shutdown(ctx)
}

// initiateShutdown signals draining and, if drain is true, waits for
// in-flight requests to finish before closing the shutdown channel.
func (s *Server) initiateShutdown(drain bool) {
	s.mu.Lock()
	alreadyShuttingDown := false
	select {
	case <-s.shutdown:
		alreadyShuttingDown = true
	default:
	}
	s.mu.Unlock()

	if alreadyShuttingDown {
		return
	}

	if drain {
		s.log.Info("draining in-flight requests")
		s.draining.Store(true)
		s.inFlight.Wait()
		s.log.Info("drain complete")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}
