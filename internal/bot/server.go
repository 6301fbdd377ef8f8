package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v62/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/faucetlabs/drip/pkg/metrics"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type ServerConfig struct {
	Logger            *slog.Logger
	Handler           *Handler
	ListenAddr        string
	WebhookSecret     []byte
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	// RateLimiter throttles deliveries per repository. Optional.
	RateLimiter *RateLimiter
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Handler == nil {
		return errors.New("handler is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if len(cfg.WebhookSecret) == 0 {
		return errors.New("webhook secret is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(rate.Every(time.Minute/30), 5)
	}
	return nil
}

// Server receives webhook deliveries, verifies their signatures and
// hands the narrowed events to the handler. Deliveries are acknowledged
// with 202 before processing so slow transfers never trip the sender's
// delivery timeout.
type Server struct {
	log     *slog.Logger
	cfg     ServerConfig
	httpSrv *http.Server

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		baseCtx: context.Background(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.webhookHandler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.waitForSessions(shutdownCtx)
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown", "error", err, "address", s.cfg.ListenAddr)
		return err
	}
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := github.ValidatePayload(r, s.cfg.WebhookSecret)
	if err != nil {
		s.log.Warn("server: webhook signature rejected", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	ev, err := ParseEvent(eventType, payload)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEvent) {
			s.log.Debug("server: ignoring webhook delivery", "type", eventType)
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.log.Warn("server: failed to parse webhook payload", "type", eventType, "error", err)
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	repo := eventRepo(ev)
	if allowed, retryAfter := s.cfg.RateLimiter.Allow(repo.String()); !allowed {
		retrySeconds := int(retryAfter.Seconds())
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Kind(), "throttled").Inc()
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retrySeconds))
		http.Error(w, "too many deliveries from this repository", http.StatusTooManyRequests)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Detached from the run context so shutdown drains in-flight
		// sessions instead of canceling them mid-transfer; the session
		// timeout still bounds each one.
		sessionCtx := context.WithoutCancel(s.baseCtx)
		if err := s.cfg.Handler.Handle(sessionCtx, ev); err != nil {
			s.log.Error("server: event session failed", "event", ev.Kind(), "repo", repo, "error", err)
			metrics.WebhookEventsTotal.WithLabelValues(ev.Kind(), "failed").Inc()
			return
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Kind(), "handled").Inc()
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.cfg.VersionInfo); err != nil {
		s.log.Error("failed to write version response", "error", err)
	}
}

// waitForSessions blocks until in-flight event sessions finish or the
// shutdown deadline passes.
func (s *Server) waitForSessions(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("server: shutdown deadline reached with sessions still running")
	}
}

func eventRepo(ev Event) RepoRef {
	switch ev := ev.(type) {
	case CommentCreated:
		return ev.Repo
	case IssueClosed:
		return ev.Repo
	default:
		return RepoRef{}
	}
}
