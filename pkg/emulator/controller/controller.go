// Package controller serves the control API: invoking and draining functions,
// inspecting pools and streaming emulator events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Emulator is the part of the dispatcher the control API drives.
type Emulator interface {
	Invoke(ctx context.Context, fn *builder.Function, payload *pool.Payload, env map[string]string) pool.Response
	Drain(functionID string) int
	IsWarm(functionID string) bool
	Snapshot(functionID string) (pool.Snapshot, error)
}

// Functions resolves function names to their definitions.
type Functions interface {
	Lookup(name string) (*builder.Function, bool)
	List() []*builder.Function
}

type Config struct {
	Listen string
	// DefaultTimeout bounds invocations of functions without their own timeout.
	DefaultTimeout time.Duration
	// MaxEventBytes bounds invocation event bodies.
	MaxEventBytes int64
}

type Controller struct {
	config       Config
	emulator     Emulator
	functions    Functions
	statsManager *stats.StatsManager
	logger       *slog.Logger
	server       *http.Server
	startedAt    time.Time
}

func NewController(config Config, emulator Emulator, functions Functions, statsManager *stats.StatsManager, logger *slog.Logger) *Controller {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 15 * time.Minute
	}
	if config.MaxEventBytes <= 0 {
		config.MaxEventBytes = 6 * 1024 * 1024
	}
	return &Controller{
		config:       config,
		emulator:     emulator,
		functions:    functions,
		statsManager: statsManager,
		logger:       logger.With("component", "controller"),
		startedAt:    time.Now(),
	}
}

// Start serves the control API until ctx ends.
func (c *Controller) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", c.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.config.Listen, err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	c.logger.Info("Control API listening", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control API shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("control API error: %w", err)
	}
}

func (c *Controller) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(c.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", c.handleHealthz)
	r.Get("/metrics", c.handleMetrics)
	r.Get("/events", c.handleEvents)
	r.Route("/functions", func(r chi.Router) {
		r.Get("/", c.handleListFunctions)
		r.Get("/{name}", c.handleGetFunction)
		r.Post("/{name}/drain", c.handleDrain)
		r.With(middleware.RequestSize(c.config.MaxEventBytes)).Post("/{name}/invoke", c.handleInvoke)
	})
	return r
}

func (c *Controller) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		c.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
