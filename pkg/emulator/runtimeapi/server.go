// Package runtimeapi serves the Lambda Runtime API to worker processes.
package runtimeapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	APIVersion = "2018-06-01"
	// MaxBodyBytes bounds response and error bodies posted by workers.
	MaxBodyBytes = 10 * 1024 * 1024
)

// Dispatcher is the part of the dispatcher the runtime API drives.
type Dispatcher interface {
	Next(ctx context.Context, workerID, functionID string) (*pool.Payload, error)
	Requeue(functionID, workerID string, payload *pool.Payload) bool
	Response(functionID, requestID string, resp pool.Response) bool
	InitError(functionID, workerID string, e *pool.ErrorPayload) (string, bool)
}

type Config struct {
	Listen string
}

type Server struct {
	config     Config
	dispatcher Dispatcher
	logger     *slog.Logger
	server     *http.Server
}

func New(config Config, dispatcher Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		logger:     logger.With("component", "runtime-api"),
	}
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx ends. Parked polls are released by the
// dispatcher, so shutdown does not wait for them.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("Runtime API listening", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Runtime API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("runtime API shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("runtime API error: %w", err)
	}
}

// Handler returns the router with all runtime routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/{workerID}/{functionID}/"+APIVersion+"/runtime", func(r chi.Router) {
		r.Get("/invocation/next", s.handleNext)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequestSize(MaxBodyBytes))
			r.Post("/invocation/{requestID}/response", s.handleResponse)
			r.Post("/invocation/{requestID}/error", s.handleError)
			r.Post("/init/error", s.handleInitError)
		})
	})
	return r
}

// loggingMiddleware logs every request at debug level; workers poll a lot.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
