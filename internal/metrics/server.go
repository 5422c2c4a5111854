package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server serves /metrics from its own registry.
type Server struct {
	registry *prometheus.Registry
	log      *zap.Logger
}

type Option func(s *Server) error

// WithLogger sets the logger used for serve and shutdown events.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) error {
		s.log = l
		return nil
	}
}

// WithCollector registers an additional collector.
func WithCollector(c prometheus.Collector) Option {
	return func(s *Server) error {
		return s.registry.Register(c)
	}
}

// NewServer creates a server exposing the given collectors plus Go build
// information.
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		registry: prometheus.NewRegistry(),
		log:      zap.NewNop(),
	}
	if err := s.registry.Register(collectors.NewBuildInfoCollector()); err != nil {
		return nil, err
	}
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return s, nil
}

// Handler returns the HTTP handler serving /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		// Opt into OpenMetrics to support exemplars.
		EnableOpenMetrics: true,
		ErrorLog:          zap.NewStdLog(s.log),
	}))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.log),
	}

	stopped := make(chan struct{})
	failed := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-failed:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("serving metrics", zap.String("address", ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	close(failed)
	return fmt.Errorf("metrics: serve: %w", err)
}
