// Package api serves the daemon's status surface: Prometheus metrics, a
// health check and the run ledger over HTTP, plus the standard gRPC health
// service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"gridsync/internal/ledger"
	"gridsync/internal/metrics"
)

// Options configures a Server. An empty address disables that listener.
type Options struct {
	HTTPAddr string
	GRPCAddr string
	Ledger   ledger.Store
	// Metrics may be nil.
	Metrics *metrics.Collector
}

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string
	led      ledger.Store
	metrics  *metrics.Collector
	health   *Health

	httpSrv *http.Server
	grpcSrv *grpc.Server
	log     *slog.Logger
}

// NewServer creates a Server. It starts in the NOT_SERVING state until
// SetServing is called.
func NewServer(opts Options) *Server {
	s := &Server{
		httpAddr: opts.HTTPAddr,
		grpcAddr: opts.GRPCAddr,
		led:      opts.Ledger,
		metrics:  opts.Metrics,
		health:   NewHealth(),
		log:      slog.Default().With("component", "api"),
	}
	s.httpSrv = &http.Server{
		Addr:              opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	s.health.Register(s.grpcSrv)
	return s
}

// Health returns the shared health state.
func (s *Server) Health() *Health { return s.health }

// SetServing flips the health state reported by both /healthz and gRPC.
func (s *Server) SetServing(ok bool) { s.health.Set(ok) }

// ListenAndServe starts the configured listeners and blocks until the
// context is cancelled or a listener fails. It shuts both servers down
// before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.httpAddr != "" {
		ln, err := net.Listen("tcp", s.httpAddr)
		if err != nil {
			return err
		}
		s.log.Info("http listening", "addr", ln.Addr().String())
		go func() {
			if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	if s.grpcAddr != "" {
		ln, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			s.httpSrv.Close()
			return err
		}
		s.log.Info("grpc listening", "addr", ln.Addr().String())
		go func() {
			if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	err := s.httpSrv.Shutdown(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	return err
}
