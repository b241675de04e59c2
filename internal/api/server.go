// Package api exposes the engine over REST and gRPC.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"strategos/internal/config"
	"strategos/internal/engine"
)

// Server hosts the REST API and the gRPC RiskService.
type Server struct {
	engine *engine.Engine
	cfg    config.Server
	log    *slog.Logger

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
}

// NewServer creates a Server for eng listening on the addresses in cfg.
func NewServer(eng *engine.Engine, cfg config.Server, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		cfg:    cfg,
		log:    logger.With("component", "api"),
		health: health.NewServer(),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterRiskServiceServer(s.grpcSrv, NewRiskService(eng))
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	return s
}

// Handler returns the REST routes wrapped in CORS handling. An empty origin
// list allows any origin.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	return c.Handler(s.logRequests(mux))
}

// GRPCServer returns the gRPC server so callers can serve it on their own
// listener.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcSrv }

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails. It shuts both servers down before
// returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddr())
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", s.cfg.GRPCAddr(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("grpc server starting", "addr", grpcLis.Addr().String())
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return s.grpcSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		s.log.Info("http server starting", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	s.log.Info("servers stopped")
	return err
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc request", "method", info.FullMethod, "elapsed", time.Since(start), "error", err)
	return resp, err
}
