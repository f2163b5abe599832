package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"premium-market/internal/services/exchange"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// AggregatorService is the health service name tracking aggregation freshness
const AggregatorService = "premium.Aggregator"

// ExchangeService returns the health service name for one exchange client
func ExchangeService(name string) string {
	return "premium.Exchange/" + name
}

// TickSource reports whether aggregation is keeping up
type TickSource interface {
	Healthy(now time.Time, maxAge time.Duration) bool
}

// ExchangeClient is the part of an exchange client the health server reads
type ExchangeClient interface {
	Exchange() string
	State() exchange.State
}

// Server exposes the standard gRPC health protocol for the collector:
// the overall service follows the aggregator, and each exchange client
// has its own entry.
type Server struct {
	port       int
	aggregator TickSource
	clients    []ExchangeClient
	maxAge     time.Duration
	health     *health.Server
	logger     *logrus.Logger
	grpcServer *grpc.Server
	startTime  time.Time
}

func NewServer(port int, aggregator TickSource, clients []ExchangeClient, maxAge time.Duration, logger *logrus.Logger) *Server {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	s := &Server{
		port:       port,
		aggregator: aggregator,
		clients:    clients,
		maxAge:     maxAge,
		health:     health.NewServer(),
		logger:     logger,
		startTime:  time.Now(),
	}
	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryInterceptor),
		grpc.StreamInterceptor(s.streamInterceptor),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	s.Refresh(time.Now())
	return s
}

// Start listens on the configured port and serves until Stop
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("🩺 gRPC health server listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Watch refreshes health statuses every interval until ctx ends
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Refresh(now)
		}
	}
}

// Refresh recomputes every service status at now
func (s *Server) Refresh(now time.Time) {
	overall := healthpb.HealthCheckResponse_SERVING
	if s.aggregator != nil && !s.aggregator.Healthy(now, s.maxAge) {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(AggregatorService, overall)

	for _, c := range s.clients {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if c.State() == exchange.StateSubscribed {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(ExchangeService(c.Exchange()), st)
	}
}

func (s *Server) Stop() {
	s.logger.WithField("uptime", time.Since(s.startTime).Round(time.Second).String()).Info("Stopping gRPC server...")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Interceptors for logging
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC unary call")

	return resp, err
}

func (s *Server) streamInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	start := time.Now()
	err := handler(srv, ss)

	s.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"duration": time.Since(start).Milliseconds(),
		"error":    err != nil,
	}).Debug("gRPC stream call")

	return err
}
