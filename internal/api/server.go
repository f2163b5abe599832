package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"premium-market/internal/models"
	"premium-market/internal/services/aggregator"
	"premium-market/internal/services/exchange"
	"premium-market/internal/services/predict"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Predictor is the prediction surface the API exposes
type Predictor interface {
	Open(ctx context.Context, req predict.OpenRequest) (*models.Position, error)
	Ratio(ctx context.Context, market string) (*models.LongShortRatio, error)
	Vault(ctx context.Context, userID string) (*models.Vault, error)
	CheckIn(ctx context.Context, userID string) (*models.Vault, error)
	History(ctx context.Context, userID string, limit int) ([]models.PredictLog, error)
}

// MarketReader reads the cached market feeds
type MarketReader interface {
	GetMarket(ctx context.Context) (models.ConsolidatedMarket, error)
	GetExchangeRate(ctx context.Context) (*models.ExchangeRate, error)
	GetGlobalMetrics(ctx context.Context) (*models.GlobalMetrics, error)
}

// ClientStats is implemented by each exchange client
type ClientStats interface {
	Stats() exchange.Stats
}

// AggregatorStats is implemented by the premium aggregator
type AggregatorStats interface {
	Stats() aggregator.Stats
	Healthy(now time.Time, maxAge time.Duration) bool
}

// ProxyInfo is implemented by the proxy service
type ProxyInfo interface {
	GetProxyInfo() map[string]interface{}
}

// Deps bundles what the HTTP surface needs
type Deps struct {
	Predictor  Predictor
	Markets    MarketReader
	Aggregator AggregatorStats
	Clients    []ClientStats
	Proxies    ProxyInfo
	Realtime   http.Handler
	// HealthMaxAge is how old the last aggregation tick may be before /health fails
	HealthMaxAge time.Duration
}

// Server serves the REST API, the realtime socket and Prometheus metrics
type Server struct {
	deps   Deps
	logger *logrus.Logger
	now    func() time.Time
}

func NewServer(deps Deps, logger *logrus.Logger) *Server {
	if deps.HealthMaxAge <= 0 {
		deps.HealthMaxAge = 5 * time.Second
	}
	return &Server{deps: deps, logger: logger, now: time.Now}
}

// Router builds the chi router
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.Realtime != nil {
		r.Handle("/ws", s.deps.Realtime)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/stats", s.Stats)
		r.Get("/markets", s.Markets)
		r.Get("/exchange-rate", s.ExchangeRate)
		r.Get("/global-metrics", s.GlobalMetrics)

		r.Post("/predictions", s.OpenPrediction)
		r.Get("/predictions/ratio/{market}", s.Ratio)

		r.Get("/vaults/{userID}", s.Vault)
		r.Post("/vaults/{userID}/check-in", s.CheckIn)
		r.Get("/vaults/{userID}/history", s.History)
	})
	return r
}

// requestLogger logs each request through logrus
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
