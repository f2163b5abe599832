package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"premium-market/internal/cache"
	"premium-market/internal/metrics"
	"premium-market/internal/models"
	"premium-market/internal/services/aggregator"
	"premium-market/internal/services/exchange"
	"premium-market/internal/services/predict"
	"premium-market/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// OpenPredictionRequest is the body of POST /api/v1/predictions.
// Duration is in seconds.
type OpenPredictionRequest struct {
	UserID   string          `json:"userId"`
	Market   string          `json:"market"`
	Exchange string          `json:"exchange"`
	Side     models.Side     `json:"position"`
	Deposit  decimal.Decimal `json:"deposit"`
	Leverage int             `json:"leverage"`
	Duration int             `json:"duration"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, predict.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, predict.ErrAlreadyInProgress), errors.Is(err, store.ErrAlreadyCheckedIn):
		return http.StatusConflict
	case errors.Is(err, predict.ErrPriceUnavailable), errors.Is(err, predict.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func (s *Server) OpenPrediction(w http.ResponseWriter, r *http.Request) {
	var req OpenPredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.deps.Predictor.Open(r.Context(), predict.OpenRequest{
		UserID:   req.UserID,
		Market:   req.Market,
		Exchange: req.Exchange,
		Side:     req.Side,
		Deposit:  req.Deposit,
		Leverage: req.Leverage,
		Duration: time.Duration(req.Duration) * time.Second,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) Ratio(w http.ResponseWriter, r *http.Request) {
	ratio, err := s.deps.Predictor.Ratio(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ratio)
}

func (s *Server) Vault(w http.ResponseWriter, r *http.Request) {
	vault, err := s.deps.Predictor.Vault(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

func (s *Server) CheckIn(w http.ResponseWriter, r *http.Request) {
	vault, err := s.deps.Predictor.CheckIn(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vault)
}

// History accepts an optional ?limit=
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	logs, err := s.deps.Predictor.History(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.PredictLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// Markets returns the last consolidated market, empty before the first tick
func (s *Server) Markets(w http.ResponseWriter, r *http.Request) {
	market, err := s.deps.Markets.GetMarket(r.Context())
	if err != nil && !cache.IsMiss(err) {
		s.fail(w, r, err)
		return
	}
	if market == nil {
		market = models.ConsolidatedMarket{}
	}
	writeJSON(w, http.StatusOK, market)
}

func (s *Server) ExchangeRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.deps.Markets.GetExchangeRate(r.Context())
	if cache.IsMiss(err) {
		writeError(w, "exchange rate not available yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

func (s *Server) GlobalMetrics(w http.ResponseWriter, r *http.Request) {
	gm, err := s.deps.Markets.GetGlobalMetrics(r.Context())
	if cache.IsMiss(err) {
		writeError(w, "global metrics not available yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gm)
}

// StatsResponse is the body of GET /api/v1/stats
type StatsResponse struct {
	Aggregator             *aggregator.Stats      `json:"aggregator,omitempty"`
	Exchanges              []exchange.Stats       `json:"exchanges"`
	TickerUpdatesPerSecond float64                `json:"tickerUpdatesPerSecond"`
	Proxies                map[string]interface{} `json:"proxies,omitempty"`
}

func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Exchanges:              make([]exchange.Stats, 0, len(s.deps.Clients)),
		TickerUpdatesPerSecond: metrics.GetTickerUpdatesPerSecond(),
	}
	if s.deps.Proxies != nil {
		resp.Proxies = s.deps.Proxies.GetProxyInfo()
	}
	for _, c := range s.deps.Clients {
		resp.Exchanges = append(resp.Exchanges, c.Stats())
	}
	if s.deps.Aggregator != nil {
		st := s.deps.Aggregator.Stats()
		resp.Aggregator = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health is unhealthy until the aggregator has ticked recently
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator != nil && !s.deps.Aggregator.Healthy(s.now(), s.deps.HealthMaxAge) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stale"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
