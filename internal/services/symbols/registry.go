package symbols

import (
	"context"
	"fmt"
	"sync"
	"time"

	"premium-market/internal/metrics"
	"premium-market/internal/models"
	"premium-market/internal/repository"

	"github.com/sirupsen/logrus"
)

// Discoverer lists the tradable markets of one exchange from its public listing endpoint
type Discoverer interface {
	Exchange() string
	Discover(ctx context.Context) ([]models.MarketSymbol, error)
}

// Registry is the durable record of which (exchange, symbol) pairs are tradable.
// Reads fall back from the repository to live discovery to the YAML seed.
type Registry struct {
	repo        repository.SymbolRepository
	discoverers map[string]Discoverer
	seed        map[string][]models.MarketSymbol
	interval    time.Duration
	logger      *logrus.Logger

	mu     sync.RWMutex
	latest map[string][]models.MarketSymbol
}

// NewRegistry creates a registry. seed may be nil.
func NewRegistry(
	repo repository.SymbolRepository,
	discoverers []Discoverer,
	seed map[string][]models.MarketSymbol,
	interval time.Duration,
	logger *logrus.Logger,
) *Registry {
	byName := make(map[string]Discoverer, len(discoverers))
	for _, d := range discoverers {
		byName[d.Exchange()] = d
	}
	return &Registry{
		repo:        repo,
		discoverers: byName,
		seed:        seed,
		interval:    interval,
		logger:      logger,
		latest:      make(map[string][]models.MarketSymbol),
	}
}

// Exchanges returns the exchanges the registry can discover
func (r *Registry) Exchanges() []string {
	names := make([]string, 0, len(r.discoverers))
	for _, name := range []string{models.ExchangeUpbit, models.ExchangeBinance, models.ExchangeBithumb, models.ExchangeCoinone, models.ExchangeOKX} {
		if _, ok := r.discoverers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Load returns the known, non-rejected symbols for exchange
func (r *Registry) Load(ctx context.Context, exchange string) ([]models.MarketSymbol, error) {
	stored, err := r.repo.List(ctx, exchange)
	if err != nil {
		r.logger.WithError(err).WithField("exchange", exchange).Warn("Symbol registry read failed, discovering")
	}
	if active := activeSymbols(stored); len(active) > 0 {
		r.remember(exchange, active)
		return active, nil
	}

	active, err := r.Refresh(ctx, exchange)
	if err == nil && len(active) > 0 {
		return active, nil
	}
	if err != nil {
		r.logger.WithError(err).WithField("exchange", exchange).Warn("Symbol discovery failed, using seed file")
	}

	seeded := activeSymbols(r.seed[exchange])
	if len(seeded) == 0 {
		return nil, fmt.Errorf("no symbols available for %s", exchange)
	}
	if err := r.repo.Upsert(ctx, seeded); err != nil {
		r.logger.WithError(err).WithField("exchange", exchange).Warn("Failed to persist seed symbols")
	}
	r.remember(exchange, seeded)
	r.logger.Infof("🌱 Loaded %d seed symbols for %s", len(seeded), exchange)
	return seeded, nil
}

// Refresh re-fetches the listing for exchange and upserts it. Known rows keep
// their validation status; rows missing from the listing are marked rejected.
func (r *Registry) Refresh(ctx context.Context, exchange string) ([]models.MarketSymbol, error) {
	d, ok := r.discoverers[exchange]
	if !ok {
		return nil, fmt.Errorf("no discoverer for %s", exchange)
	}

	discovered, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", exchange, err)
	}

	existing, err := r.repo.List(ctx, exchange)
	if err != nil {
		r.logger.WithError(err).WithField("exchange", exchange).Warn("Could not read existing symbols, treating listing as new")
	}

	merged := mergeListing(existing, discovered, time.Now())
	if err := r.repo.Upsert(ctx, merged); err != nil {
		return nil, fmt.Errorf("upsert %s symbols: %w", exchange, err)
	}

	active := activeSymbols(merged)
	r.remember(exchange, active)
	r.logger.Infof("🔄 Refreshed %s symbols: %d listed, %d active", exchange, len(discovered), len(active))
	return active, nil
}

// RefreshAll refreshes every exchange; one exchange failing does not stop the others
func (r *Registry) RefreshAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, exchange := range r.Exchanges() {
		if _, err := r.Refresh(ctx, exchange); err != nil {
			r.logger.WithError(err).WithField("exchange", exchange).Warn("Symbol refresh failed")
			failures[exchange] = err
		}
	}
	return failures
}

// StartAutoRefresh refreshes every exchange on the configured interval until ctx ends
func (r *Registry) StartAutoRefresh(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Infof("✅ Symbol auto-refresh enabled - refreshing every %v", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Symbol auto-refresh stopped")
			return
		case <-ticker.C:
			r.RefreshAll(ctx)
		}
	}
}

// MarkValidated records the outcome of live validation for exchange
func (r *Registry) MarkValidated(ctx context.Context, exchange string, valid, invalid []string) error {
	if len(valid) == 0 && len(invalid) == 0 {
		return nil
	}

	current := r.Cached(exchange)
	if len(current) == 0 {
		stored, err := r.repo.List(ctx, exchange)
		if err != nil {
			return err
		}
		current = stored
	}
	bySymbol := make(map[string]models.MarketSymbol, len(current))
	for _, s := range current {
		bySymbol[s.Symbol] = s
	}

	now := time.Now()
	var updates []models.MarketSymbol
	mark := func(symbols []string, status models.SymbolStatus) {
		for _, symbol := range symbols {
			s, ok := bySymbol[symbol]
			if !ok {
				continue
			}
			s.Status = status
			s.UpdatedAt = now
			bySymbol[symbol] = s
			updates = append(updates, s)
		}
	}
	mark(valid, models.SymbolValidated)
	mark(invalid, models.SymbolRejected)

	if err := r.repo.Upsert(ctx, updates); err != nil {
		return fmt.Errorf("persist validation for %s: %w", exchange, err)
	}

	merged := make([]models.MarketSymbol, 0, len(bySymbol))
	for _, s := range bySymbol {
		merged = append(merged, s)
	}
	active := activeSymbols(merged)
	r.remember(exchange, active)

	validated := 0
	for _, s := range active {
		if s.Subscribable() {
			validated++
		}
	}
	metrics.SymbolsValidated.WithLabelValues(exchange).Set(float64(validated))
	return nil
}

// Cached returns the last symbols loaded for exchange without I/O
func (r *Registry) Cached(exchange string) []models.MarketSymbol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.MarketSymbol(nil), r.latest[exchange]...)
}

func (r *Registry) remember(exchange string, symbols []models.MarketSymbol) {
	sortSymbols(symbols)
	r.mu.Lock()
	r.latest[exchange] = symbols
	r.mu.Unlock()
}

func activeSymbols(symbols []models.MarketSymbol) []models.MarketSymbol {
	out := make([]models.MarketSymbol, 0, len(symbols))
	for _, s := range symbols {
		if s.Status != models.SymbolRejected {
			out = append(out, s)
		}
	}
	return out
}

// mergeListing folds a fresh listing into stored rows.
func mergeListing(existing, discovered []models.MarketSymbol, now time.Time) []models.MarketSymbol {
	prior := make(map[string]models.MarketSymbol, len(existing))
	for _, s := range existing {
		prior[s.Symbol] = s
	}

	seen := make(map[string]bool, len(discovered))
	merged := make([]models.MarketSymbol, 0, len(discovered)+len(existing))
	for _, s := range discovered {
		seen[s.Symbol] = true
		if old, ok := prior[s.Symbol]; ok && old.Status != models.SymbolRejected {
			s.Status = old.Status
		}
		if s.Status == "" {
			s.Status = models.SymbolListed
		}
		s.UpdatedAt = now
		merged = append(merged, s)
	}

	// Delisted
	for _, s := range existing {
		if seen[s.Symbol] || s.Status == models.SymbolRejected {
			continue
		}
		s.Status = models.SymbolRejected
		s.UpdatedAt = now
		merged = append(merged, s)
	}
	return merged
}
