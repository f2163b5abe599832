package symbols

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"premium-market/internal/models"

	"gopkg.in/yaml.v3"
)

// SeedConfig represents the YAML seed file structure:
//
//	exchanges:
//	  upbit:
//	    - symbol: BTC-KRW
//	      native_code: KRW-BTC
type SeedConfig struct {
	Exchanges map[string][]models.MarketSymbol `yaml:"exchanges"`
}

// LoadSeedFromYAML loads the per-exchange seed symbols from a YAML file
func LoadSeedFromYAML(filePath string) (map[string][]models.MarketSymbol, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols file: %w", err)
	}

	var config SeedConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse symbols YAML: %w", err)
	}

	if len(config.Exchanges) == 0 {
		return nil, fmt.Errorf("no exchanges found in config file")
	}

	seed := make(map[string][]models.MarketSymbol, len(config.Exchanges))
	for exchange, entries := range config.Exchanges {
		exchange = strings.ToLower(exchange)
		for _, s := range entries {
			base, quote, err := models.ParseSymbol(s.Symbol)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", exchange, err)
			}
			s.Exchange = exchange
			s.Symbol = models.FormatSymbol(base, quote)
			s.Base, s.Quote = base, quote
			if s.NativeCode == "" {
				return nil, fmt.Errorf("%s: %s has no native_code", exchange, s.Symbol)
			}
			if s.Status == "" {
				s.Status = models.SymbolListed
			}
			seed[exchange] = append(seed[exchange], s)
		}
	}
	return seed, nil
}

// LoadSeedWithFallback tries to load from YAML, falls back to an empty seed
func LoadSeedWithFallback(filePath string) map[string][]models.MarketSymbol {
	seed, err := LoadSeedFromYAML(filePath)
	if err != nil {
		return map[string][]models.MarketSymbol{}
	}
	return seed
}

func sortSymbols(symbols []models.MarketSymbol) {
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Symbol < symbols[j].Symbol })
}
