package exchange

import (
	"context"
	"math/rand"
	"strings"
	"sync"
)

// Sim is the dry-run Exchange: a bounded random walk per symbol and a fixed
// synthetic balance. It lets the whole pipeline run without venue
// credentials.
type Sim struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewSim builds a simulator. seed fixes the walk for reproducible runs;
// pass 0 for an arbitrary seed.
func NewSim(seed int64) *Sim {
	if seed == 0 {
		seed = 1
	}
	return &Sim{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
	}
}

func basePrice(symbol string) float64 {
	switch {
	case strings.HasPrefix(symbol, "BTC"):
		return 40000
	case strings.HasPrefix(symbol, "ETH"):
		return 2500
	default:
		return 100
	}
}

// Ticker advances the symbol's walk by one step and quotes around it.
func (s *Sim) Ticker(_ context.Context, symbol string) (*Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		price = basePrice(symbol)
	}
	// ±0.2% step, floored at 10% of base so the walk cannot die.
	price *= 1 + (s.rng.Float64()-0.5)*0.004
	if floor := basePrice(symbol) * 0.1; price < floor {
		price = floor
	}
	s.prices[symbol] = price

	spread := price * 0.0005
	return &Ticker{
		Symbol:     symbol,
		Last:       price,
		Bid:        price - spread,
		Ask:        price + spread,
		High:       price * 1.01,
		Low:        price * 0.99,
		Open:       price,
		BaseVolume: 100 + s.rng.Float64()*900,
	}, nil
}

// Balance reports a fixed synthetic account.
func (s *Sim) Balance(context.Context) (map[string]float64, error) {
	return map[string]float64{"USDT": 10000, "BNB": 10}, nil
}
