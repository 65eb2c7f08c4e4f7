// Package strategy hosts the pluggable trading strategies and their
// contract with the engine.
//
// A strategy is a pure event handler: the engine feeds it market and
// portfolio events on a single goroutine and publishes whatever Output it
// returns. Strategies never touch the bus themselves, which keeps them
// trivially testable. Optional capabilities (volatility surfaces,
// forecasts, macro state, portfolio risk) are expressed as extra
// interfaces the engine probes once at load time.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"voltrader/internal/config"
	"voltrader/internal/state"
	"voltrader/pkg/events"
)

// Instrument classes a strategy trades.
const (
	InstrumentSpot      = "spot"
	InstrumentPerpetual = "perpetual"
	InstrumentFutures   = "futures"
	InstrumentOption    = "option"
)

// Capability describes what a strategy trades so the engine can route
// events and the status API can report it.
type Capability struct {
	Name        string   `json:"name"`
	Instruments []string `json:"instruments"`
	Symbols     []string `json:"symbols"`
	MinCapital  float64  `json:"min_capital,omitempty"`
}

// Output is what a strategy hands back to the engine: at most one intent
// or one legacy signal. The zero value means "nothing to do".
type Output struct {
	Intent *events.StrategyIntent
	Signal *events.StrategySignal
}

// Empty reports whether the output carries anything.
func (o Output) Empty() bool { return o.Intent == nil && o.Signal == nil }

// Env is the runtime environment injected at Init. State may be nil in
// tests; strategies must tolerate that.
type Env struct {
	State *state.Store
}

// Strategy is the mandatory contract. All handlers run on the engine's
// dispatch goroutine, so implementations need no internal locking.
type Strategy interface {
	ID() string
	Capability() Capability
	Init(ctx context.Context, env Env) error
	OnTick(ctx context.Context, tick events.MarketTick) Output
	OnFill(ctx context.Context, fill events.OrderFill)
	OnPositionUpdate(ctx context.Context, pos events.PositionUpdate)
	Shutdown(ctx context.Context)
}

// Optional capabilities. The engine type-asserts once when the strategy is
// loaded and only routes the matching streams.

// VolSurfaceHandler receives P-world implied volatility snapshots.
type VolSurfaceHandler interface {
	OnVolSurface(ctx context.Context, surface events.VolatilitySurface) Output
}

// VolForecastHandler receives Q-world model forecasts.
type VolForecastHandler interface {
	OnVolForecast(ctx context.Context, forecast events.VolatilityForecast) Output
}

// MacroStateHandler receives the periodic macro/sentiment broadcast.
type MacroStateHandler interface {
	OnMacroState(ctx context.Context, ms events.MacroState)
}

// PortfolioRiskHandler receives the aggregated greeks broadcast.
type PortfolioRiskHandler interface {
	OnPortfolioRisk(ctx context.Context, pr events.PortfolioRisk) Output
}

// ————————————————————————————————————————————————————————————————————————
// params
// ————————————————————————————————————————————————————————————————————————

// Params is the untyped per-strategy parameter bag from the config file.
// Accessors tolerate the number types viper produces.
type Params map[string]any

// Float returns a numeric parameter or def when absent.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// String returns a string parameter or def when absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Duration returns a duration parameter. Bare numbers are seconds, strings
// go through time.ParseDuration.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		return def
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	default:
		return def
	}
}

// ————————————————————————————————————————————————————————————————————————
// registry
// ————————————————————————————————————————————————————————————————————————

// Factory builds a strategy instance from its config block.
type Factory func(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a strategy type available by name. Called from init
// functions; panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("strategy: duplicate registration of " + name)
	}
	registry[name] = f
}

// New instantiates a strategy by its configured type name.
func New(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", cfg.Type)
	}
	return f(cfg, logger)
}

// Types lists the registered strategy type names, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
