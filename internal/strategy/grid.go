package strategy

import (
	"context"
	"log/slog"
	"time"

	"voltrader/internal/config"
	"voltrader/pkg/events"
)

func init() {
	Register("grid", func(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error) {
		return NewGrid(cfg, logger), nil
	})
}

// Grid is a classic mean-reversion grid: bands sit grid_size percent
// around a base price that follows the last fill. Breaching a band arms
// the side; the order only triggers once price flips back by a fraction
// of the grid, so the strategy rides the extreme instead of catching the
// knife. It emits legacy signals rather than intents.
type Grid struct {
	id     string
	logger *slog.Logger

	symbol      string
	basePrice   float64
	gridSize    float64 // percent
	flipFactor  float64
	minInterval time.Duration

	current   float64
	highest   float64
	lowest    float64
	buyArmed  bool
	sellArmed bool
	lastTrade time.Time

	env Env
	now func() time.Time
}

// NewGrid builds the strategy from its config block.
func NewGrid(cfg config.StrategyConfig, logger *slog.Logger) *Grid {
	p := Params(cfg.Params)
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = p.String("symbol", "BNB/USDT")
	}
	return &Grid{
		id:          cfg.ID,
		logger:      logger.With("strategy", cfg.ID),
		symbol:      symbol,
		basePrice:   p.Float("base_price", 0),
		gridSize:    p.Float("grid_size", 2.0),
		flipFactor:  p.Float("flip_threshold_factor", 0.3),
		minInterval: p.Duration("min_trade_interval", 30*time.Second),
		now:         time.Now,
	}
}

func (s *Grid) ID() string { return s.id }

func (s *Grid) Capability() Capability {
	return Capability{
		Name:        "grid",
		Instruments: []string{InstrumentSpot},
		Symbols:     []string{s.symbol},
		MinCapital:  100,
	}
}

// Init restores the base price from the last checkpoint, if any.
func (s *Grid) Init(ctx context.Context, env Env) error {
	s.env = env
	if env.State != nil {
		saved, err := env.State.StrategyState(ctx, s.id)
		if err != nil {
			return err
		}
		if base, ok := saved["base_price"].(float64); ok && base > 0 {
			s.basePrice = base
			s.logger.Info("restored base price", "base_price", base)
		}
	}
	s.logger.Info("grid ready",
		"symbol", s.symbol, "base_price", s.basePrice, "grid_size", s.gridSize)
	return nil
}

func (s *Grid) OnTick(ctx context.Context, tick events.MarketTick) Output {
	if tick.Symbol != s.symbol {
		return Output{}
	}
	s.current = tick.Price

	if !s.lastTrade.IsZero() && s.now().Sub(s.lastTrade) < s.minInterval {
		return Output{}
	}

	if sig := s.checkSell(); sig != nil {
		return Output{Signal: sig}
	}
	if sig := s.checkBuy(); sig != nil {
		return Output{Signal: sig}
	}
	return Output{}
}

// OnFill moves the base price to the fill and re-centers the grid.
func (s *Grid) OnFill(ctx context.Context, fill events.OrderFill) {
	s.logger.Info("grid fill",
		"side", fill.Side, "price", fill.Price, "quantity", fill.Quantity)

	s.basePrice = fill.Price
	s.lastTrade = s.now()
	s.resetExtremes()

	if s.env.State != nil {
		err := s.env.State.SetStrategyState(ctx, s.id, map[string]any{
			"base_price":       s.basePrice,
			"last_trade_price": fill.Price,
		})
		if err != nil {
			s.logger.Error("checkpoint failed", "error", err)
		}
	}
}

func (s *Grid) OnPositionUpdate(ctx context.Context, pos events.PositionUpdate) {}

func (s *Grid) Shutdown(ctx context.Context) {}

func (s *Grid) checkBuy() *events.StrategySignal {
	if s.current <= 0 || s.basePrice <= 0 {
		return nil
	}
	lower := s.basePrice * (1 - s.gridSize/100)
	if s.current > lower {
		if s.buyArmed {
			s.lowest = 0
			s.buyArmed = false
		}
		return nil
	}

	s.buyArmed = true
	if s.lowest == 0 || s.current < s.lowest {
		s.lowest = s.current
		s.logger.Info("buy side armed",
			"price", s.current, "trigger", lower, "lowest", s.lowest)
	}

	// Only buy once price has bounced off the extreme.
	if s.current >= s.lowest*(1+s.flipThreshold()) {
		s.buyArmed = false
		s.logger.Info("buy signal", "price", s.current, "lowest", s.lowest)
		return &events.StrategySignal{
			StrategyID:  s.id,
			SignalType:  "buy",
			Symbol:      s.symbol,
			Confidence:  1.0,
			TargetPrice: s.current,
			Timestamp:   s.now().UTC(),
			Metadata: map[string]any{
				"grid_size":    s.gridSize,
				"base_price":   s.basePrice,
				"lowest_price": s.lowest,
			},
		}
	}
	return nil
}

func (s *Grid) checkSell() *events.StrategySignal {
	if s.current <= 0 || s.basePrice <= 0 {
		return nil
	}
	upper := s.basePrice * (1 + s.gridSize/100)
	if s.current < upper {
		if s.sellArmed {
			s.highest = 0
			s.sellArmed = false
		}
		return nil
	}

	s.sellArmed = true
	if s.current > s.highest {
		s.highest = s.current
		s.logger.Info("sell side armed",
			"price", s.current, "trigger", upper, "highest", s.highest)
	}

	// Only sell once price has pulled back from the extreme.
	if s.highest > 0 && s.current <= s.highest*(1-s.flipThreshold()) {
		s.sellArmed = false
		s.logger.Info("sell signal", "price", s.current, "highest", s.highest)
		return &events.StrategySignal{
			StrategyID:  s.id,
			SignalType:  "sell",
			Symbol:      s.symbol,
			Confidence:  1.0,
			TargetPrice: s.current,
			Timestamp:   s.now().UTC(),
			Metadata: map[string]any{
				"grid_size":     s.gridSize,
				"base_price":    s.basePrice,
				"highest_price": s.highest,
			},
		}
	}
	return nil
}

func (s *Grid) flipThreshold() float64 {
	return (s.gridSize / 100) * s.flipFactor
}

func (s *Grid) resetExtremes() {
	if s.highest != 0 || s.lowest != 0 {
		s.logger.Debug("reset extremes", "highest", s.highest, "lowest", s.lowest)
	}
	s.highest = 0
	s.lowest = 0
	s.buyArmed = false
	s.sellArmed = false
}
