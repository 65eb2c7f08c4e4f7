package strategy

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"voltrader/internal/config"
	"voltrader/pkg/events"
)

func init() {
	Register("delta_hedger", func(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error) {
		return NewDeltaHedger(cfg, logger), nil
	})
}

// DeltaHedger keeps the portfolio delta pinned near zero. It watches the
// aggregated risk broadcast and, whenever total delta drifts past the
// threshold, emits an opposing hedge intent in the linear instrument.
// Rehedging against a long-gamma book sells rallies and buys dips, which
// is where the straddle carry comes from.
type DeltaHedger struct {
	id     string
	logger *slog.Logger

	underlying      string
	hedgeInstrument string
	deltaThreshold  float64
	cooldown        time.Duration

	totalDelta float64
	hedgePos   float64
	lastHedge  time.Time

	now func() time.Time
}

// NewDeltaHedger builds the strategy from its config block.
func NewDeltaHedger(cfg config.StrategyConfig, logger *slog.Logger) *DeltaHedger {
	p := Params(cfg.Params)
	underlying := cfg.Symbol
	if underlying == "" {
		underlying = p.String("underlying", "BTC/USDT")
	}
	return &DeltaHedger{
		id:              cfg.ID,
		logger:          logger.With("strategy", cfg.ID),
		underlying:      underlying,
		hedgeInstrument: p.String("hedge_instrument", underlying+":USDT"),
		deltaThreshold:  p.Float("delta_threshold", 0.05),
		cooldown:        p.Duration("rebalance_interval", time.Minute),
		now:             time.Now,
	}
}

func (s *DeltaHedger) ID() string { return s.id }

func (s *DeltaHedger) Capability() Capability {
	return Capability{
		Name:        "delta_hedger",
		Instruments: []string{InstrumentPerpetual, InstrumentFutures},
		Symbols:     []string{s.hedgeInstrument},
		MinCapital:  100,
	}
}

func (s *DeltaHedger) Init(ctx context.Context, env Env) error {
	s.logger.Info("delta hedger ready",
		"underlying", s.underlying,
		"hedge_instrument", s.hedgeInstrument,
		"threshold", s.deltaThreshold)
	return nil
}

// OnTick is a no-op: hedging is driven by the portfolio risk broadcast.
func (s *DeltaHedger) OnTick(ctx context.Context, tick events.MarketTick) Output {
	return Output{}
}

// OnPortfolioRisk checks whether the book needs rehedging.
func (s *DeltaHedger) OnPortfolioRisk(ctx context.Context, pr events.PortfolioRisk) Output {
	s.totalDelta = pr.TotalDelta

	if math.Abs(pr.TotalDelta) < s.deltaThreshold {
		return Output{}
	}
	if !s.lastHedge.IsZero() && s.now().Sub(s.lastHedge) < s.cooldown {
		return Output{}
	}

	hedge := -pr.TotalDelta
	direction := events.Buy
	if hedge < 0 {
		direction = events.Sell
	}

	s.logger.Info("delta hedge needed",
		"total_delta", pr.TotalDelta, "hedge_quantity", hedge)

	s.lastHedge = s.now()
	return Output{Intent: &events.StrategyIntent{
		IntentID:   uuid.NewString(),
		StrategyID: s.id,
		Symbol:     s.hedgeInstrument,
		IntentType: "delta_hedge",
		Action:     events.ActionDeltaHedge,
		Direction:  direction,
		Quantity:   math.Abs(hedge),
		Confidence: 1.0,
		Reason:     "maintain_delta_neutral",
		Metadata: map[string]any{
			"strategy_type":  "delta_hedger",
			"current_delta":  pr.TotalDelta,
			"hedge_quantity": math.Abs(hedge),
		},
		Timestamp: s.now().UTC(),
	}}
}

func (s *DeltaHedger) OnFill(ctx context.Context, fill events.OrderFill) {
	if fill.Side == events.Buy {
		s.hedgePos += fill.Quantity
	} else {
		s.hedgePos -= fill.Quantity
	}
	s.logger.Info("hedge position changed",
		"side", fill.Side, "quantity", fill.Quantity, "position", s.hedgePos)
}

func (s *DeltaHedger) OnPositionUpdate(ctx context.Context, pos events.PositionUpdate) {
	if pos.Symbol == s.hedgeInstrument {
		s.hedgePos = pos.Quantity
	}
}

func (s *DeltaHedger) Shutdown(ctx context.Context) {}
