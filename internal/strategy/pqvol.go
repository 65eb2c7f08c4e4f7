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
	Register("pq_vol_trader", func(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error) {
		return NewPQVol(cfg, logger), nil
	})
}

// PQVol trades the spread between market-implied volatility (P, from the
// options surface) and model-forecast volatility (Q). When the forecast
// exceeds the market by more than the threshold it buys straddles (long
// gamma); the mirror case sells them. A FOMO guard holds back new risk
// when crowd sentiment and realized moves are jointly extreme.
type PQVol struct {
	id     string
	logger *slog.Logger

	underlying   string
	volThreshold float64
	horizon      string
	maxPosition  float64
	baseSize     float64
	maxFomo      float64
	cooldown     time.Duration

	pVol *float64
	qVol *float64

	regime      events.Regime
	regimeScore float64
	sentiment   *float64
	fomo        *float64

	position   float64 // net straddle exposure, long positive
	lastSignal time.Time

	now func() time.Time
}

// NewPQVol builds the strategy from its config block.
func NewPQVol(cfg config.StrategyConfig, logger *slog.Logger) *PQVol {
	p := Params(cfg.Params)
	underlying := cfg.Symbol
	if underlying == "" {
		underlying = p.String("underlying", "BTC/USDT")
	}
	return &PQVol{
		id:           cfg.ID,
		logger:       logger.With("strategy", cfg.ID),
		underlying:   underlying,
		volThreshold: p.Float("vol_threshold", 0.05),
		horizon:      p.String("forecast_horizon", "24h"),
		maxPosition:  p.Float("max_position_size", 1.0),
		baseSize:     p.Float("intent_base_size", 0.1),
		maxFomo:      p.Float("max_fomo_score", 0.7),
		cooldown:     p.Duration("signal_cooldown", time.Hour),
		now:          time.Now,
	}
}

func (s *PQVol) ID() string { return s.id }

func (s *PQVol) Capability() Capability {
	return Capability{
		Name:        "pq_vol_trader",
		Instruments: []string{InstrumentOption},
		Symbols:     []string{s.underlying},
		MinCapital:  1000,
	}
}

func (s *PQVol) Init(ctx context.Context, env Env) error {
	s.logger.Info("pq vol trader ready",
		"underlying", s.underlying,
		"threshold", s.volThreshold,
		"horizon", s.horizon)
	return nil
}

// OnTick is a no-op: the strategy is driven by volatility events.
func (s *PQVol) OnTick(ctx context.Context, tick events.MarketTick) Output {
	return Output{}
}

// OnVolSurface updates the P side and re-evaluates.
func (s *PQVol) OnVolSurface(ctx context.Context, surface events.VolatilitySurface) Output {
	if surface.Underlying != s.underlying {
		return Output{}
	}
	atm := surface.AtmIV
	s.pVol = &atm
	s.logger.Debug("p updated", "atm_iv", atm)
	return s.evaluate()
}

// OnVolForecast updates the Q side and re-evaluates.
func (s *PQVol) OnVolForecast(ctx context.Context, forecast events.VolatilityForecast) Output {
	if forecast.Underlying != s.underlying || forecast.Horizon != s.horizon {
		return Output{}
	}
	q := forecast.PredictedVol
	s.qVol = &q
	s.logger.Debug("q updated", "predicted_vol", q, "confidence", forecast.Confidence)
	return s.evaluate()
}

// OnMacroState refreshes the regime and sentiment picture. Absent fields
// keep their previous values.
func (s *PQVol) OnMacroState(ctx context.Context, ms events.MacroState) {
	if ms.Symbol != "" && ms.Symbol != s.underlying {
		return
	}
	if ms.Regime != "" {
		s.regime = ms.Regime
	}
	if ms.RegimeScore != 0 {
		s.regimeScore = ms.RegimeScore
	}
	if ms.Sentiment != nil {
		s.sentiment = ms.Sentiment
	}
	if ms.Fomo != nil {
		s.fomo = ms.Fomo
	}
}

func (s *PQVol) OnFill(ctx context.Context, fill events.OrderFill) {
	if fill.Side == events.Buy {
		s.position += fill.Quantity
	} else {
		s.position -= fill.Quantity
	}
	s.logger.Info("vol position changed",
		"side", fill.Side, "quantity", fill.Quantity, "position", s.position)
}

func (s *PQVol) OnPositionUpdate(ctx context.Context, pos events.PositionUpdate) {
	s.position = pos.Quantity
}

func (s *PQVol) Shutdown(ctx context.Context) {}

// evaluate runs the intent decision over the current P/Q state.
func (s *PQVol) evaluate() Output {
	if !s.lastSignal.IsZero() && s.now().Sub(s.lastSignal) < s.cooldown {
		return Output{}
	}
	if s.pVol == nil || s.qVol == nil {
		return Output{}
	}
	spread := *s.qVol - *s.pVol

	s.logger.Info("pq state",
		"p_vol", *s.pVol, "q_vol", *s.qVol, "spread", spread,
		"regime", s.regime, "fomo", s.fomo)

	// FOMO defence: when the crowd is chasing, refuse to add risk.
	if s.fomo != nil && *s.fomo > s.maxFomo {
		s.logger.Warn("holding: fomo above limit",
			"fomo", *s.fomo, "limit", s.maxFomo)
		return Output{}
	}

	var (
		direction  events.Side
		intentType string
		reason     string
	)
	switch {
	case spread > s.volThreshold && s.position < s.maxPosition:
		direction = events.Buy
		intentType = "increase_long_gamma"
		reason = "market_underpricing_volatility"
	case spread < -s.volThreshold && s.position > -s.maxPosition:
		direction = events.Sell
		intentType = "increase_short_gamma"
		reason = "market_overpricing_volatility"
	default:
		return Output{}
	}

	available := s.maxPosition - s.position
	if direction == events.Sell {
		available = s.maxPosition + s.position
	}
	quantity := math.Min(s.baseSize, math.Max(0, available))
	if quantity <= 0 {
		return Output{}
	}

	action := events.ActionBuyStraddle
	if direction == events.Sell {
		action = events.ActionSellStraddle
	}

	s.lastSignal = s.now()
	return Output{Intent: &events.StrategyIntent{
		IntentID:   uuid.NewString(),
		StrategyID: s.id,
		Symbol:     s.underlying,
		IntentType: intentType,
		Action:     action,
		Direction:  direction,
		Quantity:   quantity,
		Confidence: math.Min(math.Abs(spread)/s.volThreshold, 1.0),
		Reason:     reason,
		Metadata: map[string]any{
			"strategy_type": "pq_vol_trader",
			"p_vol":         *s.pVol,
			"q_vol":         *s.qVol,
			"pq_spread":     spread,
			"fomo_score":    s.fomo,
			"macro_regime":  s.regime,
			"regime_score":  s.regimeScore,
			"quantity":      quantity,
		},
		Timestamp: s.now().UTC(),
	}}
}
