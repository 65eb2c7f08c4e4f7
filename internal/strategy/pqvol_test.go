package strategy

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltrader/internal/config"
	"voltrader/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f(v float64) *float64 { return &v }

func newTestPQVol(t *testing.T) *PQVol {
	t.Helper()
	s := NewPQVol(config.StrategyConfig{
		ID:     "pq1",
		Type:   "pq_vol_trader",
		Symbol: "BTC/USDT",
		Params: map[string]any{
			"vol_threshold":    0.05,
			"intent_base_size": 0.1,
			"signal_cooldown":  3600,
		},
	}, testLogger())
	require.NoError(t, s.Init(context.Background(), Env{}))
	return s
}

func surface(underlying string, atm float64) events.VolatilitySurface {
	return events.VolatilitySurface{Underlying: underlying, AtmIV: atm}
}

func forecast(underlying string, vol float64) events.VolatilityForecast {
	return events.VolatilityForecast{Underlying: underlying, Horizon: "24h", PredictedVol: vol}
}

func TestPQVolBuysWhenMarketUnderpricesVol(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	// P alone is not enough to act.
	assert.True(t, s.OnVolSurface(ctx, surface("BTC/USDT", 0.50)).Empty())

	out := s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60))
	require.NotNil(t, out.Intent)
	intent := out.Intent
	assert.Equal(t, events.ActionBuyStraddle, intent.Action)
	assert.Equal(t, events.Buy, intent.Direction)
	assert.Equal(t, "increase_long_gamma", intent.IntentType)
	assert.Equal(t, 0.1, intent.Quantity)
	assert.Equal(t, 1.0, intent.Confidence) // spread is 2x the threshold
	assert.NotEmpty(t, intent.IntentID)
	assert.Equal(t, "pq1", intent.StrategyID)
}

func TestPQVolSellsWhenMarketOverpricesVol(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	s.OnVolForecast(ctx, forecast("BTC/USDT", 0.50))
	out := s.OnVolSurface(ctx, surface("BTC/USDT", 0.70))
	require.NotNil(t, out.Intent)
	assert.Equal(t, events.ActionSellStraddle, out.Intent.Action)
	assert.Equal(t, events.Sell, out.Intent.Direction)
	assert.Equal(t, "increase_short_gamma", out.Intent.IntentType)
}

func TestPQVolHoldsInsideThreshold(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	s.OnVolSurface(ctx, surface("BTC/USDT", 0.50))
	out := s.OnVolForecast(ctx, forecast("BTC/USDT", 0.52))
	assert.True(t, out.Empty())
}

func TestPQVolFomoDefence(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	// Extreme crowd-chasing: hold even though the spread says buy.
	s.OnMacroState(ctx, events.MacroState{Regime: events.RegimeHighVolBull, Fomo: f(0.8)})
	s.OnVolSurface(ctx, surface("BTC/USDT", 0.50))
	out := s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60))
	assert.True(t, out.Empty())

	// Calm sentiment releases the guard.
	s.OnMacroState(ctx, events.MacroState{Regime: events.RegimeBull, Fomo: f(0.2)})
	out = s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60))
	require.NotNil(t, out.Intent)
	assert.Equal(t, events.ActionBuyStraddle, out.Intent.Action)
}

func TestPQVolCooldown(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	s.OnVolSurface(ctx, surface("BTC/USDT", 0.50))
	out := s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60))
	require.NotNil(t, out.Intent)

	// Still inside the cooldown window.
	now = now.Add(30 * time.Minute)
	assert.True(t, s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60)).Empty())

	now = now.Add(31 * time.Minute)
	out = s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60))
	require.NotNil(t, out.Intent)
}

func TestPQVolIgnoresOtherInstruments(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	assert.True(t, s.OnVolSurface(ctx, surface("ETH/USDT", 0.50)).Empty())
	assert.True(t, s.OnVolForecast(ctx, forecast("ETH/USDT", 0.60)).Empty())

	// Wrong horizon is ignored too.
	out := s.OnVolForecast(ctx, events.VolatilityForecast{
		Underlying: "BTC/USDT", Horizon: "1h", PredictedVol: 0.60,
	})
	assert.True(t, out.Empty())
}

func TestPQVolPositionCap(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	// At the cap: no more long gamma.
	s.position = 1.0
	s.OnVolSurface(ctx, surface("BTC/USDT", 0.50))
	assert.True(t, s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60)).Empty())

	// Just under the cap: quantity is clipped to the remaining headroom.
	s.position = 0.95
	out := s.OnVolForecast(ctx, forecast("BTC/USDT", 0.60))
	require.NotNil(t, out.Intent)
	assert.InDelta(t, 0.05, out.Intent.Quantity, 1e-9)
}

func TestPQVolTracksFills(t *testing.T) {
	s := newTestPQVol(t)
	ctx := context.Background()

	s.OnFill(ctx, events.OrderFill{Side: events.Buy, Quantity: 0.3})
	s.OnFill(ctx, events.OrderFill{Side: events.Sell, Quantity: 0.1})
	assert.InDelta(t, 0.2, s.position, 1e-9)

	s.OnPositionUpdate(ctx, events.PositionUpdate{Symbol: "BTC/USDT", Quantity: 0.7})
	assert.Equal(t, 0.7, s.position)
}
