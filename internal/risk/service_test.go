package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltrader/internal/bus"
	"voltrader/internal/config"
	"voltrader/internal/state"
	"voltrader/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownPct:       0.20,
		MaxPositionRatio:     0.80,
		MaxSinglePositionPct: 0.30,
		MaxGrossLeverage:     2.0,
		CheckInterval:        time.Hour,
		MacroInterval:        time.Hour,
	}
}

func newTestService(t *testing.T, cfg config.RiskConfig) (*Service, *state.PortfolioStore, *bus.RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewRedis(client, "vt_test", 50*time.Millisecond, testLogger())
	t.Cleanup(func() { b.Close() })

	portfolio := state.NewPortfolio(client, "vt_test", time.Hour)
	svc := NewService(b, portfolio, nil, nil, cfg,
		config.OptionsConfig{RiskFreeRate: 0.05, AssumedVol: 0.6}, testLogger())
	return svc, portfolio, b
}

func TestHandleFillPositionMath(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))

	// First buy opens the position at the fill price.
	require.NoError(t, svc.HandleFill(ctx, events.OrderFill{
		StrategyID: "s1", Symbol: "BTC/USDT", Side: events.Buy, Quantity: 1, Price: 100,
	}))
	pos, err := portfolio.Position(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 1.0, pos.Quantity)
	assert.Equal(t, 100.0, pos.AvgPrice)

	// Second buy moves the average to the size-weighted mean.
	require.NoError(t, svc.HandleFill(ctx, events.OrderFill{
		StrategyID: "s1", Symbol: "BTC/USDT", Side: events.Buy, Quantity: 1, Price: 200,
	}))
	pos, err = portfolio.Position(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, pos.Quantity)
	assert.Equal(t, 150.0, pos.AvgPrice)

	// Sells reduce quantity without touching the average.
	require.NoError(t, svc.HandleFill(ctx, events.OrderFill{
		StrategyID: "s1", Symbol: "BTC/USDT", Side: events.Sell, Quantity: 1.5, Price: 300,
	}))
	pos, err = portfolio.Position(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 0.5, pos.Quantity)
	assert.Equal(t, 150.0, pos.AvgPrice)

	// Every fill leaves a PnL snapshot behind.
	pnl, err := portfolio.RecentPnL(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pnl, 3)
}

func TestDrawdownVeto(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	// Peak was 10000; the book is now worth 7900 — a 21% drawdown.
	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 7900}))
	svc.peakValue = 10000

	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 0.1, 100)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "drawdown")
	assert.Contains(t, res.Reason, "21.00%")

	// The veto leaves an observation in the drawdown history.
	dd, err := portfolio.CurrentDrawdown(ctx)
	require.NoError(t, err)
	require.NotNil(t, dd)
	assert.InDelta(t, 0.21, dd.DrawdownPct, 1e-9)
}

func TestDrawdownPeakAdvances(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 12000}))
	svc.peakValue = 10000

	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 0.1, 100)
	require.NoError(t, err)
	assert.True(t, res.Approved)
	assert.Equal(t, 12000.0, svc.peakValue)
}

func TestPositionRatioVeto(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	// 9000 in positions against 10000 total: 90% > the 80% cap.
	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 1000}))
	require.NoError(t, portfolio.UpdatePosition(ctx, state.Position{
		Symbol: "ETH/USDT", Quantity: 3, AvgPrice: 3000,
	}))
	svc.peakValue = 10000

	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 0.1, 100)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "position ratio")
}

func TestPositionRatioFloorVeto(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MinPositionRatio = 0.30
	svc, portfolio, _ := newTestService(t, cfg)
	ctx := context.Background()

	// 1000 in positions against 10000 total: 10% < the 30% floor.
	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 9000}))
	require.NoError(t, portfolio.UpdatePosition(ctx, state.Position{
		Symbol: "ETH/USDT", Quantity: 1, AvgPrice: 1000,
	}))
	svc.peakValue = 10000

	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 0.1, 100)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "position ratio too low")
}

func TestPositionRatioFloorDisabledByDefault(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	// A flat book at the default floor of 0 must still be tradeable.
	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))
	svc.peakValue = 10000

	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 0.1, 100)
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestSinglePositionVeto(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))
	svc.peakValue = 10000

	// 40 × 100 = 4000 is 40% of the book, above the 30% cap.
	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 40, 100)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "single position")
}

func TestGrossLeverageVeto(t *testing.T) {
	cfg := defaultRiskConfig()
	cfg.MaxSinglePositionPct = 10 // out of the way for this test
	svc, portfolio, _ := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 1000}))
	require.NoError(t, portfolio.UpdatePosition(ctx, state.Position{
		Symbol: "ETH/USDT", Quantity: 10, AvgPrice: 100,
	}))
	svc.peakValue = 2000

	// Total value 2000, current gross 1000; a 4000-notional order pushes
	// leverage to 2.5x against the 2.0x cap.
	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 40, 100)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Contains(t, res.Reason, "gross leverage")
}

func TestPreOrderApproved(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))
	svc.peakValue = 10000

	res, err := svc.CheckPreOrder(ctx, "s1", "BTC/USDT", events.Buy, 1, 100)
	require.NoError(t, err)
	assert.True(t, res.Approved)
}

func TestGreeksAggregation(t *testing.T) {
	svc, portfolio, b := newTestService(t, defaultRiskConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	riskCh, err := b.Subscribe(ctx, events.StreamPortfolioRisk, "test")
	require.NoError(t, err)

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))
	// An option position with cached greeks and a spot position: the
	// option contributes delta×quantity, the spot its raw quantity.
	require.NoError(t, portfolio.UpdatePosition(ctx, state.Position{
		Symbol: "BTC-20991231-40000-C", Quantity: 5, AvgPrice: 1000,
		Greeks: &events.OptionGreeks{Delta: 0.3, Gamma: 0.0001, Vega: 20},
	}))
	require.NoError(t, portfolio.UpdatePosition(ctx, state.Position{
		Symbol: "BTC/USDT", Quantity: 1, AvgPrice: 40000,
	}))

	require.NoError(t, svc.refreshRiskMetrics(ctx))

	metrics, err := portfolio.RiskMetrics(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, metrics.TotalDelta, 1e-9)
	assert.InDelta(t, 0.0005, metrics.TotalGamma, 1e-9)
	assert.InDelta(t, 100, metrics.TotalVega, 1e-9)

	// The same picture goes out on portfolio.risk.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-riskCh:
			if msg.Keepalive {
				continue
			}
			var pr events.PortfolioRisk
			require.NoError(t, json.Unmarshal(msg.Data, &pr))
			assert.InDelta(t, 2.5, pr.TotalDelta, 1e-9)
			return
		case <-deadline:
			t.Fatal("no portfolio.risk broadcast")
		}
	}
}

func TestGreeksComputedWhenMissing(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))
	// Far-dated ATM-ish call without cached greeks. With no exchange the
	// entry price stands in for spot.
	require.NoError(t, portfolio.UpdatePosition(ctx, state.Position{
		Symbol: "BTC-20991231-40000-C", Quantity: 2, AvgPrice: 40000,
	}))

	require.NoError(t, svc.refreshRiskMetrics(ctx))

	// The computed greeks are cached back onto the position.
	pos, err := portfolio.Position(ctx, "BTC-20991231-40000-C")
	require.NoError(t, err)
	require.NotNil(t, pos.Greeks)
	assert.Greater(t, pos.Greeks.Delta, 0.0)

	metrics, err := portfolio.RiskMetrics(ctx)
	require.NoError(t, err)
	assert.InDelta(t, pos.Greeks.Delta*2, metrics.TotalDelta, 1e-9)
}

func TestFillConsumptionEndToEnd(t *testing.T) {
	svc, portfolio, b := newTestService(t, defaultRiskConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, portfolio.UpdateBalance(ctx, map[string]float64{"USDT": 10000}))
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.NoError(t, b.Publish(ctx, events.StreamOrderFill, events.OrderFill{
		StrategyID: "s1", OrderID: "o1", Symbol: "BTC/USDT",
		Side: events.Buy, Quantity: 0.5, Price: 40000,
	}))

	require.Eventually(t, func() bool {
		pos, err := portfolio.Position(ctx, "BTC/USDT")
		return err == nil && pos != nil && pos.Quantity == 0.5
	}, 3*time.Second, 20*time.Millisecond)
}
