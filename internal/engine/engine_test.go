package engine

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
	"voltrader/internal/risk"
	"voltrader/internal/state"
	"voltrader/internal/strategy"
	"voltrader/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChecker approves or rejects everything.
type fakeChecker struct {
	approve bool
	reason  string
	calls   int
}

func (f *fakeChecker) CheckPreOrder(ctx context.Context, strategyID, symbol string, side events.Side, quantity, price float64) (risk.CheckResult, error) {
	f.calls++
	return risk.CheckResult{Approved: f.approve, Reason: f.reason}, nil
}

type testEnv struct {
	bus    *bus.RedisBus
	store  *state.Store
	engine *Engine
}

func newTestEngine(t *testing.T, checker RiskChecker) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewRedis(client, "vt_test", 50*time.Millisecond, testLogger())
	t.Cleanup(func() { b.Close() })

	store := state.New(client, "vt_test", time.Hour)
	return &testEnv{bus: b, store: store, engine: New(b, store, checker, config.EngineConfig{}, testLogger())}
}

func gridConfig() config.StrategyConfig {
	return config.StrategyConfig{
		ID:     "grid1",
		Type:   "grid",
		Symbol: "BNB/USDT",
		Params: map[string]any{
			"base_price": 100.0,
			"grid_size":  2.0,
		},
	}
}

// receive pulls the next real message from ch, skipping keep-alives.
func receive(t *testing.T, ch <-chan bus.Message, timeout time.Duration) bus.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-ch:
			if msg.Keepalive {
				continue
			}
			return msg
		case <-deadline:
			t.Fatal("timed out waiting for message")
			return bus.Message{}
		}
	}
}

func TestLoadAndUnload(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.LoadStrategy(ctx, gridConfig()))
	require.Error(t, env.engine.LoadStrategy(ctx, config.StrategyConfig{ID: "x", Type: "nope"}))

	active := env.engine.ActiveStrategies()
	require.Len(t, active, 1)
	assert.Equal(t, "grid1", active[0].ID)
	assert.Equal(t, "grid", active[0].Name)
	assert.Equal(t, []string{"BNB/USDT"}, active[0].Symbols)

	env.engine.UnloadStrategy(ctx, "grid1")
	assert.Empty(t, env.engine.ActiveStrategies())
}

func TestTickToOrderCommand(t *testing.T) {
	checker := &fakeChecker{approve: true}
	env := newTestEngine(t, checker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.LoadStrategy(ctx, gridConfig()))
	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	orders, err := env.bus.Subscribe(ctx, events.StreamOrderCommand, "test")
	require.NoError(t, err)

	// Breach the lower band, push the low down, then bounce past the flip
	// threshold.
	for _, price := range []float64{97, 96, 96.6} {
		require.NoError(t, env.bus.Publish(ctx, events.StreamMarketTick,
			events.MarketTick{Symbol: "BNB/USDT", Price: price, Timestamp: time.Now()}))
	}

	msg := receive(t, orders, 5*time.Second)
	var cmd events.OrderCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "grid1", cmd.StrategyID)
	assert.Equal(t, events.Buy, cmd.Side)
	assert.Equal(t, events.Limit, cmd.OrderType)
	assert.Equal(t, 96.6, cmd.Price)
	assert.Equal(t, "create", cmd.Command)
	assert.Equal(t, 1, checker.calls)
}

func TestIntentToExecutionCommand(t *testing.T) {
	env := newTestEngine(t, &fakeChecker{approve: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	execs, err := env.bus.Subscribe(ctx, events.StreamExecutionCommand, "test")
	require.NoError(t, err)

	require.NoError(t, env.bus.Publish(ctx, events.StreamStrategyIntent, events.StrategyIntent{
		IntentID:   "i1",
		StrategyID: "pq1",
		Symbol:     "BTC/USDT",
		IntentType: "increase_long_gamma",
		Action:     events.ActionBuyStraddle,
		Direction:  events.Buy,
		Quantity:   0.1,
	}))

	msg := receive(t, execs, 5*time.Second)
	var cmd events.ExecutionCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "i1", cmd.IntentID)
	assert.Equal(t, events.ActionBuyStraddle, cmd.Action)
	assert.Equal(t, "risk_service", cmd.ApprovedBy)
	assert.Equal(t, 0.1, cmd.Quantity)
}

func TestIntentToMarketOrder(t *testing.T) {
	env := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	orders, err := env.bus.Subscribe(ctx, events.StreamOrderCommand, "test")
	require.NoError(t, err)

	// A non-option action routes straight to the order stream.
	require.NoError(t, env.bus.Publish(ctx, events.StreamStrategyIntent, events.StrategyIntent{
		IntentID:   "i2",
		StrategyID: "dh1",
		Symbol:     "BTC/USDT:USDT",
		IntentType: "delta_hedge",
		Action:     events.ActionDeltaHedge,
		Direction:  events.Sell,
		Quantity:   2.5,
	}))

	msg := receive(t, orders, 5*time.Second)
	var cmd events.OrderCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, events.Sell, cmd.Side)
	assert.Equal(t, events.Market, cmd.OrderType)
	assert.Equal(t, 2.5, cmd.Quantity)
	assert.Equal(t, "i2", cmd.Metadata["intent_id"])
}

// The consumer group comes from config; the pipeline runs under a
// non-default group name too.
func TestConfiguredConsumerGroup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewRedis(client, "vt_test", 50*time.Millisecond, testLogger())
	t.Cleanup(func() { b.Close() })
	store := state.New(client, "vt_test", time.Hour)

	eng := New(b, store, nil, config.EngineConfig{Group: "engine_blue"}, testLogger())
	assert.Equal(t, "engine_blue", eng.group)
	assert.Equal(t, defaultGroup, New(b, store, nil, config.EngineConfig{}, testLogger()).group)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	orders, err := b.Subscribe(ctx, events.StreamOrderCommand, "test")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, events.StreamStrategyIntent, events.StrategyIntent{
		IntentID:   "i9",
		StrategyID: "dh1",
		Symbol:     "BTC/USDT:USDT",
		IntentType: "delta_hedge",
		Action:     events.ActionDeltaHedge,
		Direction:  events.Buy,
		Quantity:   1,
	}))

	msg := receive(t, orders, 5*time.Second)
	var cmd events.OrderCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "i9", cmd.Metadata["intent_id"])
}

func TestRejectedIntentRaisesAlert(t *testing.T) {
	env := newTestEngine(t, &fakeChecker{approve: false, reason: "drawdown limit exceeded"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	alerts, err := env.bus.Subscribe(ctx, events.StreamRiskAlert, "test")
	require.NoError(t, err)
	execs, err := env.bus.Subscribe(ctx, events.StreamExecutionCommand, "test")
	require.NoError(t, err)

	require.NoError(t, env.bus.Publish(ctx, events.StreamStrategyIntent, events.StrategyIntent{
		IntentID:   "i3",
		StrategyID: "pq1",
		Symbol:     "BTC/USDT",
		Action:     events.ActionBuyStraddle,
		Direction:  events.Buy,
		Quantity:   0.1,
	}))

	msg := receive(t, alerts, 5*time.Second)
	var alert events.RiskAlert
	require.NoError(t, json.Unmarshal(msg.Data, &alert))
	assert.Equal(t, "intent_rejected", alert.AlertType)
	assert.Equal(t, "pq1", alert.StrategyID)
	assert.Contains(t, alert.Message, "drawdown")

	// Nothing reaches execution.
	select {
	case msg := <-execs:
		if !msg.Keepalive {
			t.Fatalf("unexpected execution command: %s", msg.Data)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDirectionlessIntentDropped(t *testing.T) {
	checker := &fakeChecker{approve: true}
	env := newTestEngine(t, checker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	execs, err := env.bus.Subscribe(ctx, events.StreamExecutionCommand, "test")
	require.NoError(t, err)

	// Hold intent: no direction, never risk-checked.
	require.NoError(t, env.bus.Publish(ctx, events.StreamStrategyIntent, events.StrategyIntent{
		IntentID: "hold", StrategyID: "pq1", Symbol: "BTC/USDT",
		IntentType: "hold", Action: "hold", Quantity: 0.1,
	}))
	// A valid one right behind it is the first to arrive.
	require.NoError(t, env.bus.Publish(ctx, events.StreamStrategyIntent, events.StrategyIntent{
		IntentID: "i4", StrategyID: "pq1", Symbol: "BTC/USDT",
		Action: events.ActionSellStraddle, Direction: events.Sell, Quantity: 0.1,
	}))

	msg := receive(t, execs, 5*time.Second)
	var cmd events.ExecutionCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "i4", cmd.IntentID)
	assert.Equal(t, 1, checker.calls)
}

func TestPortfolioRiskDrivesHedge(t *testing.T) {
	env := newTestEngine(t, &fakeChecker{approve: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.LoadStrategy(ctx, config.StrategyConfig{
		ID:     "dh1",
		Type:   "delta_hedger",
		Symbol: "BTC/USDT",
		Params: map[string]any{"delta_threshold": 0.05},
	}))
	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	orders, err := env.bus.Subscribe(ctx, events.StreamOrderCommand, "test")
	require.NoError(t, err)

	require.NoError(t, env.bus.Publish(ctx, events.StreamPortfolioRisk, events.PortfolioRisk{
		TotalDelta: 2.5, Timestamp: time.Now(),
	}))

	// The hedge intent round-trips through strategy.intent before landing
	// on order.command as a market order.
	msg := receive(t, orders, 5*time.Second)
	var cmd events.OrderCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "dh1", cmd.StrategyID)
	assert.Equal(t, events.Sell, cmd.Side)
	assert.Equal(t, events.Market, cmd.OrderType)
	assert.InDelta(t, 2.5, cmd.Quantity, 1e-9)
}

func TestFillRoutedToOwningStrategy(t *testing.T) {
	env := newTestEngine(t, &fakeChecker{approve: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.LoadStrategy(ctx, gridConfig()))
	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	require.NoError(t, env.bus.Publish(ctx, events.StreamOrderFill, events.OrderFill{
		StrategyID: "grid1", Symbol: "BNB/USDT",
		Side: events.Buy, Quantity: 1, Price: 96,
	}))

	// The grid checkpoints its new base price after the fill.
	require.Eventually(t, func() bool {
		saved, err := env.store.StrategyState(ctx, "grid1")
		if err != nil || saved == nil {
			return false
		}
		base, _ := saved["base_price"].(float64)
		return base == 96
	}, 5*time.Second, 20*time.Millisecond)
}

// panicky blows up on every tick.
type panicky struct{}

func (panicky) ID() string { return "boom" }
func (panicky) Capability() strategy.Capability {
	return strategy.Capability{Name: "panicky", Symbols: []string{"BNB/USDT"}}
}
func (panicky) Init(ctx context.Context, env strategy.Env) error { return nil }
func (panicky) OnTick(ctx context.Context, tick events.MarketTick) strategy.Output {
	panic("boom")
}
func (panicky) OnFill(ctx context.Context, fill events.OrderFill)            {}
func (panicky) OnPositionUpdate(ctx context.Context, pos events.PositionUpdate) {}
func (panicky) Shutdown(ctx context.Context)                                 {}

func init() {
	strategy.Register("panicky", func(cfg config.StrategyConfig, logger *slog.Logger) (strategy.Strategy, error) {
		return panicky{}, nil
	})
}

func TestStrategyPanicIsolated(t *testing.T) {
	env := newTestEngine(t, &fakeChecker{approve: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.LoadStrategy(ctx, config.StrategyConfig{ID: "boom", Type: "panicky"}))
	require.NoError(t, env.engine.LoadStrategy(ctx, gridConfig()))
	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	orders, err := env.bus.Subscribe(ctx, events.StreamOrderCommand, "test")
	require.NoError(t, err)

	// The panicking strategy shares the symbol; the grid must still trade.
	for _, price := range []float64{97, 96, 96.6} {
		require.NoError(t, env.bus.Publish(ctx, events.StreamMarketTick,
			events.MarketTick{Symbol: "BNB/USDT", Price: price, Timestamp: time.Now()}))
	}

	msg := receive(t, orders, 5*time.Second)
	var cmd events.OrderCommand
	require.NoError(t, json.Unmarshal(msg.Data, &cmd))
	assert.Equal(t, "grid1", cmd.StrategyID)
}
