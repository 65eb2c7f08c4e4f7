// Package engine is the central orchestrator of the trading core.
//
// It loads the configured strategy plugins, fans the bus streams out to
// them, and runs every returned intent through the risk gate before it
// becomes an execution or order command:
//
//  1. Market, volatility, macro and portfolio events are consumed through
//     one consumer group and dispatched to the strategies that declared
//     the matching capability.
//  2. Strategy outputs go back onto the bus: intents to strategy.intent,
//     where the engine picks them up again for the risk check. External
//     producers can inject intents the same way.
//  3. Approved option-structure intents become execution commands for the
//     option executor; everything else becomes a direct order command.
//
// All strategy handlers run on the single dispatch goroutine, so plugins
// stay free of locks. A panicking strategy is isolated and logged, never
// fatal.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"voltrader/internal/bus"
	"voltrader/internal/config"
	"voltrader/internal/risk"
	"voltrader/internal/state"
	"voltrader/internal/strategy"
	"voltrader/pkg/events"
)

// defaultGroup is the engine's durable group when none is configured.
// Distinct from the risk service's and executor's groups so each component
// sees every message.
const defaultGroup = "strategy_engine"

// RiskChecker is the pre-order gate. Satisfied by *risk.Service; nil
// disables the check (dry runs, tests).
type RiskChecker interface {
	CheckPreOrder(ctx context.Context, strategyID, symbol string, side events.Side, quantity, price float64) (risk.CheckResult, error)
}

// slot is one loaded strategy with its probed capabilities.
type slot struct {
	strat    strategy.Strategy
	cap      strategy.Capability
	symbols  map[string]struct{}
	surface  strategy.VolSurfaceHandler
	forecast strategy.VolForecastHandler
	macro    strategy.MacroStateHandler
	risk     strategy.PortfolioRiskHandler
}

// StrategyStatus is the monitoring view of one loaded strategy.
type StrategyStatus struct {
	ID          string   `json:"strategy_id"`
	Name        string   `json:"strategy_name"`
	Symbols     []string `json:"symbols"`
	Instruments []string `json:"instrument_types"`
}

// Engine owns the strategy plugins and the intent pipeline.
type Engine struct {
	bus     bus.Bus
	store   *state.Store
	checker RiskChecker
	group   string
	logger  *slog.Logger

	mu    sync.RWMutex
	slots map[string]*slot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine. checker may be nil.
func New(b bus.Bus, store *state.Store, checker RiskChecker, cfg config.EngineConfig, logger *slog.Logger) *Engine {
	group := cfg.Group
	if group == "" {
		group = defaultGroup
	}
	return &Engine{
		bus:     b,
		store:   store,
		checker: checker,
		group:   group,
		logger:  logger.With("component", "engine"),
		slots:   make(map[string]*slot),
	}
}

// LoadStrategy instantiates, initializes and registers one strategy.
// Loading an existing ID replaces the old instance.
func (e *Engine) LoadStrategy(ctx context.Context, cfg config.StrategyConfig) error {
	strat, err := strategy.New(cfg, e.logger)
	if err != nil {
		return err
	}
	if err := strat.Init(ctx, strategy.Env{State: e.store}); err != nil {
		return fmt.Errorf("init strategy %s: %w", cfg.ID, err)
	}

	capability := strat.Capability()
	sl := &slot{
		strat:   strat,
		cap:     capability,
		symbols: make(map[string]struct{}, len(capability.Symbols)),
	}
	for _, sym := range capability.Symbols {
		sl.symbols[sym] = struct{}{}
	}
	sl.surface, _ = strat.(strategy.VolSurfaceHandler)
	sl.forecast, _ = strat.(strategy.VolForecastHandler)
	sl.macro, _ = strat.(strategy.MacroStateHandler)
	sl.risk, _ = strat.(strategy.PortfolioRiskHandler)

	e.mu.Lock()
	if old, ok := e.slots[cfg.ID]; ok {
		e.logger.Warn("replacing loaded strategy", "strategy", cfg.ID)
		old.strat.Shutdown(ctx)
	}
	e.slots[cfg.ID] = sl
	e.mu.Unlock()

	e.logger.Info("strategy loaded",
		"strategy", cfg.ID, "type", capability.Name, "symbols", capability.Symbols)
	return nil
}

// UnloadStrategy shuts down and removes one strategy.
func (e *Engine) UnloadStrategy(ctx context.Context, strategyID string) {
	e.mu.Lock()
	sl, ok := e.slots[strategyID]
	if ok {
		delete(e.slots, strategyID)
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("unload of unknown strategy", "strategy", strategyID)
		return
	}
	sl.strat.Shutdown(ctx)
	e.logger.Info("strategy unloaded", "strategy", strategyID)
}

// ActiveStrategies lists the loaded strategies for the status API.
func (e *Engine) ActiveStrategies() []StrategyStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StrategyStatus, 0, len(e.slots))
	for id, sl := range e.slots {
		out = append(out, StrategyStatus{
			ID:          id,
			Name:        sl.cap.Name,
			Symbols:     sl.cap.Symbols,
			Instruments: sl.cap.Instruments,
		})
	}
	return out
}

// Start subscribes to all input streams and launches the dispatch loop.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	ch, err := e.bus.SubscribeMultiple(ctx, e.group,
		events.StreamMarketTick,
		events.StreamVolSurface,
		events.StreamVolForecast,
		events.StreamMacroState,
		events.StreamPortfolioRisk,
		events.StreamOrderFill,
		events.StreamPositionUpdate,
		events.StreamStrategyIntent,
	)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchLoop(ctx, ch)
	}()

	e.mu.RLock()
	n := len(e.slots)
	e.mu.RUnlock()
	e.logger.Info("engine started", "strategies", n)
	return nil
}

// Stop cancels the dispatch loop and shuts down every strategy.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.mu.Lock()
	for id, sl := range e.slots {
		sl.strat.Shutdown(ctx)
		delete(e.slots, id)
	}
	e.mu.Unlock()
	e.logger.Info("engine stopped")
}

// ————————————————————————————————————————————————————————————————————————
// dispatch
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) dispatchLoop(ctx context.Context, ch <-chan bus.Message) {
	for msg := range ch {
		if msg.Keepalive {
			continue
		}
		e.dispatch(ctx, msg)
	}
}

func (e *Engine) dispatch(ctx context.Context, msg bus.Message) {
	switch msg.Stream {
	case events.StreamMarketTick:
		var tick events.MarketTick
		if e.decode(msg, &tick) {
			e.dispatchTick(ctx, tick)
		}
	case events.StreamVolSurface:
		var surface events.VolatilitySurface
		if e.decode(msg, &surface) {
			e.dispatchSurface(ctx, surface)
		}
	case events.StreamVolForecast:
		var forecast events.VolatilityForecast
		if e.decode(msg, &forecast) {
			e.dispatchForecast(ctx, forecast)
		}
	case events.StreamMacroState:
		var ms events.MacroState
		if e.decode(msg, &ms) {
			e.dispatchMacro(ctx, ms)
		}
	case events.StreamPortfolioRisk:
		var pr events.PortfolioRisk
		if e.decode(msg, &pr) {
			e.dispatchPortfolioRisk(ctx, pr)
		}
	case events.StreamOrderFill:
		var fill events.OrderFill
		if e.decode(msg, &fill) {
			e.dispatchFill(ctx, fill)
		}
	case events.StreamPositionUpdate:
		var pos events.PositionUpdate
		if e.decode(msg, &pos) {
			e.dispatchPosition(ctx, pos)
		}
	case events.StreamStrategyIntent:
		var intent events.StrategyIntent
		if e.decode(msg, &intent) {
			e.processIntent(ctx, intent)
		}
	}
}

func (e *Engine) decode(msg bus.Message, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		e.logger.Error("decode event", "stream", msg.Stream, "error", err)
		return false
	}
	return true
}

// snapshot copies the slot set so dispatch never holds the lock across
// strategy calls.
func (e *Engine) snapshot() []*slot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*slot, 0, len(e.slots))
	for _, sl := range e.slots {
		out = append(out, sl)
	}
	return out
}

func (e *Engine) dispatchTick(ctx context.Context, tick events.MarketTick) {
	for _, sl := range e.snapshot() {
		if _, ok := sl.symbols[tick.Symbol]; !ok {
			continue
		}
		out := e.safeOutput(sl, "tick", func() strategy.Output {
			return sl.strat.OnTick(ctx, tick)
		})
		e.handleOutput(ctx, out)
	}
}

func (e *Engine) dispatchSurface(ctx context.Context, surface events.VolatilitySurface) {
	for _, sl := range e.snapshot() {
		if sl.surface == nil {
			continue
		}
		out := e.safeOutput(sl, "vol_surface", func() strategy.Output {
			return sl.surface.OnVolSurface(ctx, surface)
		})
		e.handleOutput(ctx, out)
	}
}

func (e *Engine) dispatchForecast(ctx context.Context, forecast events.VolatilityForecast) {
	for _, sl := range e.snapshot() {
		if sl.forecast == nil {
			continue
		}
		out := e.safeOutput(sl, "vol_forecast", func() strategy.Output {
			return sl.forecast.OnVolForecast(ctx, forecast)
		})
		e.handleOutput(ctx, out)
	}
}

func (e *Engine) dispatchMacro(ctx context.Context, ms events.MacroState) {
	for _, sl := range e.snapshot() {
		if sl.macro == nil {
			continue
		}
		e.safeOutput(sl, "macro_state", func() strategy.Output {
			sl.macro.OnMacroState(ctx, ms)
			return strategy.Output{}
		})
	}
}

func (e *Engine) dispatchPortfolioRisk(ctx context.Context, pr events.PortfolioRisk) {
	for _, sl := range e.snapshot() {
		if sl.risk == nil {
			continue
		}
		out := e.safeOutput(sl, "portfolio_risk", func() strategy.Output {
			return sl.risk.OnPortfolioRisk(ctx, pr)
		})
		e.handleOutput(ctx, out)
	}
}

// dispatchFill routes a fill to the strategy that owns the order.
func (e *Engine) dispatchFill(ctx context.Context, fill events.OrderFill) {
	e.mu.RLock()
	sl, ok := e.slots[fill.StrategyID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.safeOutput(sl, "fill", func() strategy.Output {
		sl.strat.OnFill(ctx, fill)
		return strategy.Output{}
	})
}

func (e *Engine) dispatchPosition(ctx context.Context, pos events.PositionUpdate) {
	e.mu.RLock()
	sl, ok := e.slots[pos.StrategyID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	e.safeOutput(sl, "position_update", func() strategy.Output {
		sl.strat.OnPositionUpdate(ctx, pos)
		return strategy.Output{}
	})
}

// safeOutput isolates strategy panics from the dispatch loop.
func (e *Engine) safeOutput(sl *slot, event string, fn func() strategy.Output) (out strategy.Output) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked",
				"strategy", sl.strat.ID(), "event", event,
				"panic", r, "stack", string(debug.Stack()))
			out = strategy.Output{}
		}
	}()
	return fn()
}

// ————————————————————————————————————————————————————————————————————————
// intent pipeline
// ————————————————————————————————————————————————————————————————————————

// handleOutput publishes an intent back onto the bus and runs legacy
// signals through the pipeline directly.
func (e *Engine) handleOutput(ctx context.Context, out strategy.Output) {
	if out.Intent != nil {
		if err := e.bus.Publish(ctx, events.StreamStrategyIntent, out.Intent); err != nil {
			e.logger.Error("publish intent", "strategy", out.Intent.StrategyID, "error", err)
			return
		}
		e.logger.Info("intent published",
			"strategy", out.Intent.StrategyID, "type", out.Intent.IntentType)
	}
	if out.Signal != nil {
		e.processSignal(ctx, *out.Signal)
	}
}

// processIntent runs one intent through risk and hands it to execution.
func (e *Engine) processIntent(ctx context.Context, intent events.StrategyIntent) {
	if intent.Direction == "" {
		e.logger.Debug("dropping directionless intent",
			"strategy", intent.StrategyID, "type", intent.IntentType)
		return
	}
	if intent.Quantity <= 0 {
		e.logger.Debug("dropping zero-quantity intent",
			"strategy", intent.StrategyID, "type", intent.IntentType)
		return
	}

	refPrice, _ := intent.Metadata["reference_price"].(float64)

	if !e.approve(ctx, intent.StrategyID, intent.Symbol, intent.Direction, intent.Quantity, refPrice, intent.Action) {
		return
	}

	if events.IsOptionAction(intent.Action) {
		cmd := events.ExecutionCommand{
			IntentID:   intent.IntentID,
			StrategyID: intent.StrategyID,
			Symbol:     intent.Symbol,
			Action:     intent.Action,
			Direction:  intent.Direction,
			Quantity:   intent.Quantity,
			ApprovedBy: e.approver(),
			Metadata:   intent.Metadata,
			Timestamp:  time.Now().UTC(),
		}
		if err := e.bus.Publish(ctx, events.StreamExecutionCommand, cmd); err != nil {
			e.logger.Error("publish execution command", "error", err)
			return
		}
		e.logger.Info("intent approved, option execution dispatched",
			"strategy", intent.StrategyID, "action", intent.Action)
		return
	}

	meta := make(map[string]any, len(intent.Metadata)+1)
	for k, v := range intent.Metadata {
		meta[k] = v
	}
	meta["intent_id"] = intent.IntentID

	cmd := events.OrderCommand{
		StrategyID: intent.StrategyID,
		Symbol:     intent.Symbol,
		Side:       intent.Direction,
		OrderType:  events.Market,
		Quantity:   intent.Quantity,
		Price:      refPrice,
		Command:    "create",
		Metadata:   meta,
	}
	if err := e.bus.Publish(ctx, events.StreamOrderCommand, cmd); err != nil {
		e.logger.Error("publish order command", "error", err)
		return
	}
	e.logger.Info("intent approved, order dispatched",
		"strategy", intent.StrategyID, "action", intent.Action)
}

// processSignal handles the legacy buy/sell signal shape: a limit order at
// the signal's target price, still risk-gated.
func (e *Engine) processSignal(ctx context.Context, sig events.StrategySignal) {
	if sig.SignalType != "buy" && sig.SignalType != "sell" {
		return
	}

	quantity, _ := sig.Metadata["quantity"].(float64)
	if quantity <= 0 {
		quantity = 0.1
	}
	side := events.Side(sig.SignalType)

	if !e.approve(ctx, sig.StrategyID, sig.Symbol, side, quantity, sig.TargetPrice, "signal_"+sig.SignalType) {
		return
	}

	cmd := events.OrderCommand{
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       side,
		OrderType:  events.Limit,
		Quantity:   quantity,
		Price:      sig.TargetPrice,
		Command:    "create",
		Metadata:   sig.Metadata,
	}
	if err := e.bus.Publish(ctx, events.StreamOrderCommand, cmd); err != nil {
		e.logger.Error("publish order command", "error", err)
		return
	}
	e.logger.Info("signal dispatched",
		"strategy", sig.StrategyID, "side", side, "symbol", sig.Symbol)
}

// approve runs the pre-order check and raises a risk alert on rejection.
func (e *Engine) approve(ctx context.Context, strategyID, symbol string, side events.Side, quantity, price float64, action string) bool {
	if e.checker == nil {
		return true
	}
	res, err := e.checker.CheckPreOrder(ctx, strategyID, symbol, side, quantity, price)
	if err != nil {
		e.logger.Error("risk check failed", "strategy", strategyID, "error", err)
		return false
	}
	if res.Approved {
		return true
	}

	e.logger.Warn("intent rejected by risk",
		"strategy", strategyID, "action", action, "reason", res.Reason)
	alert := events.RiskAlert{
		StrategyID: strategyID,
		AlertType:  "intent_rejected",
		Severity:   events.SeverityWarning,
		Message:    res.Reason,
		Timestamp:  time.Now().UTC(),
		Metadata:   res.Metrics,
	}
	if err := e.bus.Publish(ctx, events.StreamRiskAlert, alert); err != nil {
		e.logger.Error("publish risk alert", "error", err)
	}
	return false
}

func (e *Engine) approver() string {
	if e.checker != nil {
		return "risk_service"
	}
	return "engine"
}
