package options

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"voltrader/internal/bus"
	"voltrader/pkg/events"
)

// consumerGroup is the executor's durable group on the bus.
const consumerGroup = "option_executor"

// Executor translates risk-approved structure commands into concrete option
// orders. It keeps the latest volatility surface per underlying and resolves
// ATM legs against it: a buy_straddle on BTC becomes one call and one put
// order at the ATM strike of the nearest expiry.
type Executor struct {
	bus    bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	surfaces map[string]events.VolatilitySurface

	cancel context.CancelFunc
	done   chan struct{}
}

// NewExecutor builds the executor. Start must be called before it consumes
// anything.
func NewExecutor(b bus.Bus, logger *slog.Logger) *Executor {
	return &Executor{
		bus:      b,
		logger:   logger.With("component", "option_executor"),
		surfaces: make(map[string]events.VolatilitySurface),
	}
}

// Start launches the consume loop over execution commands and surfaces.
func (e *Executor) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, err := e.bus.SubscribeMultiple(ctx, consumerGroup,
		events.StreamExecutionCommand, events.StreamVolSurface)
	if err != nil {
		e.cancel()
		return err
	}

	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.consume(ctx, ch)
	}()

	e.logger.Info("option executor started")
	return nil
}

// Stop shuts the consume loop down and waits for it.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.logger.Info("option executor stopped")
}

func (e *Executor) consume(ctx context.Context, ch <-chan bus.Message) {
	for msg := range ch {
		if msg.Keepalive {
			continue
		}
		switch msg.Stream {
		case events.StreamVolSurface:
			e.handleSurface(msg.Data)
		case events.StreamExecutionCommand:
			e.handleCommand(ctx, msg.Data)
		}
	}
}

func (e *Executor) handleSurface(data []byte) {
	var surface events.VolatilitySurface
	if err := json.Unmarshal(data, &surface); err != nil {
		e.logger.Error("decode vol surface", "error", err)
		return
	}
	e.mu.Lock()
	e.surfaces[surface.Underlying] = surface
	e.mu.Unlock()
	e.logger.Debug("surface cached", "underlying", surface.Underlying,
		"contracts", len(surface.Entries))
}

func (e *Executor) handleCommand(ctx context.Context, data []byte) {
	var cmd events.ExecutionCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		e.logger.Error("decode execution command", "error", err)
		return
	}
	if cmd.Action == "" {
		return
	}

	e.logger.Info("execution command",
		"strategy", cmd.StrategyID, "action", cmd.Action, "symbol", cmd.Symbol)

	switch cmd.Action {
	case events.ActionBuyStraddle:
		e.executeStraddle(ctx, cmd, events.Buy)
	case events.ActionSellStraddle:
		e.executeStraddle(ctx, cmd, events.Sell)
	case events.ActionBuyStrangle, events.ActionSellStrangle:
		// TODO: strangle leg selection (OTM call + OTM put at a
		// configurable delta target).
		e.logger.Info("strangle execution not implemented", "strategy", cmd.StrategyID)
	default:
		e.logger.Debug("unhandled execution action", "action", cmd.Action)
	}
}

// executeStraddle emits one limit order per ATM leg (call and put at the
// same strike and the nearest expiry).
func (e *Executor) executeStraddle(ctx context.Context, cmd events.ExecutionCommand, side events.Side) {
	e.mu.RLock()
	surface, ok := e.surfaces[cmd.Symbol]
	e.mu.RUnlock()
	if !ok {
		e.logger.Warn("no volatility surface, straddle skipped", "underlying", cmd.Symbol)
		return
	}

	legs := atmOptions(surface)
	if len(legs) == 0 {
		e.logger.Warn("no ATM contracts found", "underlying", cmd.Symbol)
		return
	}

	quantity := cmd.Quantity
	if quantity <= 0 {
		if q, ok := cmd.Metadata["quantity"].(float64); ok {
			quantity = q
		} else {
			quantity = 0.1
		}
	}

	for _, leg := range legs {
		order := events.OrderCommand{
			StrategyID: cmd.StrategyID,
			Symbol:     FormatSymbol(leg),
			Side:       side,
			OrderType:  events.Limit,
			Quantity:   quantity,
			Price:      leg.Last,
			Command:    "create",
			Metadata: map[string]any{
				"intent_id":   cmd.IntentID,
				"option_type": string(leg.OptionType),
				"strike":      leg.Strike,
				"expiry":      leg.Expiry,
				"strategy":    "straddle",
			},
		}
		if err := e.bus.Publish(ctx, events.StreamOrderCommand, order); err != nil {
			e.logger.Error("publish leg order", "symbol", order.Symbol, "error", err)
			continue
		}
		e.logger.Info("option order published",
			"side", side, "type", leg.OptionType,
			"strike", leg.Strike, "expiry", leg.Expiry)
	}
}

// atmOptions picks the call and put at the median strike of the nearest
// expiry. The surface's strike ladder brackets spot, so the median strike
// approximates ATM without a fresh spot quote.
func atmOptions(surface events.VolatilitySurface) []events.OptionChainEntry {
	if len(surface.Entries) == 0 {
		return nil
	}

	expirySet := make(map[string]struct{})
	for _, opt := range surface.Entries {
		expirySet[opt.Expiry] = struct{}{}
	}
	expiries := make([]string, 0, len(expirySet))
	for exp := range expirySet {
		expiries = append(expiries, exp)
	}
	sort.Strings(expiries)
	nearest := expiries[0]

	var nearestOpts []events.OptionChainEntry
	strikeSet := make(map[float64]struct{})
	for _, opt := range surface.Entries {
		if opt.Expiry == nearest {
			nearestOpts = append(nearestOpts, opt)
			strikeSet[opt.Strike] = struct{}{}
		}
	}

	strikes := make([]float64, 0, len(strikeSet))
	for s := range strikeSet {
		strikes = append(strikes, s)
	}
	if len(strikes) == 0 {
		return nil
	}
	sort.Float64s(strikes)
	atmStrike := strikes[len(strikes)/2]

	var legs []events.OptionChainEntry
	for _, opt := range nearestOpts {
		if opt.Strike == atmStrike {
			legs = append(legs, opt)
		}
	}
	return legs
}
