// Package risk implements the portfolio risk service.
//
// The service is the single writer of the global portfolio state: it
// consumes order fills, maintains positions and PnL history, aggregates
// option greeks over the book, and broadcasts the portfolio risk picture.
// It also provides the pre-order veto every new intent must pass, and a
// periodic sweep that raises alerts on limit breaches.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"voltrader/internal/bus"
	"voltrader/internal/clients"
	"voltrader/internal/config"
	"voltrader/internal/exchange"
	"voltrader/internal/options"
	"voltrader/internal/state"
	"voltrader/pkg/events"
)

// consumerGroup is the risk service's durable group on order.fill. It is
// distinct from the engine's group so both observe every fill.
const consumerGroup = "risk_service"

// CheckResult is the outcome of a pre-order check.
type CheckResult struct {
	Approved bool
	Reason   string
	Metrics  map[string]any
}

// Service owns the portfolio store and the risk loops.
type Service struct {
	bus       bus.Bus
	portfolio *state.PortfolioStore
	exchange  exchange.Exchange  // nil when balance refresh is disabled
	sentiment *clients.Sentiment // nil when no sentiment service configured
	cfg       config.RiskConfig
	opts      config.OptionsConfig
	logger    *slog.Logger

	mu        sync.Mutex
	peakValue float64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the risk service. exchange and sentiment may be nil.
func NewService(
	b bus.Bus,
	portfolio *state.PortfolioStore,
	ex exchange.Exchange,
	sentiment *clients.Sentiment,
	cfg config.RiskConfig,
	opts config.OptionsConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		bus:       b,
		portfolio: portfolio,
		exchange:  ex,
		sentiment: sentiment,
		cfg:       cfg,
		opts:      opts,
		logger:    logger.With("component", "risk"),
	}
}

// Start initializes the peak value and launches the fill consumer, the
// periodic sweep, and the macro broadcast loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	peak, err := s.portfolio.PeakValue(ctx)
	if err != nil {
		return fmt.Errorf("load peak value: %w", err)
	}
	if peak == 0 {
		peak, err = s.totalValue(ctx)
		if err != nil {
			return fmt.Errorf("initial valuation: %w", err)
		}
		s.logger.Info("initial portfolio value", "value", peak)
	}
	s.mu.Lock()
	s.peakValue = peak
	s.mu.Unlock()

	fills, err := s.bus.Subscribe(ctx, events.StreamOrderFill, consumerGroup)
	if err != nil {
		return err
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.consumeFills(ctx, fills)
	}()
	go func() {
		defer s.wg.Done()
		s.periodicSweep(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.macroLoop(ctx)
	}()

	s.logger.Info("risk service started")
	return nil
}

// Stop shuts down all loops and waits for them.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("risk service stopped")
}

// ————————————————————————————————————————————————————————————————————————
// fills
// ————————————————————————————————————————————————————————————————————————

func (s *Service) consumeFills(ctx context.Context, ch <-chan bus.Message) {
	for msg := range ch {
		if msg.Keepalive {
			continue
		}
		var fill events.OrderFill
		if err := json.Unmarshal(msg.Data, &fill); err != nil {
			s.logger.Error("decode fill", "error", err)
			continue
		}
		if err := s.HandleFill(ctx, fill); err != nil {
			s.logger.Error("handle fill", "symbol", fill.Symbol, "error", err)
		}
	}
}

// HandleFill applies one fill to the global position book and refreshes
// the derived state (balance, PnL history, risk metrics).
func (s *Service) HandleFill(ctx context.Context, fill events.OrderFill) error {
	s.logger.Info("fill",
		"symbol", fill.Symbol, "side", fill.Side,
		"quantity", fill.Quantity, "price", fill.Price)

	current, err := s.portfolio.Position(ctx, fill.Symbol)
	if err != nil {
		return err
	}

	var curQty, curAvg decimal.Decimal
	if current != nil {
		curQty = decimal.NewFromFloat(current.Quantity)
		curAvg = decimal.NewFromFloat(current.AvgPrice)
	}
	fillQty := decimal.NewFromFloat(fill.Quantity)
	fillPrice := decimal.NewFromFloat(fill.Price)

	var newQty, newAvg decimal.Decimal
	if fill.Side == events.Buy {
		newQty = curQty.Add(fillQty)
		if newQty.IsPositive() {
			// Weighted average over the combined size.
			newAvg = curQty.Mul(curAvg).Add(fillQty.Mul(fillPrice)).Div(newQty)
		} else {
			newAvg = fillPrice
		}
	} else {
		// Sells realize PnL; the average entry price stays.
		newQty = curQty.Sub(fillQty)
		newAvg = curAvg
	}

	pos := state.Position{
		Symbol:     fill.Symbol,
		Quantity:   newQty.InexactFloat64(),
		AvgPrice:   newAvg.InexactFloat64(),
		StrategyID: fill.StrategyID,
	}
	if current != nil && current.Greeks != nil {
		pos.Greeks = current.Greeks
	}
	if err := s.portfolio.UpdatePosition(ctx, pos); err != nil {
		return err
	}

	if s.exchange != nil {
		if bal, err := s.exchange.Balance(ctx); err != nil {
			s.logger.Error("refresh balance", "error", err)
		} else if err := s.portfolio.UpdateBalance(ctx, bal); err != nil {
			s.logger.Error("store balance", "error", err)
		}
	}

	if err := s.recordPnL(ctx); err != nil {
		s.logger.Error("record pnl", "error", err)
	}
	return s.refreshRiskMetrics(ctx)
}

func (s *Service) recordPnL(ctx context.Context) error {
	total, err := s.totalValue(ctx)
	if err != nil {
		return err
	}
	return s.portfolio.RecordPnL(ctx, state.PnLRecord{TotalValue: total})
}

// totalValue is the quote balance plus every position at its average entry
// price.
func (s *Service) totalValue(ctx context.Context) (float64, error) {
	balances, err := s.portfolio.Balance(ctx)
	if err != nil {
		return 0, err
	}
	positions, err := s.portfolio.Positions(ctx)
	if err != nil {
		return 0, err
	}

	total := decimal.NewFromFloat(balances["USDT"])
	for _, pos := range positions {
		total = total.Add(decimal.NewFromFloat(pos.Quantity).Mul(decimal.NewFromFloat(pos.AvgPrice)))
	}
	return total.InexactFloat64(), nil
}

// ————————————————————————————————————————————————————————————————————————
// greeks aggregation
// ————————————————————————————————————————————————————————————————————————

// refreshRiskMetrics recomputes the aggregated portfolio picture and
// broadcasts it on portfolio.risk.
func (s *Service) refreshRiskMetrics(ctx context.Context) error {
	total, err := s.totalValue(ctx)
	if err != nil {
		return err
	}
	positions, err := s.portfolio.Positions(ctx)
	if err != nil {
		return err
	}

	var positionValue, totalDelta, totalGamma, totalVega, totalTheta, totalRho float64
	for symbol, pos := range positions {
		positionValue += pos.Quantity * pos.AvgPrice

		if !options.IsOptionSymbol(symbol) {
			// Spot and linear futures carry delta one per unit.
			totalDelta += pos.Quantity
			continue
		}

		greeks := pos.Greeks
		if greeks == nil {
			greeks = s.calculateGreeks(ctx, symbol, pos)
		}
		if greeks == nil {
			continue
		}
		totalDelta += greeks.Delta * pos.Quantity
		totalGamma += greeks.Gamma * pos.Quantity
		totalVega += greeks.Vega * pos.Quantity
		totalTheta += greeks.Theta * pos.Quantity
		totalRho += greeks.Rho * pos.Quantity
	}

	var ratio float64
	if total > 0 {
		ratio = positionValue / total
	}

	metrics := state.RiskMetrics{
		TotalExposure: positionValue,
		PositionRatio: ratio,
		TotalDelta:    totalDelta,
		TotalGamma:    totalGamma,
		TotalVega:     totalVega,
		TotalTheta:    totalTheta,
		TotalRho:      totalRho,
	}
	if err := s.portfolio.UpdateRiskMetrics(ctx, metrics); err != nil {
		return err
	}

	s.logger.Debug("risk metrics",
		"delta", totalDelta, "gamma", totalGamma, "vega", totalVega)

	return s.bus.Publish(ctx, events.StreamPortfolioRisk, events.PortfolioRisk{
		TotalDelta:    totalDelta,
		TotalGamma:    totalGamma,
		TotalVega:     totalVega,
		TotalTheta:    totalTheta,
		TotalRho:      totalRho,
		PositionRatio: ratio,
		Timestamp:     time.Now().UTC(),
		Metadata: map[string]any{
			"total_value":    total,
			"position_value": positionValue,
		},
	})
}

// calculateGreeks prices an option position that has no cached greeks yet
// and persists the result. Returns nil when the symbol cannot be priced.
func (s *Service) calculateGreeks(ctx context.Context, symbol string, pos state.Position) *events.OptionGreeks {
	contract, ok := options.ParseSymbol(symbol)
	if !ok {
		return nil
	}

	spot := pos.AvgPrice // fallback when no venue is reachable
	if s.exchange != nil {
		if ticker, err := s.exchange.Ticker(ctx, contract.Underlying+"/USDT"); err == nil && ticker.Last > 0 {
			spot = ticker.Last
		} else if err != nil {
			s.logger.Debug("spot lookup failed, using entry price", "symbol", symbol, "error", err)
		}
	}

	t := options.TimeToExpiry(contract.Expiry, time.Now().UTC())
	greeks := options.Greeks(spot, contract.Strike, t, s.opts.RiskFreeRate, s.opts.AssumedVol, contract.Type)

	if err := s.portfolio.UpdatePositionGreeks(ctx, symbol, greeks); err != nil {
		s.logger.Error("cache greeks", "symbol", symbol, "error", err)
	}
	return &greeks
}

// ————————————————————————————————————————————————————————————————————————
// pre-order veto
// ————————————————————————————————————————————————————————————————————————

// CheckPreOrder runs the veto chain an intent must pass before execution:
// drawdown, then portfolio position ratio, then simulated post-trade
// concentration and gross leverage.
func (s *Service) CheckPreOrder(ctx context.Context, strategyID, symbol string, side events.Side, quantity, price float64) (CheckResult, error) {
	s.logger.Info("pre-order check",
		"strategy", strategyID, "symbol", symbol,
		"side", side, "quantity", quantity, "price", price)

	res, err := s.checkDrawdown(ctx)
	if err != nil || !res.Approved {
		return res, err
	}
	res, err = s.checkPositionLimits(ctx)
	if err != nil || !res.Approved {
		return res, err
	}
	res, err = s.simulateOrderImpact(ctx, symbol, side, quantity, price)
	if err != nil || !res.Approved {
		return res, err
	}

	s.logger.Info("pre-order check passed", "strategy", strategyID)
	return CheckResult{Approved: true, Reason: "all risk checks passed"}, nil
}

func (s *Service) checkDrawdown(ctx context.Context) (CheckResult, error) {
	current, err := s.totalValue(ctx)
	if err != nil {
		return CheckResult{}, err
	}

	s.mu.Lock()
	if s.peakValue == 0 || current > s.peakValue {
		s.peakValue = current
		peak := s.peakValue
		s.mu.Unlock()
		if err := s.portfolio.RecordDrawdown(ctx, state.DrawdownRecord{
			CurrentValue: current, PeakValue: peak,
		}); err != nil {
			return CheckResult{}, err
		}
		return CheckResult{Approved: true}, nil
	}
	peak := s.peakValue
	s.mu.Unlock()

	drawdown := (peak - current) / peak
	if err := s.portfolio.RecordDrawdown(ctx, state.DrawdownRecord{
		CurrentValue: current, PeakValue: peak, DrawdownPct: drawdown,
	}); err != nil {
		return CheckResult{}, err
	}

	if drawdown > s.cfg.MaxDrawdownPct {
		return CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("drawdown limit exceeded: %.2f%% > %.2f%%",
				drawdown*100, s.cfg.MaxDrawdownPct*100),
			Metrics: map[string]any{
				"current_value": current,
				"peak_value":    peak,
				"drawdown_pct":  drawdown,
			},
		}, nil
	}
	return CheckResult{Approved: true}, nil
}

func (s *Service) checkPositionLimits(ctx context.Context) (CheckResult, error) {
	total, err := s.totalValue(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	if total == 0 {
		return CheckResult{Approved: true}, nil
	}

	positions, err := s.portfolio.Positions(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	var positionValue float64
	for _, pos := range positions {
		positionValue += pos.Quantity * pos.AvgPrice
	}
	ratio := positionValue / total

	if ratio > s.cfg.MaxPositionRatio {
		return CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("position ratio too high: %.2f%% > %.2f%%",
				ratio*100, s.cfg.MaxPositionRatio*100),
			Metrics: map[string]any{"position_ratio": ratio},
		}, nil
	}
	// A nonzero floor flags a book that has drifted under its intended
	// deployment level. The default of 0 keeps a flat portfolio tradeable.
	if ratio < s.cfg.MinPositionRatio {
		return CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("position ratio too low: %.2f%% < %.2f%%",
				ratio*100, s.cfg.MinPositionRatio*100),
			Metrics: map[string]any{"position_ratio": ratio},
		}, nil
	}
	return CheckResult{Approved: true}, nil
}

// simulateOrderImpact checks the post-trade book: single-name concentration
// against MaxSinglePositionPct and gross notional leverage against
// MaxGrossLeverage.
func (s *Service) simulateOrderImpact(ctx context.Context, symbol string, side events.Side, quantity, price float64) (CheckResult, error) {
	current, err := s.portfolio.Position(ctx, symbol)
	if err != nil {
		return CheckResult{}, err
	}
	var curQty float64
	if current != nil {
		curQty = current.Quantity
	}

	newQty := curQty + quantity
	if side == events.Sell {
		newQty = curQty - quantity
	}

	total, err := s.totalValue(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	if total == 0 {
		// Nothing to leverage against; sizing is the caller's problem.
		return CheckResult{Approved: true}, nil
	}

	newPositionValue := newQty * price
	positionPct := newPositionValue / total
	if positionPct > s.cfg.MaxSinglePositionPct {
		return CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("single position limit exceeded: %.2f%% > %.2f%%",
				positionPct*100, s.cfg.MaxSinglePositionPct*100),
			Metrics: map[string]any{
				"position_pct":       positionPct,
				"symbol":             symbol,
				"total_value":        total,
				"new_position_value": newPositionValue,
			},
		}, nil
	}

	positions, err := s.portfolio.Positions(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	var grossNotional float64
	for _, pos := range positions {
		grossNotional += math.Abs(pos.Quantity * pos.AvgPrice)
	}
	orderNotional := math.Abs(quantity * price)
	newLeverage := (grossNotional + orderNotional) / total

	if newLeverage > s.cfg.MaxGrossLeverage {
		return CheckResult{
			Approved: false,
			Reason: fmt.Sprintf("gross leverage limit exceeded: %.2fx > %.2fx",
				newLeverage, s.cfg.MaxGrossLeverage),
			Metrics: map[string]any{
				"new_leverage":   newLeverage,
				"max_leverage":   s.cfg.MaxGrossLeverage,
				"order_notional": orderNotional,
				"total_value":    total,
			},
		}, nil
	}

	return CheckResult{
		Approved: true,
		Reason:   "single position and gross leverage within limits",
		Metrics: map[string]any{
			"position_pct": positionPct,
			"new_leverage": newLeverage,
		},
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// periodic sweep
// ————————————————————————————————————————————————————————————————————————

func (s *Service) periodicSweep(ctx context.Context) {
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if res, err := s.checkDrawdown(ctx); err != nil {
			s.logger.Error("sweep drawdown check", "error", err)
		} else if !res.Approved {
			s.alert(ctx, "drawdown", events.SeverityCritical, res)
		}

		if res, err := s.checkPositionLimits(ctx); err != nil {
			s.logger.Error("sweep position check", "error", err)
		} else if !res.Approved {
			s.alert(ctx, "position_limit", events.SeverityWarning, res)
		}
	}
}

func (s *Service) alert(ctx context.Context, alertType string, severity events.Severity, res CheckResult) {
	var current, threshold float64
	if v, ok := res.Metrics["current_value"].(float64); ok {
		current = v
	}
	if v, ok := res.Metrics["threshold_value"].(float64); ok {
		threshold = v
	}
	err := s.bus.Publish(ctx, events.StreamRiskAlert, events.RiskAlert{
		StrategyID:     "global",
		AlertType:      alertType,
		Severity:       severity,
		Message:        res.Reason,
		CurrentValue:   current,
		ThresholdValue: threshold,
		Timestamp:      time.Now().UTC(),
		Metadata:       res.Metrics,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("publish alert", "type", alertType, "error", err)
	}
	s.logger.Warn("risk alert", "severity", severity, "message", res.Reason)
}
