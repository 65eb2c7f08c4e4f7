// Package adapter feeds external market data onto the bus.
//
// Market polls spot tickers per symbol and publishes market.tick. Options
// samples the option chain for one underlying, inverts implied vols,
// prices the greeks and publishes the assembled volatility surface on
// market.vol_surface. Both poll the exchange on their own cadence and
// back off on errors.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voltrader/internal/bus"
	"voltrader/internal/exchange"
	"voltrader/pkg/events"
)

// Market polls spot tickers and publishes ticks. Symbols can be added and
// removed while running.
type Market struct {
	exchange exchange.Exchange
	bus      bus.Bus
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancels map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMarket builds a market adapter for the given symbols. Polling starts
// on Start.
func NewMarket(ex exchange.Exchange, b bus.Bus, symbols []string, interval time.Duration, logger *slog.Logger) *Market {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Market{
		exchange: ex,
		bus:      b,
		interval: interval,
		logger:   logger.With("component", "market_adapter"),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, sym := range symbols {
		m.cancels[sym] = nil
	}
	return m
}

// Start launches one poll loop per configured symbol.
func (m *Market) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	m.ctx = ctx
	symbols := make([]string, 0, len(m.cancels))
	for sym := range m.cancels {
		symbols = append(symbols, sym)
	}
	for _, sym := range symbols {
		m.startSymbolLocked(sym)
	}
	m.mu.Unlock()

	m.logger.Info("market adapter started", "symbols", symbols)
	return nil
}

// Stop cancels every poll loop and waits for them.
func (m *Market) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("market adapter stopped")
}

// AddSymbol starts polling a new symbol at runtime.
func (m *Market) AddSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cancels[symbol]; ok {
		return
	}
	m.cancels[symbol] = nil
	if m.ctx != nil {
		m.startSymbolLocked(symbol)
		m.logger.Info("symbol added", "symbol", symbol)
	}
}

// RemoveSymbol stops polling a symbol.
func (m *Market) RemoveSymbol(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[symbol]
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	delete(m.cancels, symbol)
	m.logger.Info("symbol removed", "symbol", symbol)
}

func (m *Market) startSymbolLocked(symbol string) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancels[symbol] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pollSymbol(ctx, symbol)
	}()
}

func (m *Market) pollSymbol(ctx context.Context, symbol string) {
	m.logger.Info("polling", "symbol", symbol)
	for {
		wait := m.interval
		if err := m.publishTick(ctx, symbol); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("tick poll failed", "symbol", symbol, "error", err)
			wait = m.interval * 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Market) publishTick(ctx context.Context, symbol string) error {
	ticker, err := m.exchange.Ticker(ctx, symbol)
	if err != nil {
		return err
	}
	if ticker.Last <= 0 {
		return nil
	}

	tick := events.MarketTick{
		Symbol:    symbol,
		Price:     ticker.Last,
		Volume:    ticker.BaseVolume,
		Bid:       ticker.Bid,
		Ask:       ticker.Ask,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"high":       ticker.High,
			"low":        ticker.Low,
			"open":       ticker.Open,
			"percentage": ticker.Percentage,
		},
	}
	if err := m.bus.Publish(ctx, events.StreamMarketTick, tick); err != nil {
		return err
	}
	m.logger.Debug("tick", "symbol", symbol, "price", tick.Price)
	return nil
}
