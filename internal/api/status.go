package api

import (
	"context"
	"time"

	"voltrader/internal/clients"
	"voltrader/internal/engine"
	"voltrader/internal/state"
)

// StrategyLister reports the strategies currently loaded in the engine.
type StrategyLister interface {
	ActiveStrategies() []engine.StrategyStatus
}

// EndpointReporter exposes the health of one upstream endpoint pool.
type EndpointReporter interface {
	HealthSnapshot() []clients.EndpointHealth
}

// StatusPayload is the /api/status response body.
type StatusPayload struct {
	Status        string                              `json:"status"`
	UptimeSeconds float64                             `json:"uptime_seconds"`
	Timestamp     time.Time                           `json:"timestamp"`
	Strategies    []engine.StrategyStatus             `json:"strategies"`
	Positions     map[string]state.Position           `json:"positions"`
	Risk          state.RiskMetrics                   `json:"risk"`
	Drawdown      *state.DrawdownRecord               `json:"drawdown,omitempty"`
	Endpoints     map[string][]clients.EndpointHealth `json:"endpoints,omitempty"`
}

// Status assembles the live status payload from the engine, the portfolio
// store and the upstream endpoint pools.
type Status struct {
	strategies StrategyLister
	portfolio  *state.PortfolioStore
	endpoints  map[string]EndpointReporter
	started    time.Time
}

// NewStatus builds the status source. endpoints maps a service name
// ("sentiment", "forecast") to its pool; a nil map is fine.
func NewStatus(strategies StrategyLister, portfolio *state.PortfolioStore, endpoints map[string]EndpointReporter) *Status {
	return &Status{
		strategies: strategies,
		portfolio:  portfolio,
		endpoints:  endpoints,
		started:    time.Now().UTC(),
	}
}

// Snapshot gathers the current status. Store errors surface so the handler
// can report a degraded backend instead of a half-empty payload.
func (s *Status) Snapshot(ctx context.Context) (StatusPayload, error) {
	now := time.Now().UTC()
	payload := StatusPayload{
		Status:        "running",
		UptimeSeconds: now.Sub(s.started).Seconds(),
		Timestamp:     now,
		Strategies:    s.strategies.ActiveStrategies(),
	}

	positions, err := s.portfolio.Positions(ctx)
	if err != nil {
		return StatusPayload{}, err
	}
	payload.Positions = positions

	risk, err := s.portfolio.RiskMetrics(ctx)
	if err != nil {
		return StatusPayload{}, err
	}
	payload.Risk = risk

	drawdown, err := s.portfolio.CurrentDrawdown(ctx)
	if err != nil {
		return StatusPayload{}, err
	}
	payload.Drawdown = drawdown

	if len(s.endpoints) > 0 {
		payload.Endpoints = make(map[string][]clients.EndpointHealth, len(s.endpoints))
		for name, pool := range s.endpoints {
			payload.Endpoints[name] = pool.HealthSnapshot()
		}
	}
	return payload, nil
}
