package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"voltrader/pkg/events"
)

// PnLRecord is one snapshot of portfolio profit and loss.
type PnLRecord struct {
	RealizedPnl   float64        `json:"realized_pnl"`
	UnrealizedPnl float64        `json:"unrealized_pnl"`
	TotalPnl      float64        `json:"total_pnl"`
	TotalValue    float64        `json:"total_value"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// DrawdownRecord is one observation of portfolio drawdown against the peak.
type DrawdownRecord struct {
	CurrentValue float64   `json:"current_value"`
	PeakValue    float64   `json:"peak_value"`
	DrawdownPct  float64   `json:"drawdown_pct"`
	Timestamp    time.Time `json:"timestamp"`
}

// RiskMetrics is the current aggregated portfolio risk picture.
type RiskMetrics struct {
	TotalExposure float64   `json:"total_exposure"`
	PositionRatio float64   `json:"position_ratio"`
	Leverage      float64   `json:"leverage"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	TotalDelta    float64   `json:"total_delta"`
	TotalGamma    float64   `json:"total_gamma"`
	TotalVega     float64   `json:"total_vega"`
	TotalTheta    float64   `json:"total_theta"`
	TotalRho      float64   `json:"total_rho"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	pnlCap      = 10000
	drawdownCap = 1000
)

// PortfolioStore holds the global portfolio view shared across strategies.
// Only the risk service writes to it.
type PortfolioStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPortfolio builds the portfolio store. Keys take the form
// "{prefix}:portfolio:{name}".
func NewPortfolio(client *redis.Client, prefix string, ttl time.Duration) *PortfolioStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &PortfolioStore{client: client, prefix: prefix, ttl: ttl}
}

func (p *PortfolioStore) key(name string) string {
	return fmt.Sprintf("%s:portfolio:%s", p.prefix, name)
}

// UpdateBalance replaces the global asset balances.
func (p *PortfolioStore) UpdateBalance(ctx context.Context, balances map[string]float64) error {
	key := p.key("balance")
	mapping := make(map[string]any, len(balances)+1)
	for asset, amount := range balances {
		raw, err := json.Marshal(amount)
		if err != nil {
			return fmt.Errorf("encode balance: %w", err)
		}
		mapping[asset] = raw
	}
	mapping["updated_at"] = quoteTime(time.Now().UTC())
	if err := p.client.HSet(ctx, key, mapping).Err(); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return p.client.Expire(ctx, key, p.ttl).Err()
}

// Balance returns the global balances; empty map when unset.
func (p *PortfolioStore) Balance(ctx context.Context) (map[string]float64, error) {
	data, err := p.client.HGetAll(ctx, p.key("balance")).Result()
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return decodeBalances(data)
}

// UpdatePosition writes one global position. The full record including any
// cached greeks is persisted as-is.
func (p *PortfolioStore) UpdatePosition(ctx context.Context, pos Position) error {
	pos.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	key := p.key("positions")
	if err := p.client.HSet(ctx, key, pos.Symbol, raw).Err(); err != nil {
		return fmt.Errorf("update position %s: %w", pos.Symbol, err)
	}
	return p.client.Expire(ctx, key, p.ttl).Err()
}

// RemovePosition drops a fully closed position.
func (p *PortfolioStore) RemovePosition(ctx context.Context, symbol string) error {
	return p.client.HDel(ctx, p.key("positions"), symbol).Err()
}

// Position returns one global position, or nil when flat.
func (p *PortfolioStore) Position(ctx context.Context, symbol string) (*Position, error) {
	raw, err := p.client.HGet(ctx, p.key("positions"), symbol).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	var pos Position
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", symbol, err)
	}
	return &pos, nil
}

// Positions returns all global positions keyed by symbol.
func (p *PortfolioStore) Positions(ctx context.Context) (map[string]Position, error) {
	data, err := p.client.HGetAll(ctx, p.key("positions")).Result()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make(map[string]Position, len(data))
	for sym, raw := range data {
		var pos Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", sym, err)
		}
		out[sym] = pos
	}
	return out, nil
}

// UpdatePositionGreeks refreshes the cached greeks on an existing position.
// No-op when the position is flat.
func (p *PortfolioStore) UpdatePositionGreeks(ctx context.Context, symbol string, greeks events.OptionGreeks) error {
	pos, err := p.Position(ctx, symbol)
	if err != nil || pos == nil {
		return err
	}
	pos.Greeks = &greeks
	return p.UpdatePosition(ctx, *pos)
}

// RecordPnL appends a PnL snapshot, keeping the newest entries only.
func (p *PortfolioStore) RecordPnL(ctx context.Context, rec PnLRecord) error {
	rec.TotalPnl = rec.RealizedPnl + rec.UnrealizedPnl
	rec.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pnl: %w", err)
	}
	key := p.key("pnl_history")
	pipe := p.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -pnlCap, -1)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record pnl: %w", err)
	}
	return nil
}

// RecentPnL returns up to limit of the newest PnL snapshots, oldest first.
func (p *PortfolioStore) RecentPnL(ctx context.Context, limit int) ([]PnLRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	data, err := p.client.LRange(ctx, p.key("pnl_history"), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get pnl history: %w", err)
	}
	out := make([]PnLRecord, 0, len(data))
	for _, raw := range data {
		var rec PnLRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode pnl record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// PeakValue scans the retained PnL history for the highest total value seen.
func (p *PortfolioStore) PeakValue(ctx context.Context) (float64, error) {
	history, err := p.RecentPnL(ctx, pnlCap)
	if err != nil {
		return 0, err
	}
	var peak float64
	for _, rec := range history {
		if rec.TotalValue > peak {
			peak = rec.TotalValue
		}
	}
	return peak, nil
}

// UpdateRiskMetrics replaces the aggregated risk metrics hash.
func (p *PortfolioStore) UpdateRiskMetrics(ctx context.Context, m RiskMetrics) error {
	m.UpdatedAt = time.Now().UTC()
	key := p.key("risk_metrics")
	mapping := map[string]any{
		"total_exposure": floatField(m.TotalExposure),
		"position_ratio": floatField(m.PositionRatio),
		"leverage":       floatField(m.Leverage),
		"max_drawdown":   floatField(m.MaxDrawdown),
		"total_delta":    floatField(m.TotalDelta),
		"total_gamma":    floatField(m.TotalGamma),
		"total_vega":     floatField(m.TotalVega),
		"total_theta":    floatField(m.TotalTheta),
		"total_rho":      floatField(m.TotalRho),
		"updated_at":     quoteTime(m.UpdatedAt),
	}
	if err := p.client.HSet(ctx, key, mapping).Err(); err != nil {
		return fmt.Errorf("update risk metrics: %w", err)
	}
	return p.client.Expire(ctx, key, p.ttl).Err()
}

// RiskMetrics returns the current metrics; zero values when never written.
func (p *PortfolioStore) RiskMetrics(ctx context.Context) (RiskMetrics, error) {
	data, err := p.client.HGetAll(ctx, p.key("risk_metrics")).Result()
	if err != nil {
		return RiskMetrics{}, fmt.Errorf("get risk metrics: %w", err)
	}
	var m RiskMetrics
	m.TotalExposure = parseField(data, "total_exposure")
	m.PositionRatio = parseField(data, "position_ratio")
	m.Leverage = parseField(data, "leverage")
	m.MaxDrawdown = parseField(data, "max_drawdown")
	m.TotalDelta = parseField(data, "total_delta")
	m.TotalGamma = parseField(data, "total_gamma")
	m.TotalVega = parseField(data, "total_vega")
	m.TotalTheta = parseField(data, "total_theta")
	m.TotalRho = parseField(data, "total_rho")
	if raw, ok := data["updated_at"]; ok {
		var s string
		if json.Unmarshal([]byte(raw), &s) == nil {
			m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, s)
		}
	}
	return m, nil
}

// TotalDelta is a shortcut for the delta hedger's fast path.
func (p *PortfolioStore) TotalDelta(ctx context.Context) (float64, error) {
	raw, err := p.client.HGet(ctx, p.key("risk_metrics"), "total_delta").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get total delta: %w", err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse total delta: %w", err)
	}
	return v, nil
}

// RecordDrawdown appends a drawdown observation, keeping the newest only.
func (p *PortfolioStore) RecordDrawdown(ctx context.Context, rec DrawdownRecord) error {
	rec.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode drawdown: %w", err)
	}
	key := p.key("drawdown")
	pipe := p.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -drawdownCap, -1)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record drawdown: %w", err)
	}
	return nil
}

// CurrentDrawdown returns the latest drawdown observation, or nil when the
// history is empty.
func (p *PortfolioStore) CurrentDrawdown(ctx context.Context) (*DrawdownRecord, error) {
	data, err := p.client.LRange(ctx, p.key("drawdown"), -1, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get drawdown: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rec DrawdownRecord
	if err := json.Unmarshal([]byte(data[0]), &rec); err != nil {
		return nil, fmt.Errorf("decode drawdown: %w", err)
	}
	return &rec, nil
}

func floatField(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseField(data map[string]string, field string) float64 {
	raw, ok := data[field]
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}
