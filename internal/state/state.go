// Package state persists strategy and portfolio state in Redis.
//
// Two stores share one client: Store scopes keys per strategy so plugins can
// checkpoint and recover their own state, and PortfolioStore holds the global
// portfolio view. The risk service is the sole writer of the portfolio keys;
// everything else reads.
package state

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"voltrader/pkg/events"
)

// Position is one portfolio position record. Greeks are cached from the last
// risk sweep; nil for positions never priced as options.
type Position struct {
	Symbol        string               `json:"symbol"`
	Quantity      float64              `json:"quantity"`
	AvgPrice      float64              `json:"avg_price"`
	UnrealizedPnl float64              `json:"unrealized_pnl"`
	StrategyID    string               `json:"strategy_id,omitempty"`
	Greeks        *events.OptionGreeks `json:"greeks,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Event is one entry of a strategy's audit trail.
type Event struct {
	Type      string         `json:"type"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const eventCap = 1000

// Store is the per-strategy state store. Keys carry a TTL so abandoned
// strategies age out on their own.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New builds a per-strategy store on an existing client. Keys take the form
// "{prefix}:state:{category}:{strategyID}".
func New(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(category, strategyID string) string {
	return fmt.Sprintf("%s:state:%s:%s", s.prefix, category, strategyID)
}

// SetStrategyState replaces the strategy's checkpoint. Each field is stored
// as its own JSON-encoded hash entry.
func (s *Store) SetStrategyState(ctx context.Context, strategyID string, st map[string]any) error {
	key := s.key("strategy", strategyID)
	mapping, err := encodeFields(st, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("encode strategy state: %w", err)
	}
	if err := s.client.HSet(ctx, key, mapping).Err(); err != nil {
		return fmt.Errorf("set strategy state %s: %w", strategyID, err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// StrategyState loads the checkpoint. Returns nil with no error when the
// strategy has never saved state.
func (s *Store) StrategyState(ctx context.Context, strategyID string) (map[string]any, error) {
	data, err := s.client.HGetAll(ctx, s.key("strategy", strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get strategy state %s: %w", strategyID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return decodeFields(data)
}

// SetPosition records one of the strategy's own positions.
func (s *Store) SetPosition(ctx context.Context, strategyID string, pos Position) error {
	pos.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	key := s.key("position", strategyID)
	if err := s.client.HSet(ctx, key, pos.Symbol, raw).Err(); err != nil {
		return fmt.Errorf("set position %s/%s: %w", strategyID, pos.Symbol, err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Position returns one position, or nil when the strategy holds none in the
// symbol.
func (s *Store) Position(ctx context.Context, strategyID, symbol string) (*Position, error) {
	raw, err := s.client.HGet(ctx, s.key("position", strategyID), symbol).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", strategyID, symbol, err)
	}
	var pos Position
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return nil, fmt.Errorf("decode position %s/%s: %w", strategyID, symbol, err)
	}
	return &pos, nil
}

// Positions returns every position of the strategy keyed by symbol.
func (s *Store) Positions(ctx context.Context, strategyID string) (map[string]Position, error) {
	data, err := s.client.HGetAll(ctx, s.key("position", strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", strategyID, err)
	}
	out := make(map[string]Position, len(data))
	for sym, raw := range data {
		var pos Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			return nil, fmt.Errorf("decode position %s/%s: %w", strategyID, sym, err)
		}
		out[sym] = pos
	}
	return out, nil
}

// SetBalance replaces the strategy's asset balances.
func (s *Store) SetBalance(ctx context.Context, strategyID string, balances map[string]float64) error {
	key := s.key("balance", strategyID)
	mapping := make(map[string]any, len(balances)+1)
	for asset, amount := range balances {
		raw, err := json.Marshal(amount)
		if err != nil {
			return fmt.Errorf("encode balance: %w", err)
		}
		mapping[asset] = raw
	}
	mapping["updated_at"] = quoteTime(time.Now().UTC())
	if err := s.client.HSet(ctx, key, mapping).Err(); err != nil {
		return fmt.Errorf("set balance %s: %w", strategyID, err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Balance returns the strategy's balances; empty map when unset.
func (s *Store) Balance(ctx context.Context, strategyID string) (map[string]float64, error) {
	data, err := s.client.HGetAll(ctx, s.key("balance", strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", strategyID, err)
	}
	return decodeBalances(data)
}

// AddOrder records an open order under the strategy.
func (s *Store) AddOrder(ctx context.Context, strategyID, orderID string, order map[string]any) error {
	key := s.key("orders", strategyID)
	withTS := make(map[string]any, len(order)+1)
	for k, v := range order {
		withTS[k] = v
	}
	withTS["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(withTS)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	if err := s.client.HSet(ctx, key, orderID, raw).Err(); err != nil {
		return fmt.Errorf("add order %s/%s: %w", strategyID, orderID, err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Order returns one open order, or nil when unknown.
func (s *Store) Order(ctx context.Context, strategyID, orderID string) (map[string]any, error) {
	raw, err := s.client.HGet(ctx, s.key("orders", strategyID), orderID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s/%s: %w", strategyID, orderID, err)
	}
	var order map[string]any
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return nil, fmt.Errorf("decode order %s/%s: %w", strategyID, orderID, err)
	}
	return order, nil
}

// Orders returns all open orders keyed by order ID.
func (s *Store) Orders(ctx context.Context, strategyID string) (map[string]map[string]any, error) {
	data, err := s.client.HGetAll(ctx, s.key("orders", strategyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get orders %s: %w", strategyID, err)
	}
	out := make(map[string]map[string]any, len(data))
	for id, raw := range data {
		var order map[string]any
		if err := json.Unmarshal([]byte(raw), &order); err != nil {
			return nil, fmt.Errorf("decode order %s/%s: %w", strategyID, id, err)
		}
		out[id] = order
	}
	return out, nil
}

// RemoveOrder drops a closed or cancelled order.
func (s *Store) RemoveOrder(ctx context.Context, strategyID, orderID string) error {
	return s.client.HDel(ctx, s.key("orders", strategyID), orderID).Err()
}

// AppendEvent appends to the strategy's audit trail, keeping the most recent
// entries only.
func (s *Store) AppendEvent(ctx context.Context, strategyID string, ev Event) error {
	ev.Timestamp = time.Now().UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	key := s.key("events", strategyID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, -eventCap, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event %s: %w", strategyID, err)
	}
	return nil
}

// RecentEvents returns up to limit of the newest audit entries, oldest first.
func (s *Store) RecentEvents(ctx context.Context, strategyID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	data, err := s.client.LRange(ctx, s.key("events", strategyID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get events %s: %w", strategyID, err)
	}
	out := make([]Event, 0, len(data))
	for _, raw := range data {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", strategyID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// hash field codec
// ————————————————————————————————————————————————————————————————————————

// Hashes store one JSON document per field so individual fields stay
// readable from redis-cli.

func encodeFields(fields map[string]any, ts time.Time) (map[string]any, error) {
	mapping := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		mapping[k] = raw
	}
	mapping["updated_at"] = quoteTime(ts)
	return mapping, nil
}

func decodeFields(data map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, raw := range data {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeBalances(data map[string]string) (map[string]float64, error) {
	out := make(map[string]float64, len(data))
	for k, raw := range data {
		if k == "updated_at" {
			continue
		}
		var v float64
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("balance %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func quoteTime(ts time.Time) string {
	raw, _ := json.Marshal(ts.Format(time.RFC3339Nano))
	return string(raw)
}
