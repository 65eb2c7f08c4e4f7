// Package events defines the shared event envelopes carried on the message bus.
//
// This package is the common vocabulary for the trading core — market data,
// strategy outputs, risk broadcasts, and order lifecycle events. Every
// inter-component signal is one of these structs, JSON-encoded onto a named
// stream. It has no dependencies on internal packages, so it can be imported
// by any layer.
package events

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Stream names
// ————————————————————————————————————————————————————————————————————————

// Logical stream names. The bus prefixes them with its configured namespace.
const (
	StreamMarketTick       = "market.tick"
	StreamVolSurface       = "market.vol_surface"
	StreamMacroState       = "market.macro_state"
	StreamVolForecast      = "strategy.forecast.volatility"
	StreamStrategySignal   = "strategy.signal"
	StreamStrategyIntent   = "strategy.intent"
	StreamExecutionCommand = "execution.command"
	StreamOrderCommand     = "order.command"
	StreamOrderFill        = "order.fill"
	StreamPositionUpdate   = "position.update"
	StreamPortfolioRisk    = "portfolio.risk"
	StreamRiskAlert        = "risk.alert"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the direction of an order or intent.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OptionType distinguishes calls from puts.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// Regime is a discrete label classifying the joint (volatility, sentiment)
// market state.
type Regime string

const (
	RegimeBull        Regime = "bull"
	RegimeBear        Regime = "bear"
	RegimePanic       Regime = "panic"
	RegimeHighVolBull Regime = "high_vol_bull"
	RegimeChop        Regime = "chop"
	RegimeUnknown     Regime = "unknown"
)

// Severity grades risk alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Option structure actions handled by the option execution service. Any
// other action is routed as a plain market order.
const (
	ActionBuyStraddle  = "buy_straddle"
	ActionSellStraddle = "sell_straddle"
	ActionBuyStrangle  = "buy_strangle"
	ActionSellStrangle = "sell_strangle"
	ActionDeltaHedge   = "delta_hedge"
)

// IsOptionAction reports whether the intent action needs translation into
// per-leg option orders rather than a direct order command.
func IsOptionAction(action string) bool {
	switch action {
	case ActionBuyStraddle, ActionSellStraddle, ActionBuyStrangle, ActionSellStrangle:
		return true
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketTick is a single spot market observation published by the market
// adapter. Bid/Ask are zero when the venue does not quote them.
type MarketTick struct {
	Symbol    string         `json:"symbol"`
	Price     float64        `json:"price"`
	Volume    float64        `json:"volume"`
	Bid       float64        `json:"bid,omitempty"`
	Ask       float64        `json:"ask,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// OptionGreeks are the standard closed-form sensitivities. Theta is quoted
// per day; vega and rho per 1% move.
type OptionGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionChainEntry is one quoted option contract inside a volatility surface.
// Expiry uses the YYYY-MM-DD date form.
type OptionChainEntry struct {
	Underlying   string        `json:"underlying"`
	Strike       float64       `json:"strike"`
	Expiry       string        `json:"expiry"`
	OptionType   OptionType    `json:"option_type"`
	Bid          float64       `json:"bid"`
	Ask          float64       `json:"ask"`
	Last         float64       `json:"last"`
	Volume       float64       `json:"volume"`
	OpenInterest float64       `json:"open_interest"`
	IV           float64       `json:"implied_volatility"`
	Greeks       *OptionGreeks `json:"greeks,omitempty"`
}

// VolatilitySurface is the P-world snapshot: every quoted contract for one
// underlying plus the derived ATM IV, strike skew and term structure.
type VolatilitySurface struct {
	Underlying    string             `json:"underlying"`
	Entries       []OptionChainEntry `json:"surface_data"`
	AtmIV         float64            `json:"atm_iv"`
	IVSkew        map[string]float64 `json:"iv_skew"`
	TermStructure map[string]float64 `json:"term_structure"`
	Timestamp     time.Time          `json:"timestamp"`
}

// VolatilityForecast is the Q-world event: a model's prediction of future
// volatility over a fixed horizon (e.g. "24h").
type VolatilityForecast struct {
	Underlying   string    `json:"underlying"`
	Horizon      string    `json:"forecast_horizon"`
	PredictedVol float64   `json:"predicted_volatility"`
	Confidence   float64   `json:"confidence"`
	Model        string    `json:"model_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// MacroState is the periodic macro/sentiment broadcast from the risk service.
// Sentiment and Fomo are nil when the upstream data was unavailable.
type MacroState struct {
	Symbol      string    `json:"symbol,omitempty"`
	Regime      Regime    `json:"macro_regime"`
	RegimeScore float64   `json:"regime_score"`
	Sentiment   *float64  `json:"sentiment_score,omitempty"`
	Fomo        *float64  `json:"fomo_score,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy outputs
// ————————————————————————————————————————————————————————————————————————

// StrategySignal is the legacy strategy output: a concrete buy/sell/hold at
// a target price. New strategies should emit StrategyIntent instead; the
// engine supports both.
type StrategySignal struct {
	StrategyID  string         `json:"strategy_id"`
	SignalType  string         `json:"signal_type"` // buy, sell, hold, close
	Symbol      string         `json:"symbol"`
	Confidence  float64        `json:"confidence"`
	TargetPrice float64        `json:"target_price,omitempty"`
	StopLoss    float64        `json:"stop_loss,omitempty"`
	TakeProfit  float64        `json:"take_profit,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StrategyIntent is a strategy's high-level desired action before risk
// approval. Direction empty means "hold" — the engine discards it.
// One intent produces at most one execution command.
type StrategyIntent struct {
	IntentID   string         `json:"intent_id"`
	StrategyID string         `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	IntentType string         `json:"intent_type"`
	Action     string         `json:"action"`
	Direction  Side           `json:"direction,omitempty"`
	Quantity   float64        `json:"quantity"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ExecutionCommand is a risk-approved intent, ready for translation into
// concrete orders. Only published when the pre-order check passed.
type ExecutionCommand struct {
	IntentID   string         `json:"intent_id"`
	StrategyID string         `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	Action     string         `json:"action"`
	Direction  Side           `json:"direction,omitempty"`
	Quantity   float64        `json:"quantity"`
	ApprovedBy string         `json:"approved_by"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Order lifecycle
// ————————————————————————————————————————————————————————————————————————

// OrderCommand instructs the order router to create, cancel or modify an
// exchange order. Price is required for limit orders.
type OrderCommand struct {
	StrategyID string         `json:"strategy_id"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	OrderType  OrderType      `json:"order_type"`
	Quantity   float64        `json:"quantity"`
	Price      float64        `json:"price,omitempty"`
	Command    string         `json:"command"` // create, cancel, modify
	OrderID    string         `json:"order_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// OrderFill reports an execution from the order router.
type OrderFill struct {
	StrategyID string         `json:"strategy_id"`
	OrderID    string         `json:"order_id"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	Quantity   float64        `json:"quantity"`
	Price      float64        `json:"price"`
	Fee        float64        `json:"fee"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PositionUpdate notifies a strategy of its own position change.
type PositionUpdate struct {
	StrategyID    string    `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avg_price"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk broadcasts
// ————————————————————————————————————————————————————————————————————————

// RiskAlert carries a semantic risk failure to operators.
type RiskAlert struct {
	StrategyID     string         `json:"strategy_id"`
	AlertType      string         `json:"alert_type"` // drawdown, position_limit, ...
	Severity       Severity       `json:"severity"`
	Message        string         `json:"message"`
	CurrentValue   float64        `json:"current_value"`
	ThresholdValue float64        `json:"threshold_value"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PortfolioRisk is the aggregated Greeks broadcast over all live positions.
// Non-option positions contribute their quantity to TotalDelta only.
type PortfolioRisk struct {
	TotalDelta    float64        `json:"total_delta"`
	TotalGamma    float64        `json:"total_gamma"`
	TotalVega     float64        `json:"total_vega"`
	TotalTheta    float64        `json:"total_theta"`
	TotalRho      float64        `json:"total_rho"`
	PositionRatio float64        `json:"position_ratio,omitempty"`
	Leverage      float64        `json:"leverage,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
