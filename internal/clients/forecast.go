package clients

import (
	"context"
)

// ForecastRequest carries the lagged features the volatility model expects.
// MacroRegime is optional; when empty the service infers the regime itself.
type ForecastRequest struct {
	SentimentScoreLag1 float64 `json:"sentiment_score_lag1"`
	VolatilityLag1     float64 `json:"volatility_lag1"`
	MacroRegime        string  `json:"macro_regime,omitempty"`
}

// StrategyParameters is the model's answer: predicted short-horizon
// volatility plus the derived trading parameters.
type StrategyParameters struct {
	Source              string  `json:"source"`
	PredictedVolatility float64 `json:"predicted_volatility"`
	RecommendedGridSize float64 `json:"recommended_grid_size"`
	ConfidenceLevel     float64 `json:"confidence_level"`
	MacroRegime         string  `json:"macro_regime"`
	RegimeScore         float64 `json:"regime_score"`
}

// Forecast queries the volatility forecasting service.
type Forecast struct {
	pool *Pool
}

// NewForecast wraps the endpoint pool.
func NewForecast(pool *Pool) *Forecast {
	return &Forecast{pool: pool}
}

// DynamicParameters asks the model for the next-period volatility forecast
// and strategy parameters.
func (f *Forecast) DynamicParameters(ctx context.Context, req ForecastRequest) (*StrategyParameters, error) {
	var resp StrategyParameters
	if err := f.pool.PostJSON(ctx, "/api/v1/predict/dynamic-parameters", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
