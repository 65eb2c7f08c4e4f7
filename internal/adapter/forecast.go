package adapter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voltrader/internal/bus"
	"voltrader/internal/clients"
	"voltrader/pkg/events"
)

// Forecaster bridges the volatility forecasting service onto the bus. Each
// cycle it feeds the model the previous prediction and the latest sentiment
// score, then publishes the answer as a VolatilityForecast. Sentiment is
// best-effort; a failed lookup sends a neutral score.
type Forecaster struct {
	forecast   *clients.Forecast
	sentiment  *clients.Sentiment // nil when no sentiment service configured
	bus        bus.Bus
	underlying string
	horizon    string
	interval   time.Duration
	logger     *slog.Logger

	lastVol float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewForecaster builds the bridge. seedVol primes the volatility lag before
// the first prediction comes back.
func NewForecaster(fc *clients.Forecast, sent *clients.Sentiment, b bus.Bus, underlying, horizon string, interval time.Duration, seedVol float64, logger *slog.Logger) *Forecaster {
	if interval <= 0 {
		interval = time.Minute
	}
	if horizon == "" {
		horizon = "24h"
	}
	return &Forecaster{
		forecast:   fc,
		sentiment:  sent,
		bus:        b,
		underlying: underlying,
		horizon:    horizon,
		interval:   interval,
		logger:     logger.With("component", "forecaster"),
		lastVol:    seedVol,
	}
}

// Start launches the poll loop.
func (f *Forecaster) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.poll(ctx)
	f.logger.Info("forecaster started", "underlying", f.underlying, "horizon", f.horizon)
	return nil
}

// Stop cancels the poll loop and waits for it.
func (f *Forecaster) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.done != nil {
		<-f.done
	}
	f.logger.Info("forecaster stopped")
}

func (f *Forecaster) poll(ctx context.Context) {
	defer close(f.done)
	for {
		wait := f.interval
		if err := f.publishForecast(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("forecast poll failed", "error", err)
			wait = f.interval * 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *Forecaster) publishForecast(ctx context.Context) error {
	var score float64
	if f.sentiment != nil {
		s, err := f.sentiment.Score(ctx, f.underlying)
		if err != nil {
			f.logger.Warn("sentiment unavailable, using neutral score", "error", err)
		} else {
			score = s
		}
	}

	params, err := f.forecast.DynamicParameters(ctx, clients.ForecastRequest{
		SentimentScoreLag1: score,
		VolatilityLag1:     f.lastVol,
	})
	if err != nil {
		return err
	}
	f.lastVol = params.PredictedVolatility

	forecast := events.VolatilityForecast{
		Underlying:   f.underlying,
		Horizon:      f.horizon,
		PredictedVol: params.PredictedVolatility,
		Confidence:   params.ConfidenceLevel,
		Model:        params.Source,
		Timestamp:    time.Now().UTC(),
	}
	if err := f.bus.Publish(ctx, events.StreamVolForecast, forecast); err != nil {
		return err
	}
	f.logger.Info("forecast published",
		"underlying", f.underlying, "predicted_vol", forecast.PredictedVol, "confidence", forecast.Confidence)
	return nil
}
