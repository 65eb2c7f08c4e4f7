package risk

import (
	"context"
	"errors"
	"math"
	"time"

	"voltrader/internal/clients"
	"voltrader/pkg/events"
)

// macroLoop periodically classifies the (volatility, sentiment) state and
// broadcasts it. Missing inputs degrade gracefully: classification falls
// back to defaults, the FOMO score is withheld.
func (s *Service) macroLoop(ctx context.Context) {
	interval := s.cfg.MacroInterval
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
		if err := s.broadcastMacroState(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("macro broadcast failed", "error", err)
		}
	}
}

func (s *Service) broadcastMacroState(ctx context.Context) error {
	sentiment := s.fetchSentiment(ctx)
	realizedVol := s.estimateRealizedVol(ctx)

	regime, score := classifyMacro(realizedVol, sentiment)
	fomo := fomoScore(sentiment, realizedVol)

	return s.bus.Publish(ctx, events.StreamMacroState, events.MacroState{
		Regime:      regime,
		RegimeScore: score,
		Sentiment:   sentiment,
		Fomo:        fomo,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Service) fetchSentiment(ctx context.Context) *float64 {
	if s.sentiment == nil {
		return nil
	}
	score, err := s.sentiment.Score(ctx, "BTC")
	if err != nil {
		if errors.Is(err, clients.ErrRateLimited) {
			s.logger.Warn("sentiment service throttled")
		} else {
			s.logger.Debug("sentiment unavailable", "error", err)
		}
		return nil
	}
	return &score
}

// estimateRealizedVol proxies realized volatility with the relative change
// between the last two portfolio valuations, clipped at 1.5.
func (s *Service) estimateRealizedVol(ctx context.Context) *float64 {
	points, err := s.portfolio.RecentPnL(ctx, 2)
	if err != nil || len(points) < 2 {
		return nil
	}
	prev := points[len(points)-2].TotalValue
	if prev == 0 {
		prev = 1
	}
	curr := points[len(points)-1].TotalValue
	if curr == 0 {
		curr = prev
	}
	change := math.Abs(curr-prev) / math.Max(math.Abs(prev), 1)
	change = math.Min(1.5, change)
	return &change
}

// classifyMacro maps the joint (volatility, sentiment) observation onto a
// discrete regime with an intensity score. Missing observations default to
// vol 0.4 / sentiment 0.0.
func classifyMacro(realizedVol, sentiment *float64) (events.Regime, float64) {
	vol := 0.4
	if realizedVol != nil {
		vol = *realizedVol
	}
	sent := 0.0
	if sentiment != nil {
		sent = *sentiment
	}

	highVol := vol > 0.8
	midVol := vol > 0.4 && vol <= 0.8
	lowVol := vol <= 0.4

	veryBullish := sent > 0.7
	bullish := sent > 0.3 && sent <= 0.7
	neutral := sent >= -0.3 && sent <= 0.3
	bearish := sent >= -0.7 && sent < -0.3
	veryBearish := sent < -0.7

	switch {
	case highVol && veryBearish:
		return events.RegimePanic, math.Min(1.0, (vol-0.8)+math.Abs(sent))
	case highVol && veryBullish:
		return events.RegimeHighVolBull, math.Min(1.0, (vol-0.8)+sent)
	case (lowVol || midVol) && bullish:
		return events.RegimeBull, math.Min(1.0, 0.5*vol+sent)
	case (midVol || highVol) && bearish:
		return events.RegimeBear, math.Min(1.0, vol+math.Abs(sent))
	case lowVol && neutral:
		return events.RegimeChop, math.Min(1.0, 0.2+vol)
	default:
		return events.RegimeUnknown, 0.1
	}
}

// fomoScore blends sentiment and volatility into a [0, 1] crowd-chasing
// indicator. Nil when either input is missing.
func fomoScore(sentiment, realizedVol *float64) *float64 {
	if sentiment == nil || realizedVol == nil {
		return nil
	}
	score := 0.6**sentiment + 0.4**realizedVol
	score = math.Max(0, math.Min(1, score))
	return &score
}
