package risk

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltrader/internal/state"
	"voltrader/pkg/events"
)

func f(v float64) *float64 { return &v }

func TestClassifyMacro(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		vol       *float64
		sent      *float64
		regime    events.Regime
		score     float64
	}{
		{"panic", f(0.9), f(-0.8), events.RegimePanic, 0.9},
		{"high vol bull", f(0.9), f(0.8), events.RegimeHighVolBull, 0.9},
		{"bull low vol", f(0.3), f(0.5), events.RegimeBull, 0.65},
		{"bull mid vol", f(0.6), f(0.4), events.RegimeBull, 0.7},
		{"bear capped", f(0.6), f(-0.5), events.RegimeBear, 1.0},
		{"chop", f(0.3), f(0.0), events.RegimeChop, 0.5},
		{"defaults when missing", nil, nil, events.RegimeChop, 0.6},
		{"unknown combination", f(0.9), f(0.0), events.RegimeUnknown, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regime, score := classifyMacro(tt.vol, tt.sent)
			assert.Equal(t, tt.regime, regime)
			assert.InDelta(t, tt.score, score, 1e-9)
		})
	}
}

func TestFomoScore(t *testing.T) {
	t.Parallel()

	assert.Nil(t, fomoScore(nil, f(0.5)))
	assert.Nil(t, fomoScore(f(0.5), nil))

	assert.InDelta(t, 0.5, *fomoScore(f(0.5), f(0.5)), 1e-9)
	// Clipped into [0, 1].
	assert.Equal(t, 1.0, *fomoScore(f(1.0), f(1.5)))
	assert.Equal(t, 0.0, *fomoScore(f(-1.0), f(0.0)))
}

func TestRealizedVolEstimate(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	// Fewer than two valuations: no estimate.
	assert.Nil(t, svc.estimateRealizedVol(ctx))

	require.NoError(t, portfolio.RecordPnL(ctx, state.PnLRecord{TotalValue: 10000}))
	require.NoError(t, portfolio.RecordPnL(ctx, state.PnLRecord{TotalValue: 9000}))

	got := svc.estimateRealizedVol(ctx)
	require.NotNil(t, got)
	assert.InDelta(t, 0.1, *got, 1e-9)
}

func TestRealizedVolClipped(t *testing.T) {
	svc, portfolio, _ := newTestService(t, defaultRiskConfig())
	ctx := context.Background()

	require.NoError(t, portfolio.RecordPnL(ctx, state.PnLRecord{TotalValue: 100}))
	require.NoError(t, portfolio.RecordPnL(ctx, state.PnLRecord{TotalValue: 1000}))

	got := svc.estimateRealizedVol(ctx)
	require.NotNil(t, got)
	assert.Equal(t, 1.5, *got)
}

func TestMacroBroadcastWithoutInputs(t *testing.T) {
	svc, _, b := newTestService(t, defaultRiskConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, events.StreamMacroState, "test")
	require.NoError(t, err)

	require.NoError(t, svc.broadcastMacroState(ctx))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Keepalive {
				continue
			}
			var ms events.MacroState
			require.NoError(t, json.Unmarshal(msg.Data, &ms))
			// No sentiment service and no PnL history: defaults
			// classify as chop, FOMO is withheld.
			assert.Equal(t, events.RegimeChop, ms.Regime)
			assert.InDelta(t, 0.6, ms.RegimeScore, 1e-9)
			assert.Nil(t, ms.Sentiment)
			assert.Nil(t, ms.Fomo)
			return
		case <-deadline:
			t.Fatal("no macro broadcast")
		}
	}
}
