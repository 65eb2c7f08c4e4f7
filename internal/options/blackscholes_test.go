package options

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voltrader/pkg/events"
)

func TestPutCallParity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                 string
		spot, strike, t, vol float64
	}{
		{"atm", 40000, 40000, 0.25, 0.6},
		{"itm call", 40000, 36000, 0.25, 0.6},
		{"otm call", 40000, 44000, 0.5, 0.8},
		{"short dated", 40000, 40000, 0.01, 0.4},
	}

	const rate = 0.05
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			call := Price(tc.spot, tc.strike, tc.t, rate, tc.vol, events.Call)
			put := Price(tc.spot, tc.strike, tc.t, rate, tc.vol, events.Put)
			// C - P = S - K*exp(-rT)
			parity := tc.spot - tc.strike*math.Exp(-rate*tc.t)
			assert.InDelta(t, parity, call-put, 1e-6)
		})
	}
}

func TestImpliedVolRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		strike float64
		vol    float64
		typ    events.OptionType
	}{
		{"atm call", 40000, 0.6, events.Call},
		{"atm put", 40000, 0.6, events.Put},
		{"otm call", 44000, 0.45, events.Call},
		{"itm put", 44000, 0.9, events.Put},
	}

	const (
		spot = 40000.0
		rate = 0.05
		tau  = 0.25
	)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price := Price(spot, tc.strike, tau, rate, tc.vol, tc.typ)
			require.Greater(t, price, 0.0)
			iv := ImpliedVol(price, spot, tc.strike, tau, rate, tc.typ)
			assert.InDelta(t, tc.vol, iv, 1e-4)
		})
	}
}

func TestImpliedVolDegenerate(t *testing.T) {
	t.Parallel()

	assert.Zero(t, ImpliedVol(100, 40000, 40000, 0, 0.05, events.Call), "expired")
	assert.Zero(t, ImpliedVol(0, 40000, 40000, 0.25, 0.05, events.Call), "worthless")
	// Deep OTM short-dated: Newton vega collapses, bisection must still
	// return something inside the clamp range.
	iv := ImpliedVol(0.01, 40000, 80000, 0.003, 0.05, events.Call)
	assert.GreaterOrEqual(t, iv, ivMinSigma)
	assert.LessOrEqual(t, iv, ivMaxSigma)
}

func TestGreeks(t *testing.T) {
	t.Parallel()

	const (
		spot = 40000.0
		rate = 0.05
		tau  = 0.25
		vol  = 0.6
	)

	call := Greeks(spot, 40000, tau, rate, vol, events.Call)
	put := Greeks(spot, 40000, tau, rate, vol, events.Put)

	assert.Greater(t, call.Delta, 0.0)
	assert.Less(t, call.Delta, 1.0)
	assert.Less(t, put.Delta, 0.0)
	assert.Greater(t, put.Delta, -1.0)
	// Delta parity: callDelta - putDelta = 1 for no-dividend BS.
	assert.InDelta(t, 1.0, call.Delta-put.Delta, 1e-9)
	// Gamma and vega are side-independent.
	assert.InDelta(t, call.Gamma, put.Gamma, 1e-12)
	assert.InDelta(t, call.Vega, put.Vega, 1e-12)
	// Long options decay.
	assert.Less(t, call.Theta, 0.0)
	assert.Less(t, put.Theta, 0.0)
}

func TestGreeksExpired(t *testing.T) {
	t.Parallel()
	g := Greeks(40000, 40000, 0, 0.05, 0.6, events.Call)
	assert.Equal(t, events.OptionGreeks{}, g)
}

func TestTimeToExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)
	expiry := time.Date(2024, 12, 29, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 27.0/365, TimeToExpiry(expiry, now), 1e-9)

	// Expiry day and past expiries floor at 0.001.
	assert.Equal(t, 0.001, TimeToExpiry(now, now))
	assert.Equal(t, 0.001, TimeToExpiry(now.AddDate(0, 0, -10), now))
}

func TestParseSymbol(t *testing.T) {
	t.Parallel()

	c, ok := ParseSymbol("BTC-20241229-40000-C")
	require.True(t, ok)
	assert.Equal(t, "BTC", c.Underlying)
	assert.Equal(t, 40000.0, c.Strike)
	assert.Equal(t, events.Call, c.Type)
	assert.Equal(t, time.Date(2024, 12, 29, 0, 0, 0, 0, time.UTC), c.Expiry)

	p, ok := ParseSymbol("ETH-20250131-2500-P")
	require.True(t, ok)
	assert.Equal(t, events.Put, p.Type)

	for _, bad := range []string{"BTC", "BTC/USDT", "BTC-2024-40000-C", "BTC-20241229-x-C", "BTC-20241229-40000-X"} {
		_, ok := ParseSymbol(bad)
		assert.False(t, ok, bad)
	}
}

func TestFormatSymbol(t *testing.T) {
	t.Parallel()

	sym := FormatSymbol(events.OptionChainEntry{
		Underlying: "BTC/USDT",
		Expiry:     "2024-12-29",
		Strike:     40000,
		OptionType: events.Call,
	})
	assert.Equal(t, "BTC-20241229-40000-C", sym)

	sym = FormatSymbol(events.OptionChainEntry{
		Underlying: "ETH",
		Expiry:     "2025-01-31",
		Strike:     2500,
		OptionType: events.Put,
	})
	assert.Equal(t, "ETH-20250131-2500-P", sym)
}
