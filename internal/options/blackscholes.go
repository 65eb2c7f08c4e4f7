// Package options implements option pricing and the option execution
// service.
//
// The pricing half is a plain Black-Scholes calculator: theoretical price,
// the standard greeks, and implied volatility via Newton's method with a
// bisection fallback. The execution half translates risk-approved structure
// commands (straddles) into per-leg limit orders against the cached
// volatility surface.
package options

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"voltrader/pkg/events"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Price returns the Black-Scholes theoretical price. t is time to expiry in
// years; vol and rate are annualized.
func Price(spot, strike, t, rate, vol float64, typ events.OptionType) float64 {
	if t <= 0 || vol <= 0 || spot <= 0 || strike <= 0 {
		return 0
	}
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*t) / (vol * math.Sqrt(t))
	d2 := d1 - vol*math.Sqrt(t)
	if typ == events.Call {
		return spot*stdNormal.CDF(d1) - strike*math.Exp(-rate*t)*stdNormal.CDF(d2)
	}
	return strike*math.Exp(-rate*t)*stdNormal.CDF(-d2) - spot*stdNormal.CDF(-d1)
}

// rawVega is dPrice/dVol per unit of volatility (not per 1%).
func rawVega(spot, strike, t, rate, vol float64) float64 {
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*t) / (vol * math.Sqrt(t))
	return spot * stdNormal.Prob(d1) * math.Sqrt(t)
}

// Greeks returns the standard sensitivities. Theta is per calendar day;
// vega and rho are per 1% move. An expired contract has all-zero greeks.
func Greeks(spot, strike, t, rate, vol float64, typ events.OptionType) events.OptionGreeks {
	if t <= 0 {
		return events.OptionGreeks{}
	}
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*t) / (vol * math.Sqrt(t))
	d2 := d1 - vol*math.Sqrt(t)

	var delta, rho, thetaCDF float64
	if typ == events.Call {
		delta = stdNormal.CDF(d1)
		rho = strike * t * math.Exp(-rate*t) * stdNormal.CDF(d2) / 100
		thetaCDF = stdNormal.CDF(d2)
	} else {
		delta = -stdNormal.CDF(-d1)
		rho = -strike * t * math.Exp(-rate*t) * stdNormal.CDF(-d2) / 100
		thetaCDF = stdNormal.CDF(-d2)
	}

	gamma := stdNormal.Prob(d1) / (spot * vol * math.Sqrt(t))
	vega := spot * stdNormal.Prob(d1) * math.Sqrt(t) / 100
	theta := (-spot*stdNormal.Prob(d1)*vol/(2*math.Sqrt(t)) -
		rate*strike*math.Exp(-rate*t)*thetaCDF) / 365

	return events.OptionGreeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega, Rho: rho}
}

const (
	ivMinSigma   = 0.01
	ivMaxSigma   = 5.0
	ivTolerance  = 1e-5
	ivIterations = 100
)

// ImpliedVol inverts the Black-Scholes price with Newton's method. When the
// Newton step degenerates (tiny vega deep in or out of the money) it falls
// back to bisection over the sigma clamp range. Returns 0 for expired or
// worthless inputs.
func ImpliedVol(optionPrice, spot, strike, t, rate float64, typ events.OptionType) float64 {
	if t <= 0 || optionPrice <= 0 {
		return 0
	}

	sigma := 0.5
	for i := 0; i < ivIterations; i++ {
		price := Price(spot, strike, t, rate, sigma, typ)
		diff := optionPrice - price
		if math.Abs(diff) < ivTolerance {
			return sigma
		}
		vega := rawVega(spot, strike, t, rate, sigma)
		if vega < 1e-10 {
			return bisectIV(optionPrice, spot, strike, t, rate, typ)
		}
		sigma += diff / vega
		sigma = math.Max(ivMinSigma, math.Min(sigma, ivMaxSigma))
	}
	return sigma
}

func bisectIV(optionPrice, spot, strike, t, rate float64, typ events.OptionType) float64 {
	lo, hi := ivMinSigma, ivMaxSigma
	for i := 0; i < ivIterations; i++ {
		mid := (lo + hi) / 2
		price := Price(spot, strike, t, rate, mid, typ)
		if math.Abs(price-optionPrice) < ivTolerance {
			return mid
		}
		if price < optionPrice {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// TimeToExpiry converts an expiry date into years from now, floored at
// 0.001 so pricing never divides by zero on expiry day.
func TimeToExpiry(expiry, now time.Time) float64 {
	days := expiry.Sub(now).Hours() / 24
	return math.Max(math.Floor(days)/365, 0.001)
}

// ————————————————————————————————————————————————————————————————————————
// contract symbols
// ————————————————————————————————————————————————————————————————————————

// Contract identifies one option by its exchange symbol fields.
type Contract struct {
	Underlying string
	Expiry     time.Time
	Strike     float64
	Type       events.OptionType
}

// ParseSymbol decodes "{underlying}-{YYYYMMDD}-{strike}-{C|P}", e.g.
// "BTC-20241229-40000-C". Anything else is not an option symbol.
func ParseSymbol(symbol string) (Contract, bool) {
	parts := strings.Split(symbol, "-")
	if len(parts) != 4 {
		return Contract{}, false
	}
	expiry, err := time.Parse("20060102", parts[1])
	if err != nil {
		return Contract{}, false
	}
	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Contract{}, false
	}
	var typ events.OptionType
	switch parts[3] {
	case "C":
		typ = events.Call
	case "P":
		typ = events.Put
	default:
		return Contract{}, false
	}
	return Contract{Underlying: parts[0], Expiry: expiry, Strike: strike, Type: typ}, true
}

// FormatSymbol encodes a chain entry into the exchange symbol form, e.g.
// underlying "BTC/USDT" expiry "2024-12-29" strike 40000 call becomes
// "BTC-20241229-40000-C".
func FormatSymbol(entry events.OptionChainEntry) string {
	base := entry.Underlying
	if i := strings.Index(base, "/"); i >= 0 {
		base = base[:i]
	}
	expiry := strings.ReplaceAll(entry.Expiry, "-", "")
	typ := "C"
	if entry.OptionType == events.Put {
		typ = "P"
	}
	return fmt.Sprintf("%s-%s-%d-%s", base, expiry, int(entry.Strike), typ)
}

// IsOptionSymbol is a cheap filter used before full parsing.
func IsOptionSymbol(symbol string) bool {
	return strings.HasSuffix(symbol, "-C") || strings.HasSuffix(symbol, "-P")
}
