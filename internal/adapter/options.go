package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"voltrader/internal/bus"
	"voltrader/internal/config"
	"voltrader/internal/exchange"
	"voltrader/internal/options"
	"voltrader/pkg/events"
)

const expiryLayout = "2006-01-02"

// Options samples the option chain for one underlying and publishes the
// volatility surface. The venue has no options endpoint, so quotes are
// simulated: theoretical prices at the assumed vol, then inverted back
// through the pricer the same way real quotes would be.
type Options struct {
	exchange   exchange.Exchange
	bus        bus.Bus
	underlying string
	interval   time.Duration
	expiries   []time.Time
	ratios     []float64
	rate       float64
	assumedVol float64
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOptions builds the chain adapter for one underlying. Expiries that do
// not parse as YYYY-MM-DD are dropped with a warning.
func NewOptions(ex exchange.Exchange, b bus.Bus, underlying string, cfg config.AdapterConfig, opts config.OptionsConfig, logger *slog.Logger) *Options {
	log := logger.With("component", "options_adapter")

	interval := cfg.SurfaceInterval
	if interval <= 0 {
		interval = time.Minute
	}

	expiries := make([]time.Time, 0, len(cfg.OptionExpiries))
	for _, raw := range cfg.OptionExpiries {
		exp, err := time.Parse(expiryLayout, raw)
		if err != nil {
			log.Warn("skipping unparseable expiry", "expiry", raw)
			continue
		}
		expiries = append(expiries, exp)
	}

	return &Options{
		exchange:   ex,
		bus:        b,
		underlying: underlying,
		interval:   interval,
		expiries:   expiries,
		ratios:     strikeRatios(cfg.StrikesPerExpiry),
		rate:       opts.RiskFreeRate,
		assumedVol: opts.AssumedVol,
		logger:     log,
	}
}

// Start launches the surface poll loop.
func (o *Options) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	go o.poll(ctx)
	o.logger.Info("options adapter started",
		"underlying", o.underlying, "expiries", len(o.expiries))
	return nil
}

// Stop cancels the poll loop and waits for it.
func (o *Options) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.done != nil {
		<-o.done
	}
	o.logger.Info("options adapter stopped")
}

func (o *Options) poll(ctx context.Context) {
	defer close(o.done)
	for {
		wait := o.interval
		if err := o.publishSurface(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("surface poll failed", "error", err)
			wait = o.interval * 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (o *Options) publishSurface(ctx context.Context) error {
	ticker, err := o.exchange.Ticker(ctx, o.underlying)
	if err != nil {
		return err
	}
	if ticker.Last <= 0 {
		return nil
	}
	spot := ticker.Last

	entries := o.buildChain(spot, time.Now().UTC())
	if len(entries) == 0 {
		return nil
	}
	surface := buildSurface(o.underlying, entries, spot)

	if err := o.bus.Publish(ctx, events.StreamVolSurface, surface); err != nil {
		return err
	}
	o.logger.Info("surface published",
		"underlying", o.underlying, "atm_iv", surface.AtmIV, "contracts", len(entries))
	return nil
}

// buildChain prices every (expiry, strike, type) combination and inverts
// the implied vol from the simulated quote.
func (o *Options) buildChain(spot float64, now time.Time) []events.OptionChainEntry {
	entries := make([]events.OptionChainEntry, 0, len(o.expiries)*len(o.ratios)*2)
	for _, expiry := range o.expiries {
		t := options.TimeToExpiry(expiry, now)
		for _, ratio := range o.ratios {
			strike := spot * ratio
			for _, typ := range []events.OptionType{events.Call, events.Put} {
				price := options.Price(spot, strike, t, o.rate, o.assumedVol, typ)
				if price <= 0 {
					continue
				}
				iv := options.ImpliedVol(price, spot, strike, t, o.rate, typ)
				greeks := options.Greeks(spot, strike, t, o.rate, iv, typ)
				entries = append(entries, events.OptionChainEntry{
					Underlying:   o.underlying,
					Strike:       strike,
					Expiry:       expiry.Format(expiryLayout),
					OptionType:   typ,
					Bid:          price * 0.99,
					Ask:          price * 1.01,
					Last:         price,
					Volume:       100,
					OpenInterest: 500,
					IV:           iv,
					Greeks:       &greeks,
				})
			}
		}
	}
	return entries
}

// buildSurface derives ATM IV, strike skew and term structure from a chain
// snapshot. Strikes within 2% of spot count as ATM; with none, ATM IV
// defaults to 0.5.
func buildSurface(underlying string, entries []events.OptionChainEntry, spot float64) events.VolatilitySurface {
	var atmSum float64
	var atmN int
	skew := make(map[string]float64)
	termSum := make(map[string]float64)
	termN := make(map[string]int)

	for _, e := range entries {
		if spot > 0 && math.Abs(e.Strike-spot)/spot < 0.02 {
			atmSum += e.IV
			atmN++
		}
		key := fmt.Sprintf("%.0f", e.Strike)
		if _, ok := skew[key]; !ok {
			skew[key] = e.IV
		}
		termSum[e.Expiry] += e.IV
		termN[e.Expiry]++
	}

	atmIV := 0.5
	if atmN > 0 {
		atmIV = atmSum / float64(atmN)
	}

	term := make(map[string]float64, len(termSum))
	for expiry, sum := range termSum {
		term[expiry] = sum / float64(termN[expiry])
	}

	return events.VolatilitySurface{
		Underlying:    underlying,
		Entries:       entries,
		AtmIV:         atmIV,
		IVSkew:        skew,
		TermStructure: term,
		Timestamp:     time.Now().UTC(),
	}
}

// strikeRatios spreads n strikes in 5% steps centered on the spot.
func strikeRatios(n int) []float64 {
	if n <= 0 {
		n = 5
	}
	half := n / 2
	ratios := make([]float64, 0, n)
	for i := -half; len(ratios) < n; i++ {
		ratios = append(ratios, 1+float64(i)*0.05)
	}
	return ratios
}
