// Volatility Trader — an event-driven volatility trading core.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	bus/redis.go        — Redis-streams message bus: consumer groups, ack, keep-alive sentinels
//	state/              — per-strategy state store + shared portfolio store on Redis
//	engine/engine.go    — strategy engine: plugin lifecycle, event fan-out, intent pipeline
//	strategy/           — plugin contract + pq_vol_trader, delta_hedger, grid strategies
//	risk/               — risk service: fills→portfolio, pre-order veto, greeks, macro broadcast
//	options/            — Black–Scholes pricing/IV/greeks + option execution service
//	adapter/            — market tick poller, options-chain/vol-surface poller, forecast bridge
//	exchange/client.go  — REST exchange client (ticker/balance) with dry-run simulator
//	clients/pool.go     — round-robin endpoint pool for the sentiment and forecast services
//	api/                — status/health HTTP server + WebSocket stream fan-out
//
// How it trades:
//
//	Adapters publish market ticks and the implied-volatility surface onto the
//	bus. Strategies compare the forecast (Q) volatility against the implied
//	(P) volatility and emit intents — buy straddles when the market is priced
//	too cheap, sell when too rich, delta-hedge when the book drifts. Every
//	intent passes the risk service's pre-order check before the option
//	executor turns it into concrete ATM legs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"voltrader/internal/adapter"
	"voltrader/internal/api"
	"voltrader/internal/bus"
	"voltrader/internal/clients"
	"voltrader/internal/config"
	"voltrader/internal/engine"
	"voltrader/internal/exchange"
	"voltrader/internal/options"
	"voltrader/internal/risk"
	"voltrader/internal/state"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("VT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("trader failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	b := bus.NewRedis(rdb, cfg.Bus.Prefix, cfg.Bus.BlockTimeout, logger)
	defer b.Close()

	store := state.New(rdb, cfg.Bus.Prefix, cfg.Bus.StateTTL)
	portfolio := state.NewPortfolio(rdb, cfg.Bus.Prefix, cfg.Bus.PortfolioTTL)

	var ex exchange.Exchange
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — serving simulated tickers and balances")
		ex = exchange.NewSim(time.Now().UnixNano())
	} else {
		ex = exchange.NewClient(cfg.Exchange, logger)
	}

	var sentiment *clients.Sentiment
	var sentimentPool *clients.Pool
	if len(cfg.Sentiment.Endpoints) > 0 {
		pool, err := clients.NewPool("sentiment", cfg.Sentiment, logger)
		if err != nil {
			return fmt.Errorf("sentiment pool: %w", err)
		}
		sentimentPool = pool
		sentiment = clients.NewSentiment(pool)
	}

	var forecast *clients.Forecast
	var forecastPool *clients.Pool
	if len(cfg.Forecast.Endpoints) > 0 {
		pool, err := clients.NewPool("forecast", cfg.Forecast, logger)
		if err != nil {
			return fmt.Errorf("forecast pool: %w", err)
		}
		forecastPool = pool
		forecast = clients.NewForecast(pool)
	}

	riskSvc := risk.NewService(b, portfolio, ex, sentiment, cfg.Risk, cfg.Options, logger)
	if err := riskSvc.Start(ctx); err != nil {
		return fmt.Errorf("start risk service: %w", err)
	}
	defer riskSvc.Stop()

	executor := options.NewExecutor(b, logger)
	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("start option executor: %w", err)
	}
	defer executor.Stop()

	eng := engine.New(b, store, riskSvc, cfg.Engine, logger)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	for _, sc := range cfg.Strategies {
		if !sc.Enabled {
			logger.Info("strategy disabled", "id", sc.ID, "type", sc.Type)
			continue
		}
		if err := eng.LoadStrategy(ctx, sc); err != nil {
			return fmt.Errorf("load strategy %s: %w", sc.ID, err)
		}
	}

	market := adapter.NewMarket(ex, b, cfg.Adapter.Symbols, cfg.Adapter.TickInterval, logger)
	if err := market.Start(ctx); err != nil {
		return fmt.Errorf("start market adapter: %w", err)
	}
	defer market.Stop()

	if len(cfg.Adapter.Symbols) > 0 && len(cfg.Adapter.OptionExpiries) > 0 {
		chain := adapter.NewOptions(ex, b, cfg.Adapter.Symbols[0], cfg.Adapter, cfg.Options, logger)
		if err := chain.Start(ctx); err != nil {
			return fmt.Errorf("start options adapter: %w", err)
		}
		defer chain.Stop()
	}

	if forecast != nil && len(cfg.Adapter.Symbols) > 0 {
		fc := adapter.NewForecaster(forecast, sentiment, b,
			cfg.Adapter.Symbols[0], cfg.Adapter.ForecastHorizon,
			cfg.Adapter.ForecastInterval, cfg.Options.AssumedVol, logger)
		if err := fc.Start(ctx); err != nil {
			return fmt.Errorf("start forecaster: %w", err)
		}
		defer fc.Stop()
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		endpoints := make(map[string]api.EndpointReporter)
		if sentimentPool != nil {
			endpoints["sentiment"] = sentimentPool
		}
		if forecastPool != nil {
			endpoints["forecast"] = forecastPool
		}
		status := api.NewStatus(eng, portfolio, endpoints)
		apiServer = api.NewServer(cfg.API, b, status, logger)
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("start api server: %w", err)
		}
		logger.Info("status api started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	logger.Info("volatility trader started",
		"symbols", cfg.Adapter.Symbols,
		"strategies", len(cfg.Strategies),
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
