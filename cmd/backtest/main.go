package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/backtester/internal/backtest"
	"github.com/atmx/backtester/internal/calendar"
	"github.com/atmx/backtester/internal/config"
	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/correlation"
	"github.com/atmx/backtester/internal/history"
	"github.com/atmx/backtester/internal/market"
	"github.com/atmx/backtester/internal/monitor"
	"github.com/atmx/backtester/internal/store"
	"github.com/atmx/backtester/internal/strategy"
	"github.com/atmx/backtester/internal/tickstream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("backtest failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logging.Level}))
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize tick provider ---
	var pool *pgxpool.Pool
	if cfg.Source.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.Source.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		slog.Info("connected to PostgreSQL")
	}

	var provider store.Provider
	switch cfg.Source.Kind {
	case "postgres":
		provider = store.NewPostgresProvider(pool, cfg.Backtest.Start, cfg.Source.ChunkSize)
	default:
		provider = &store.CSVProvider{
			Dir:       cfg.Source.DataDir,
			ChunkSize: cfg.Source.ChunkSize,
			Pool:      pool,
			Logger:    logger,
		}
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Source.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Source.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		scope := fmt.Sprintf("%s:%d:%d", cfg.Source.Kind, cfg.Backtest.Start.Unix(), cfg.Source.ChunkSize)
		provider = store.NewCachedProvider(provider, rdb, cfg.Source.CacheTTL, scope)
		slog.Info("Redis tick cache enabled", "ttl", cfg.Source.CacheTTL.String())
	}

	// --- Markets ---
	calendars, err := calendar.Default()
	if err != nil {
		return err
	}
	markets := make([]*market.Market, 0, len(cfg.Backtest.Instruments))
	for i, c := range cfg.Backtest.Instruments {
		m, err := openMarket(ctx, provider, calendars, c, cfg, int64(i), logger)
		if err != nil {
			return err
		}
		markets = append(markets, m)
	}

	// --- Strategy ---
	strat := strategy.WithLogging(
		strategy.NewPeriodic(cfg.Backtest.Instruments, cfg.Strategy.Lots, cfg.Strategy.Interval),
		logger,
	)

	opts := []backtest.Option{backtest.WithLogger(logger)}
	if cfg.Limits.MaxPerContract > 0 || cfg.Limits.MaxCorrelated > 0 {
		opts = append(opts, backtest.WithLimiter(
			correlation.NewPositionLimiter(cfg.Limits.MaxPerContract, cfg.Limits.MaxCorrelated),
		))
	}

	// --- Monitor ---
	var hub *monitor.Hub
	if cfg.Monitor.Addr != "" {
		hub = monitor.NewHub(monitor.DefaultRecentFills, logger)
		opts = append(opts, backtest.WithObserver(hub.Observe))
	}

	bt, err := backtest.New(backtest.Config{
		Start:   cfg.Backtest.Start,
		End:     cfg.Backtest.End,
		Step:    cfg.Backtest.Step,
		Seed:    cfg.Backtest.Seed,
		Shuffle: cfg.Backtest.Shuffle,
	}, strat, markets, opts...)
	if err != nil {
		return err
	}

	if hub != nil {
		hubCtx, cancelHub := context.WithCancel(context.Background())
		go hub.Run(hubCtx)

		srv := &http.Server{
			Addr:         cfg.Monitor.Addr,
			Handler:      monitor.NewRouter(bt, hub),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			slog.Info("monitor listening", "addr", cfg.Monitor.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("monitor server error", "err", err)
			}
		}()
		cleanup = append(cleanup, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("monitor shutdown error", "err", err)
			}
			cancelHub()
		})
	}

	// --- Run ---
	runErr := bt.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	// Export whatever history exists, even for an interrupted run.
	if err := export(context.Background(), cfg, pool, bt); err != nil {
		return err
	}
	if runErr != nil {
		slog.Warn("backtest interrupted; partial history exported", "time", bt.Time())
	}
	return nil
}

func openMarket(ctx context.Context, p store.Provider, cals *calendar.Registry, c contract.Contract, cfg *config.Config, idx int64, logger *slog.Logger) (*market.Market, error) {
	trSrc, err := p.Trades(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("open trades of %s: %w", c.Key(), err)
	}
	qSrc, err := p.Quotes(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("open quotes of %s: %w", c.Key(), err)
	}

	trades, err := tickstream.New(ctx, trSrc,
		tickstream.WithName(c.TableName(contract.Trades)), tickstream.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load trades of %s: %w", c.Key(), err)
	}
	quotes, err := tickstream.New(ctx, qSrc,
		tickstream.WithName(c.TableName(contract.BidAsk)), tickstream.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load quotes of %s: %w", c.Key(), err)
	}

	return market.New(c, trades, quotes, cals.For(c.Venue),
		market.WithLogger(logger),
		market.WithRand(rand.New(rand.NewSource(cfg.Backtest.Seed+idx))),
		market.WithQuoteSampling(cfg.Backtest.SampleQuotes),
	), nil
}

func export(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, bt *backtest.Backtest) error {
	trades := bt.Trades()

	if path := cfg.Export.Path; path != "" {
		var w history.Writer
		switch strings.ToLower(filepath.Ext(path)) {
		case ".db", ".sqlite", ".sqlite3":
			sw, err := history.OpenSQLite(path)
			if err != nil {
				return err
			}
			defer sw.Close()
			w = sw
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create export dir: %w", err)
			}
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create export: %w", err)
			}
			defer f.Close()
			w = &history.CSVWriter{W: f}
		}
		n, err := history.Export(ctx, w, trades)
		if err != nil {
			return err
		}
		slog.Info("trade history exported", "path", path, "rows", n)
	}

	if cfg.Export.Postgres && pool != nil {
		n, err := history.Export(ctx, history.NewPostgresWriter(pool), trades)
		if err != nil {
			return err
		}
		slog.Info("trade history copied to PostgreSQL", "table", history.DefaultTable.Sanitize(), "rows", n)
	}
	return nil
}
