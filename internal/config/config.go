// Package config loads the backtester's configuration from the environment
// and optional .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/atmx/backtester/internal/contract"
)

// Config holds all application configuration.
type Config struct {
	Backtest BacktestConfig
	Source   SourceConfig
	Limits   LimitsConfig
	Strategy StrategyConfig
	Monitor  MonitorConfig
	Export   ExportConfig
	Logging  LoggingConfig
}

// BacktestConfig is the run range and determinism settings.
type BacktestConfig struct {
	Start        time.Time
	End          time.Time
	Step         time.Duration
	Seed         int64
	Shuffle      bool
	SampleQuotes bool
	Instruments  []contract.Contract
}

// SourceConfig selects where ticks are read from.
type SourceConfig struct {
	Kind        string // csv or postgres
	DataDir     string
	ChunkSize   int
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
}

// LimitsConfig configures the pre-trade position limiter. Zero disables.
type LimitsConfig struct {
	MaxPerContract int64
	MaxCorrelated  int64
}

// StrategyConfig parameterizes the built-in periodic strategy.
type StrategyConfig struct {
	Lots     int64
	Interval time.Duration
}

// MonitorConfig configures the HTTP monitor. An empty Addr disables it.
type MonitorConfig struct {
	Addr string
}

// ExportConfig configures the end-of-run trade history export.
type ExportConfig struct {
	Path     string // .csv or .db (sqlite); empty skips file export
	Postgres bool
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level slog.Level
}

// env resolves keys from the process environment first, then from values
// read out of .env files.
type env struct {
	file map[string]string
	errs []error
}

func (e *env) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	v, ok := e.file[key]
	return v, ok && v != ""
}

func (e *env) fail(key, value string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

// Load reads configuration from the environment. Values in files (default
// ".env" when present) fill in keys the environment leaves unset; the
// process environment is never modified.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			files = []string{".env"}
		}
	}
	e := &env{file: map[string]string{}}
	if len(files) > 0 {
		vals, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", strings.Join(files, ","), err)
		}
		e.file = vals
	}

	cfg := &Config{
		Backtest: BacktestConfig{
			Start:        e.getTime("BACKTEST_START"),
			End:          e.getTime("BACKTEST_END"),
			Step:         e.getDuration("BACKTEST_STEP", time.Second),
			Seed:         e.getInt64("BACKTEST_SEED", 1),
			Shuffle:      e.getBool("BACKTEST_SHUFFLE", false),
			SampleQuotes: e.getBool("BACKTEST_SAMPLE_QUOTES", false),
			Instruments:  e.getContracts("BACKTEST_INSTRUMENTS"),
		},
		Source: SourceConfig{
			Kind:        strings.ToLower(e.getString("TICK_SOURCE", "csv")),
			DataDir:     e.getString("DATA_DIR", "data"),
			ChunkSize:   int(e.getInt64("CHUNK_SIZE", 50000)),
			DatabaseURL: e.getString("DATABASE_URL", ""),
			RedisURL:    e.getString("REDIS_URL", ""),
			CacheTTL:    e.getDuration("CACHE_TTL", time.Hour),
		},
		Limits: LimitsConfig{
			MaxPerContract: e.getInt64("LIMIT_MAX_PER_CONTRACT", 0),
			MaxCorrelated:  e.getInt64("LIMIT_MAX_CORRELATED", 0),
		},
		Strategy: StrategyConfig{
			Lots:     e.getInt64("STRATEGY_LOTS", 1),
			Interval: e.getDuration("STRATEGY_INTERVAL", time.Minute),
		},
		Monitor: MonitorConfig{
			Addr: e.getString("MONITOR_ADDR", ""),
		},
		Export: ExportConfig{
			Path:     e.getString("EXPORT_PATH", ""),
			Postgres: e.getBool("EXPORT_POSTGRES", false),
		},
		Logging: LoggingConfig{
			Level: e.getLevel("LOG_LEVEL", slog.LevelInfo),
		},
	}
	if len(e.errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(e.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *env) getString(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e *env) getInt64(key string, def int64) int64 {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) getBool(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	}
	e.fail(key, v, errors.New("not a boolean"))
	return def
}

func (e *env) getDuration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

// getTime parses an RFC3339 instant that must carry a zero UTC offset.
func (e *env) getTime(key string) time.Time {
	v, ok := e.lookup(key)
	if !ok {
		e.fail(key, v, errors.New("required"))
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		e.fail(key, v, err)
		return time.Time{}
	}
	if _, offset := t.Zone(); offset != 0 {
		e.fail(key, v, errors.New("must be UTC"))
		return time.Time{}
	}
	return t.UTC()
}

func (e *env) getContracts(key string) []contract.Contract {
	v, ok := e.lookup(key)
	if !ok {
		e.fail(key, v, errors.New("required"))
		return nil
	}
	cs, err := contract.ParseList(v)
	if err != nil {
		e.fail(key, v, err)
		return nil
	}
	return cs
}

func (e *env) getLevel(key string, def slog.Level) slog.Level {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		e.fail(key, v, err)
		return def
	}
	return lvl
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Backtest.End.Before(c.Backtest.Start) {
		return fmt.Errorf("config: BACKTEST_END %s precedes BACKTEST_START %s", c.Backtest.End, c.Backtest.Start)
	}
	if c.Backtest.Step <= 0 {
		return fmt.Errorf("config: invalid BACKTEST_STEP: %s", c.Backtest.Step)
	}
	if len(c.Backtest.Instruments) == 0 {
		return errors.New("config: BACKTEST_INSTRUMENTS is empty")
	}
	if c.Source.ChunkSize <= 0 {
		return fmt.Errorf("config: invalid CHUNK_SIZE: %d", c.Source.ChunkSize)
	}
	switch c.Source.Kind {
	case "csv":
	case "postgres":
		if c.Source.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL required for TICK_SOURCE=postgres")
		}
	default:
		return fmt.Errorf("config: unknown TICK_SOURCE %q", c.Source.Kind)
	}
	if c.Export.Postgres && c.Source.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL required for EXPORT_POSTGRES")
	}
	if c.Strategy.Lots <= 0 {
		return fmt.Errorf("config: invalid STRATEGY_LOTS: %d", c.Strategy.Lots)
	}
	return nil
}

// String returns a safe string representation (without credentials).
func (c *Config) String() string {
	return fmt.Sprintf(
		"Backtest{%s..%s step=%s seed=%d instruments=%d}, Source{%s chunk=%d cache=%v}, Monitor{%q}",
		c.Backtest.Start.Format(time.RFC3339), c.Backtest.End.Format(time.RFC3339), c.Backtest.Step,
		c.Backtest.Seed, len(c.Backtest.Instruments), c.Source.Kind, c.Source.ChunkSize,
		c.Source.RedisURL != "", c.Monitor.Addr,
	)
}
