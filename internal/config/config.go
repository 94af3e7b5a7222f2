// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"intradaybot-go/internal/util"
)

// App captures process-wide runtime settings such as name, environment, status address, and logging.
type App struct {
	Name       string `yaml:"name"`
	Env        string `yaml:"env"`
	LogLevel   string `yaml:"log_level"`
	LogsDir    string `yaml:"logs_dir"`
	StatusAddr string `yaml:"status_addr"`
	DryRun     bool   `yaml:"dry_run"`
}

// Broker describes the Dhan endpoints and the order tags stamped on every request.
type Broker struct {
	BaseURL         string            `yaml:"base_url"`
	FeedURL         string            `yaml:"feed_url"`
	ScripMasterURL  string            `yaml:"scrip_master_url"`
	ExchangeSegment string            `yaml:"exchange_segment"`
	Instrument      string            `yaml:"instrument"`
	OrderType       string            `yaml:"order_type"`
	ProductType     string            `yaml:"product_type"`
	SymbolMapPath   string            `yaml:"symbol_map_path"`
	SymbolMap       map[string]string `yaml:"symbol_map"`
}

// Feed tunes the pull client and the push channel.
type Feed struct {
	Enabled            bool `yaml:"enabled"`
	MinIntervalMs      int  `yaml:"min_interval_ms"`
	RateLimitBackoffMs int  `yaml:"rate_limit_backoff_ms"`
	MaxRetries         int  `yaml:"max_retries"`
	RequestTimeoutSecs int  `yaml:"request_timeout_secs"`
	QuoteCacheSecs     int  `yaml:"quote_cache_secs"`
	FreshnessSecs      int  `yaml:"freshness_secs"`
	MaxConnectAttempts int  `yaml:"max_connect_attempts"`
	ConnectWaitSecs    int  `yaml:"connect_wait_secs"`
	PingIntervalSecs   int  `yaml:"ping_interval_secs"`
}

// Session holds the trading-day knobs. Values from the parameters CSV take precedence.
type Session struct {
	ParamsPath         string   `yaml:"params_path"`
	Symbols            []string `yaml:"symbols"`
	StopLossPercent    float64  `yaml:"stop_loss_percent"`
	Quantity           int      `yaml:"quantity"`
	EntryTime          string   `yaml:"entry_time"`
	ExitTime           string   `yaml:"exit_time"`
	EntryPriceTarget   string   `yaml:"entry_price_target"`
	Timezone           string   `yaml:"timezone"`
	MarketOpen         string   `yaml:"market_open"`
	MarketClose        string   `yaml:"market_close"`
	Holidays           []string `yaml:"holidays"`
	Concurrency        int      `yaml:"concurrency"`
	LateEntryGraceSecs int      `yaml:"late_entry_grace_secs"`
}

// Risk encodes guard-rails for how much size a single entry may take on.
type Risk struct {
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade"`
	MaxTradesPerSymbol  int     `yaml:"max_trades_per_symbol"`
}

// Journal configures where closed trades are persisted.
type Journal struct {
	JSONLPath  string `yaml:"jsonl_path"`
	SQLitePath string `yaml:"sqlite_path"`
	ReportsDir string `yaml:"reports_dir"`
}

// Schedule drives the daily trigger used by `trader schedule`.
type Schedule struct {
	SessionCron string `yaml:"session_cron"`
}

// Paper captures dry-run account settings.
type Paper struct {
	StartingCash float64 `yaml:"starting_cash"`
	FillsPath    string  `yaml:"fills_path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Broker   Broker   `yaml:"broker"`
	Feed     Feed     `yaml:"feed"`
	Session  Session  `yaml:"session"`
	Risk     Risk     `yaml:"risk"`
	Journal  Journal  `yaml:"journal"`
	Schedule Schedule `yaml:"schedule"`
	Paper    Paper    `yaml:"paper"`
}

// Load reads a YAML file from disk, applies environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.applyEnv()
	config.applyDefaults()
	return &config, nil
}

// Default returns a config populated only with defaults, for runs without a file.
func Default() *Config {
	var config Config
	config.applyEnv()
	config.applyDefaults()
	return &config
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DHAN_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("TRADER_LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("TRADER_LOGS_DIR"); v != "" {
		c.App.LogsDir = v
	}
	if v := os.Getenv("TRADER_METRICS_ADDR"); v != "" {
		c.App.StatusAddr = v
	}
	if v := os.Getenv("TRADER_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.App.DryRun = b
		}
	}
	if v := os.Getenv("DHAN_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
	if v := os.Getenv("DHAN_FEED_URL"); v != "" {
		c.Broker.FeedURL = v
	}
	if v := os.Getenv("TRADER_SQLITE_PATH"); v != "" {
		c.Journal.SQLitePath = v
	}
	if v := os.Getenv("TRADER_REPORTS_DIR"); v != "" {
		c.Journal.ReportsDir = v
	}
	if v := os.Getenv("TRADER_SESSION_CRON"); v != "" {
		c.Schedule.SessionCron = v
	}
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "intradaybot"
	}
	if c.App.Env == "" {
		c.App.Env = "live"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogsDir == "" {
		c.App.LogsDir = "logs"
	}

	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.dhan.co/v2"
	}
	if c.Broker.FeedURL == "" {
		c.Broker.FeedURL = "wss://api-feed.dhan.co"
	}
	if c.Broker.ScripMasterURL == "" {
		c.Broker.ScripMasterURL = "https://images.dhan.co/api-data/api-scrip-master.csv"
	}
	if c.Broker.ExchangeSegment == "" {
		c.Broker.ExchangeSegment = "NSE_EQ"
	}
	if c.Broker.Instrument == "" {
		c.Broker.Instrument = "EQUITY"
	}
	if c.Broker.OrderType == "" {
		c.Broker.OrderType = "MARKET"
	}
	if c.Broker.ProductType == "" {
		c.Broker.ProductType = "INTRADAY"
	}
	if c.Broker.SymbolMapPath == "" {
		c.Broker.SymbolMapPath = "config/symbol_map.json"
	}

	if c.Feed.MinIntervalMs == 0 {
		c.Feed.MinIntervalMs = 2000
	}
	if c.Feed.RateLimitBackoffMs == 0 {
		c.Feed.RateLimitBackoffMs = 2000
	}
	if c.Feed.MaxRetries == 0 {
		c.Feed.MaxRetries = 3
	}
	if c.Feed.RequestTimeoutSecs == 0 {
		c.Feed.RequestTimeoutSecs = 30
	}
	if c.Feed.QuoteCacheSecs == 0 {
		c.Feed.QuoteCacheSecs = 10
	}
	if c.Feed.FreshnessSecs == 0 {
		c.Feed.FreshnessSecs = 30
	}
	if c.Feed.MaxConnectAttempts == 0 {
		c.Feed.MaxConnectAttempts = 3
	}
	if c.Feed.ConnectWaitSecs == 0 {
		c.Feed.ConnectWaitSecs = 5
	}
	if c.Feed.PingIntervalSecs == 0 {
		c.Feed.PingIntervalSecs = 15
	}

	if c.Session.ParamsPath == "" {
		c.Session.ParamsPath = "input_data/trading_parameters.csv"
	}
	if c.Session.EntryTime == "" {
		c.Session.EntryTime = "09:25:00"
	}
	if c.Session.ExitTime == "" {
		c.Session.ExitTime = "15:15:00"
	}
	if c.Session.EntryPriceTarget == "" {
		c.Session.EntryPriceTarget = "09:24:59"
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "Asia/Kolkata"
	}
	if c.Session.MarketOpen == "" {
		c.Session.MarketOpen = "09:15:00"
	}
	if c.Session.MarketClose == "" {
		c.Session.MarketClose = "15:30:00"
	}
	if c.Session.Quantity == 0 {
		c.Session.Quantity = 1
	}
	if c.Session.StopLossPercent == 0 {
		c.Session.StopLossPercent = 0.25
	}
	if c.Session.Concurrency == 0 {
		c.Session.Concurrency = 4
	}

	if c.Risk.MaxTradesPerSymbol == 0 {
		c.Risk.MaxTradesPerSymbol = 1
	}

	if c.Journal.JSONLPath == "" {
		c.Journal.JSONLPath = "reports/trades.jsonl"
	}
	if c.Journal.ReportsDir == "" {
		c.Journal.ReportsDir = "reports"
	}

	if c.Schedule.SessionCron == "" {
		c.Schedule.SessionCron = "0 10 9 * * 1-5"
	}

	if c.Paper.StartingCash == 0 {
		c.Paper.StartingCash = 1_000_000
	}
}

// Validate checks that the loaded values are internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.BaseURL == "" {
		errs = append(errs, errors.New("broker.base_url is required"))
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("session.timezone: %w", err))
	}
	entry, err := util.ParseTimeOfDay(c.Session.EntryTime)
	if err != nil {
		errs = append(errs, fmt.Errorf("session.entry_time: %w", err))
	}
	exit, err2 := util.ParseTimeOfDay(c.Session.ExitTime)
	if err2 != nil {
		errs = append(errs, fmt.Errorf("session.exit_time: %w", err2))
	}
	if err == nil && err2 == nil && entry.Compare(exit) >= 0 {
		errs = append(errs, fmt.Errorf("session.entry_time %s must be before exit_time %s", entry, exit))
	}
	for _, field := range []struct{ name, value string }{
		{"session.entry_price_target", c.Session.EntryPriceTarget},
		{"session.market_open", c.Session.MarketOpen},
		{"session.market_close", c.Session.MarketClose},
	} {
		if _, err := util.ParseTimeOfDay(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field.name, err))
		}
	}
	for _, day := range c.Session.Holidays {
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			errs = append(errs, fmt.Errorf("session.holidays: invalid date %q", day))
		}
	}
	if c.Session.StopLossPercent <= 0 || c.Session.StopLossPercent >= 100 {
		errs = append(errs, errors.New("session.stop_loss_percent must be in (0, 100)"))
	}
	if c.Session.Quantity <= 0 {
		errs = append(errs, errors.New("session.quantity must be positive"))
	}
	if c.Feed.MaxRetries < 1 {
		errs = append(errs, errors.New("feed.max_retries must be at least 1"))
	}
	if c.Risk.MaxNotionalPerTrade < 0 {
		errs = append(errs, errors.New("risk.max_notional_per_trade must not be negative"))
	}
	return errors.Join(errs...)
}

// Location resolves the exchange time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Session.Timezone, err)
	}
	return loc, nil
}

// HolidayDates parses the configured holiday list in the given location.
func (c *Config) HolidayDates(loc *time.Location) []time.Time {
	out := make([]time.Time, 0, len(c.Session.Holidays))
	for _, day := range c.Session.Holidays {
		t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(day), loc)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// MinInterval is the pacing gate between outbound broker calls.
func (f Feed) MinInterval() time.Duration {
	return time.Duration(f.MinIntervalMs) * time.Millisecond
}

// RateLimitBackoff is the base delay of the exponential 429 backoff.
func (f Feed) RateLimitBackoff() time.Duration {
	return time.Duration(f.RateLimitBackoffMs) * time.Millisecond
}

// RequestTimeout bounds each HTTP attempt.
func (f Feed) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSecs) * time.Second
}

// QuoteCacheTTL is how long a pulled quote (or its absence) is reused.
func (f Feed) QuoteCacheTTL() time.Duration {
	return time.Duration(f.QuoteCacheSecs) * time.Second
}

// Freshness is the age after which a pushed price stops counting as live.
func (f Feed) Freshness() time.Duration {
	return time.Duration(f.FreshnessSecs) * time.Second
}

// ConnectWait bounds the wait for the push channel to open.
func (f Feed) ConnectWait() time.Duration {
	return time.Duration(f.ConnectWaitSecs) * time.Second
}

// PingInterval is the keepalive period on the push channel.
func (f Feed) PingInterval() time.Duration {
	return time.Duration(f.PingIntervalSecs) * time.Second
}
