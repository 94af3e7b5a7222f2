package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "intradaybot-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if !cfg.App.DryRun {
		t.Fatalf("expected dry_run enabled")
	}
	if cfg.Broker.BaseURL != "http://127.0.0.1:8089/v2" {
		t.Fatalf("unexpected Broker.BaseURL: %s", cfg.Broker.BaseURL)
	}
	if cfg.Broker.SymbolMap["SBIN"] != "3045" {
		t.Fatalf("unexpected inline symbol map: %+v", cfg.Broker.SymbolMap)
	}
	if cfg.Feed.MinInterval() != 250*time.Millisecond {
		t.Fatalf("unexpected min interval: %s", cfg.Feed.MinInterval())
	}
	if cfg.Feed.QuoteCacheTTL() != 5*time.Second {
		t.Fatalf("unexpected quote cache ttl: %s", cfg.Feed.QuoteCacheTTL())
	}
	if len(cfg.Session.Symbols) != 2 || cfg.Session.Symbols[1] != "TCS" {
		t.Fatalf("unexpected symbols: %+v", cfg.Session.Symbols)
	}
	if cfg.Session.ExitTime != "09:30:00" {
		t.Fatalf("unexpected exit time: %s", cfg.Session.ExitTime)
	}
	if cfg.Risk.MaxNotionalPerTrade != 50000 {
		t.Fatalf("unexpected max notional: %.2f", cfg.Risk.MaxNotionalPerTrade)
	}
	if cfg.Paper.StartingCash != 250000 {
		t.Fatalf("expected starting cash 250000, got %.2f", cfg.Paper.StartingCash)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Feed.MaxRetries != 3 {
		t.Fatalf("expected 3 retries by default, got %d", cfg.Feed.MaxRetries)
	}
	if cfg.Feed.Freshness() != 30*time.Second {
		t.Fatalf("expected 30s freshness, got %s", cfg.Feed.Freshness())
	}
	if cfg.Session.Timezone != "Asia/Kolkata" {
		t.Fatalf("unexpected timezone default: %s", cfg.Session.Timezone)
	}
	if cfg.Session.EntryPriceTarget != "09:24:59" {
		t.Fatalf("unexpected entry price target: %s", cfg.Session.EntryPriceTarget)
	}
	if cfg.Broker.ProductType != "INTRADAY" || cfg.Broker.OrderType != "MARKET" {
		t.Fatalf("unexpected order tags: %s/%s", cfg.Broker.ProductType, cfg.Broker.OrderType)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRADER_LOG_LEVEL", "warn")
	t.Setenv("TRADER_DRY_RUN", "false")
	t.Setenv("TRADER_SQLITE_PATH", "/tmp/override.db")

	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.App.LogLevel != "warn" {
		t.Fatalf("expected env log level, got %s", cfg.App.LogLevel)
	}
	if cfg.App.DryRun {
		t.Fatalf("expected env to disable dry run")
	}
	if cfg.Journal.SQLitePath != "/tmp/override.db" {
		t.Fatalf("unexpected sqlite path %s", cfg.Journal.SQLitePath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsInvertedWindow(t *testing.T) {
	cfg := Default()
	cfg.Session.EntryTime = "15:20:00"
	cfg.Session.ExitTime = "15:15:00"
	cfg.Session.Holidays = []string{"15/08/2025"}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "must be before") || !strings.Contains(err.Error(), "holidays") {
		t.Fatalf("expected both window and holiday errors, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Session.Symbols = []string{"INFY"}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(loaded.Session.Symbols) != 1 || loaded.Session.Symbols[0] != "INFY" {
		t.Fatalf("symbols did not survive save: %+v", loaded.Session.Symbols)
	}
}

func TestHolidayDates(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatalf("Location returned error: %v", err)
	}
	days := cfg.HolidayDates(loc)
	if len(days) != 1 || days[0].Month() != time.August || days[0].Day() != 15 {
		t.Fatalf("unexpected holidays %+v", days)
	}
}
