package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"intradaybot-go/internal/config"
	"intradaybot-go/internal/engine"
	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/execution"
	"intradaybot-go/internal/journal"
	"intradaybot-go/internal/marketdata"
	"intradaybot-go/internal/paper"
	"intradaybot-go/internal/risk"
	"intradaybot-go/internal/status"
	"intradaybot-go/internal/strategy"
	"intradaybot-go/internal/util"
)

// runtime is everything a session needs, built once per process.
type runtime struct {
	cfg    *config.Config
	log    zerolog.Logger
	loc    *time.Location
	engine *engine.Engine
	client *exchange.Client
	feed   *exchange.Feed
	exec   *execution.Executor

	closers []io.Closer
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *runtime) statusHandler() *status.Handler {
	var hopts []status.HandlerOption
	if r.feed != nil {
		hopts = append(hopts, status.WithFeedSource(r.feed))
	}
	return status.NewHandler(r.log, r.engine, hopts...)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	if opts.dryRun {
		cfg.App.DryRun = true
	}
	if opts.logLevel != "" {
		cfg.App.LogLevel = opts.logLevel
	}
	if opts.paramsPath != "" {
		cfg.Session.ParamsPath = opts.paramsPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger writes to the terminal and appends to <logs_dir>/trader.log.
func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.App.LogsDir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("create logs dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(cfg.App.LogsDir, "trader.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}
	log := util.NewLogger(cfg.App.LogLevel, util.ConsoleWriter(os.Stderr), file).
		With().Str("app", cfg.App.Name).Str("env", cfg.App.Env).Logger()
	return log, file, nil
}

// loadParams reads the parameters sheet, falling back to the session block of the YAML.
func loadParams(cfg *config.Config, log zerolog.Logger) ([]config.SymbolParams, error) {
	rows, err := config.LoadParams(cfg.Session.ParamsPath)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("path", cfg.Session.ParamsPath).Msg("parameters sheet missing, using config session block")
		rows, err = config.ParamsFromSession(cfg.Session)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("no symbols configured")
	}
	if len(opts.symbols) == 0 {
		return rows, nil
	}
	want := make(map[string]bool, len(opts.symbols))
	for _, s := range opts.symbols {
		want[exchange.NormalizeSymbol(s)] = true
	}
	filtered := rows[:0]
	for _, row := range rows {
		if want[exchange.NormalizeSymbol(row.Symbol)] {
			filtered = append(filtered, row)
		}
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("none of %v are in the parameters sheet", opts.symbols)
	}
	return filtered, nil
}

// resolveSymbolMap merges the JSON map with the YAML map and fills any gaps from
// the scrip master, persisting what it finds.
func resolveSymbolMap(ctx context.Context, cfg *config.Config, log zerolog.Logger, symbols []string) (map[string]string, error) {
	fileMap, err := config.LoadSymbolMap(cfg.Broker.SymbolMapPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	symbolMap := exchange.MergeSymbolMaps(cfg.Broker.SymbolMap, fileMap)

	var missing []string
	for _, s := range symbols {
		if _, ok := symbolMap[exchange.NormalizeSymbol(s)]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return symbolMap, nil
	}

	log.Info().Strs("symbols", missing).Msg("resolving missing security ids")
	resolver := exchange.NewInstrumentResolver(log, cfg.Broker.ScripMasterURL, "NSE")
	found, still, err := resolver.Resolve(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve security ids: %w", err)
	}
	if len(still) > 0 {
		return nil, fmt.Errorf("missing security ids for: %s", strings.Join(still, ", "))
	}
	symbolMap = exchange.MergeSymbolMaps(symbolMap, found)
	if err := config.SaveSymbolMap(cfg.Broker.SymbolMapPath, symbolMap); err != nil {
		log.Warn().Err(err).Msg("persist symbol map")
	}
	return symbolMap, nil
}

func newRecorder(cfg *config.Config, log zerolog.Logger) (journal.Recorder, error) {
	var sinks journal.MultiRecorder
	if cfg.Journal.JSONLPath != "" {
		rec, err := journal.NewJSONLRecorder(cfg.Journal.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("open trade journal: %w", err)
		}
		sinks = append(sinks, rec)
	}
	if cfg.Journal.SQLitePath != "" {
		rec, err := journal.NewSQLiteRecorder(log, cfg.Journal.SQLitePath)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("open trade db: %w", err)
		}
		sinks = append(sinks, rec)
	}
	if len(sinks) == 0 {
		return journal.NoopRecorder{}, nil
	}
	return sinks, nil
}

func clientOptions(cfg *config.Config, creds config.Credentials, loc *time.Location) []exchange.ClientOption {
	return []exchange.ClientOption{
		exchange.WithBaseURL(cfg.Broker.BaseURL),
		exchange.WithCredentials(creds.AccessToken, creds.ClientID),
		exchange.WithMinInterval(cfg.Feed.MinInterval()),
		exchange.WithRetryPolicy(cfg.Feed.MaxRetries, cfg.Feed.RateLimitBackoff(), cfg.Feed.RateLimitBackoff()),
		exchange.WithRequestTimeout(cfg.Feed.RequestTimeout()),
		exchange.WithQuoteTTL(cfg.Feed.QuoteCacheTTL()),
		exchange.WithSegment(cfg.Broker.ExchangeSegment, cfg.Broker.Instrument),
		exchange.WithLocation(loc),
	}
}

// mixedSessionTimes lists symbols whose entry or exit time differs from the
// first row. The engine runs one session clock for every symbol.
func mixedSessionTimes(rows []config.SymbolParams) []string {
	if len(rows) == 0 {
		return nil
	}
	var out []string
	for _, row := range rows[1:] {
		if row.EntryTime != rows[0].EntryTime || row.ExitTime != rows[0].ExitTime {
			out = append(out, exchange.NormalizeSymbol(row.Symbol))
		}
	}
	return out
}

func buildRuntime(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*runtime, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, log: log, loc: loc}

	rows, err := loadParams(cfg, log)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(rows))
	for _, row := range rows {
		symbols = append(symbols, exchange.NormalizeSymbol(row.Symbol))
	}
	symbolMap, err := resolveSymbolMap(ctx, cfg, log, symbols)
	if err != nil {
		return nil, err
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		return nil, err
	}

	clientOpts := clientOptions(cfg, creds, loc)
	var engineOpts []engine.Option
	if cfg.Feed.Enabled {
		feed := exchange.NewFeed(log,
			exchange.WithFeedURL(cfg.Broker.FeedURL),
			exchange.WithFeedCredentials(creds.AccessToken, creds.ClientID),
			exchange.WithMaxConnectAttempts(cfg.Feed.MaxConnectAttempts),
			exchange.WithConnectWait(cfg.Feed.ConnectWait()),
			exchange.WithFreshness(cfg.Feed.Freshness()),
			exchange.WithPingInterval(cfg.Feed.PingInterval()),
		)
		clientOpts = append(clientOpts, exchange.WithLiveSource(feed))
		engineOpts = append(engineOpts, engine.WithFeed(feed))
		rt.feed = feed
	} else {
		log.Info().Msg("live feed disabled, prices come from REST quotes")
	}
	rt.client = exchange.NewClient(log, clientOpts...)
	log.Info().Str("client_id", rt.client.ClientID()).Str("segment", rt.client.Segment()).Msg("broker client ready")

	entryTarget, err := util.ParseTimeOfDay(cfg.Session.EntryPriceTarget)
	if err != nil {
		return nil, err
	}
	calendar := marketdata.NewCalendar(cfg.HolidayDates(loc)...)
	fetcher := marketdata.NewFetcher(log, rt.client, symbolMap,
		marketdata.WithCalendar(calendar),
		marketdata.WithLocation(loc),
		marketdata.WithEntryTarget(entryTarget),
	)

	var broker execution.Broker = rt.client
	if cfg.App.DryRun {
		var fills paper.FillRecorder
		if cfg.Paper.FillsPath != "" {
			rec, err := journal.NewJSONLRecorder(cfg.Paper.FillsPath)
			if err != nil {
				return nil, fmt.Errorf("open paper fills: %w", err)
			}
			rt.closers = append(rt.closers, rec)
			fills = rec
		}
		broker = paper.NewBroker(log, paper.NewAccount(cfg.Paper.StartingCash, 0), rt.client, fills)
		log.Warn().Float64("cash", cfg.Paper.StartingCash).Msg("dry run: orders are simulated")
	}
	rt.exec = execution.NewExecutor(log, broker, symbolMap,
		execution.WithSegment(cfg.Broker.ExchangeSegment),
		execution.WithProductType(cfg.Broker.ProductType),
	)
	if missing := rt.exec.MissingSymbols(symbols); len(missing) > 0 {
		return nil, fmt.Errorf("symbols without security ids: %s", strings.Join(missing, ", "))
	}

	recorder, err := newRecorder(cfg, log)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, recorder)

	params := make(map[string]strategy.Params, len(rows))
	for _, row := range rows {
		params[exchange.NormalizeSymbol(row.Symbol)] = strategy.Params{
			StopLossFraction: row.StopLossFraction,
			Quantity:         row.Quantity,
			EntryTime:        row.EntryTime,
			ExitTime:         row.ExitTime,
			OrderType:        cfg.Broker.OrderType,
			ProductType:      cfg.Broker.ProductType,
			Location:         loc,
		}
	}
	for _, sym := range mixedSessionTimes(rows) {
		log.Warn().
			Str("symbol", sym).
			Str("entry", rows[0].EntryTime.String()).
			Str("exit", rows[0].ExitTime.String()).
			Msg("per-symbol session times differ from the first row, first row wins")
	}
	marketOpen, _ := util.ParseTimeOfDay(cfg.Session.MarketOpen)
	marketClose, _ := util.ParseTimeOfDay(cfg.Session.MarketClose)

	rt.engine = engine.New(log, engine.Config{
		Symbols:        symbols,
		Params:         params,
		EntryTime:      rows[0].EntryTime,
		ExitTime:       rows[0].ExitTime,
		MarketOpen:     marketOpen,
		MarketClose:    marketClose,
		LateEntryGrace: time.Duration(cfg.Session.LateEntryGraceSecs) * time.Second,
		Concurrency:    cfg.Session.Concurrency,
		MaxTrades:      cfg.Risk.MaxTradesPerSymbol,
		Location:       loc,
	}, fetcher, rt.exec, append(engineOpts,
		engine.WithRecorder(recorder),
		engine.WithGuard(risk.NewGuard(risk.Limits{
			MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade,
			MaxTradesPerSymbol:  cfg.Risk.MaxTradesPerSymbol,
		})),
		engine.WithCalendar(calendar),
		engine.WithClock(util.SystemClock{Loc: loc}),
	)...)
	return rt, nil
}

// writeReport persists the session's CSV report and logs the summary.
func writeReport(cfg *config.Config, log zerolog.Logger, records []journal.TradeRecord, at time.Time) {
	summary := journal.Summarize(records)
	log.Info().
		Int("trades", summary.TotalTrades).
		Float64("pnl", summary.TotalPnL).
		Float64("win_rate", summary.WinRate).
		Float64("profit_factor", summary.ProfitFactor).
		Str("verdict", summary.Verdict()).
		Msg("session summary")
	if len(records) == 0 {
		return
	}
	path, err := journal.WriteCSVReport(cfg.Journal.ReportsDir, records, summary, at)
	if err != nil {
		log.Error().Err(err).Msg("write session report")
		return
	}
	log.Info().Str("path", path).Msg("session report written")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
