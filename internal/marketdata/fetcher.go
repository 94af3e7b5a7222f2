package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"intradaybot-go/internal/util"
)

const defaultHistoryDays = 10

// DefaultEntryTarget is the candle time whose close stands for today's entry price.
var DefaultEntryTarget = util.TimeOfDay{Hour: 9, Minute: 24, Second: 59}

// CandleSource is the pull side of the broker connector.
type CandleSource interface {
	HistoricalCandles(ctx context.Context, securityID string, from, to time.Time) (json.RawMessage, error)
	IntradayCandles(ctx context.Context, securityID string, from, to time.Time) (json.RawMessage, error)
	Quote(ctx context.Context, securityID string, preferLive bool) (float64, bool)
}

// Fetcher resolves symbol-level prices from the broker's chart and quote endpoints.
type Fetcher struct {
	log         zerolog.Logger
	src         CandleSource
	symbols     map[string]string
	calendar    *Calendar
	loc         *time.Location
	entryTarget util.TimeOfDay
	historyDays int
	now         func() time.Time
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithCalendar sets the trading calendar used to find the previous session.
func WithCalendar(c *Calendar) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.calendar = c
		}
	}
}

// WithLocation sets the exchange zone candles are converted into.
func WithLocation(loc *time.Location) FetcherOption {
	return func(f *Fetcher) {
		if loc != nil {
			f.loc = loc
		}
	}
}

// WithEntryTarget overrides the 09:24:59 entry candle target.
func WithEntryTarget(t util.TimeOfDay) FetcherOption {
	return func(f *Fetcher) { f.entryTarget = t }
}

// WithHistoryDays sets how many calendar days before the previous session are pulled.
func WithHistoryDays(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.historyDays = n
		}
	}
}

// WithFetcherClock injects the clock used when a candle timestamp cannot be parsed.
func WithFetcherClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFetcher constructs a Fetcher over src. symbols maps trading symbols to security ids.
func NewFetcher(log zerolog.Logger, src CandleSource, symbols map[string]string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		log:         log,
		src:         src,
		symbols:     make(map[string]string, len(symbols)),
		calendar:    NewCalendar(),
		loc:         time.UTC,
		entryTarget: DefaultEntryTarget,
		historyDays: defaultHistoryDays,
		now:         time.Now,
	}
	for sym, id := range symbols {
		f.symbols[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(id)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SecurityID returns the broker id for symbol.
func (f *Fetcher) SecurityID(symbol string) (string, bool) {
	id, ok := f.symbols[strings.ToUpper(strings.TrimSpace(symbol))]
	return id, ok && id != ""
}

// Calendar exposes the trading calendar.
func (f *Fetcher) Calendar() *Calendar { return f.calendar }

// FetchHistorical returns the raw daily chart for [from, to].
func (f *Fetcher) FetchHistorical(ctx context.Context, securityID string, from, to time.Time) (json.RawMessage, error) {
	return f.src.HistoricalCandles(ctx, securityID, from, to)
}

// FetchIntraday returns the raw one-minute chart for [from, to].
func (f *Fetcher) FetchIntraday(ctx context.Context, securityID string, from, to time.Time) (json.RawMessage, error) {
	return f.src.IntradayCandles(ctx, securityID, from, to)
}

// YesterdaysClose returns the previous session's daily close. The daily close is an
// approximation of the 15:29 quote, which the chart API does not serve historically.
// When the exact day is missing from the window the latest close in it is used.
func (f *Fetcher) YesterdaysClose(ctx context.Context, symbol string, today time.Time) (float64, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	id, ok := f.SecurityID(sym)
	if !ok {
		f.log.Error().Str("symbol", sym).Msg("symbol missing from security id map")
		return 0, false
	}
	today = today.In(f.loc)
	prev, ok := f.calendar.PreviousTradingDay(today)
	if !ok {
		f.log.Error().Str("symbol", sym).Str("today", today.Format(time.DateOnly)).Msg("no previous trading day in lookback")
		return 0, false
	}

	raw, err := f.FetchHistorical(ctx, id, prev.AddDate(0, 0, -f.historyDays), prev)
	if err != nil {
		f.log.Error().Err(err).Str("symbol", sym).Msg("historical candles failed")
		return 0, false
	}
	candles := normalizeAt(sym, raw, f.loc, f.now())
	if len(candles) == 0 {
		f.log.Warn().Str("symbol", sym).Msg("no previous day candles")
		return 0, false
	}
	want := prev.Format(time.DateOnly)
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Time.Format(time.DateOnly) == want {
			f.log.Info().Str("symbol", sym).Float64("close", candles[i].Close).Str("date", want).Msg("previous close")
			return candles[i].Close, true
		}
	}
	latest := candles[len(candles)-1]
	f.log.Info().
		Str("symbol", sym).
		Float64("close", latest.Close).
		Str("date", latest.Time.Format(time.DateOnly)).
		Msg("previous session missing, using latest close")
	return latest.Close, true
}

// TodaysEntryPrice returns the close of the intraday candle nearest the entry target,
// falling back to a quote when intraday data is unavailable.
func (f *Fetcher) TodaysEntryPrice(ctx context.Context, symbol string, today time.Time) (float64, bool) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	id, ok := f.SecurityID(sym)
	if !ok {
		f.log.Error().Str("symbol", sym).Msg("symbol missing from security id map")
		return 0, false
	}
	today = today.In(f.loc)

	raw, err := f.FetchIntraday(ctx, id, today, today)
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", sym).Msg("intraday candles unavailable")
	} else if candles := normalizeAt(sym, raw, f.loc, f.now()); len(candles) > 0 {
		target := f.entryTarget.On(today)
		best := candles[0]
		bestGap := absDuration(best.Time.Sub(target))
		for _, c := range candles[1:] {
			if gap := absDuration(c.Time.Sub(target)); gap < bestGap {
				best, bestGap = c, gap
			}
		}
		f.log.Debug().Str("symbol", sym).Float64("close", best.Close).Time("at", best.Time).Msg("entry candle")
		return best.Close, true
	}

	if px, ok := f.src.Quote(ctx, id, true); ok {
		f.log.Debug().Str("symbol", sym).Float64("ltp", px).Msg("entry price from quote")
		return px, true
	}
	return 0, false
}

// CurrentLTP returns the latest quote for symbol.
func (f *Fetcher) CurrentLTP(ctx context.Context, symbol string) (float64, bool) {
	id, ok := f.SecurityID(symbol)
	if !ok {
		f.log.Error().Str("symbol", symbol).Msg("symbol missing from security id map")
		return 0, false
	}
	return f.src.Quote(ctx, id, true)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
