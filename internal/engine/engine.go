// Package engine drives one trading day: wait for the open, enter at the entry
// second, watch stops, and flatten everything at the exit time.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"intradaybot-go/internal/execution"
	"intradaybot-go/internal/journal"
	"intradaybot-go/internal/marketdata"
	"intradaybot-go/internal/metrics"
	"intradaybot-go/internal/risk"
	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/strategy"
	"intradaybot-go/internal/util"
)

const (
	marketPollInterval = 30 * time.Second
	feedCycle          = time.Second
	pullCycle          = 2 * time.Second
	statusEvery        = 30
	countdownWindow    = time.Minute
	maxExitAttempts    = 3
)

var (
	// ErrNotTradingDay is returned when Run starts on a weekend or holiday.
	ErrNotTradingDay = errors.New("engine: not a trading day")
	// ErrMarketClosed is returned when Run starts after the market close.
	ErrMarketClosed = errors.New("engine: market already closed")
	// ErrRunning is returned when Run is called on an engine that is already running.
	ErrRunning = errors.New("engine: session already running")
)

// MarketData resolves the two prices a signal is derived from.
type MarketData interface {
	YesterdaysClose(ctx context.Context, symbol string, today time.Time) (float64, bool)
	TodaysEntryPrice(ctx context.Context, symbol string, today time.Time) (float64, bool)
}

// Orders places, prices and flattens positions.
type Orders interface {
	SecurityID(symbol string) (string, bool)
	PlaceEntry(ctx context.Context, plan strategy.TradePlan) (execution.Fill, error)
	ExitPosition(ctx context.Context, fill execution.Fill) (execution.ExitResult, error)
	BatchQuotes(ctx context.Context, symbols []string) map[string]*float64
}

// PriceFeed is the push channel. All methods must tolerate an unavailable socket.
type PriceFeed interface {
	Connect(ctx context.Context) bool
	Connected() bool
	Subscribe(ctx context.Context, securityID string, ch chan<- signal.Tick) bool
	Unsubscribe(securityID string)
	Disconnect()
}

// Config is the day's plan: which symbols, with which knobs, at which times.
type Config struct {
	Symbols []string
	// Params holds per-symbol stop-loss and size; Default covers symbols without a row.
	Params         map[string]strategy.Params
	Default        strategy.Params
	EntryTime      util.TimeOfDay
	ExitTime       util.TimeOfDay
	MarketOpen     util.TimeOfDay
	MarketClose    util.TimeOfDay
	LateEntryGrace time.Duration
	Concurrency    int
	MaxTrades      int
	Location       *time.Location
}

// Engine is the per-day state machine.
type Engine struct {
	log      zerolog.Logger
	cfg      Config
	data     MarketData
	orders   Orders
	feed     PriceFeed
	recorder journal.Recorder
	guard    *risk.Guard
	calendar *marketdata.Calendar
	clock    util.Clock

	session *Session
	ticks   chan signal.Tick
	running atomic.Bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFeed enables the push channel.
func WithFeed(f PriceFeed) Option {
	return func(e *Engine) { e.feed = f }
}

// WithRecorder persists every closed trade.
func WithRecorder(r journal.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithGuard applies pre-trade limits.
func WithGuard(g *risk.Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithCalendar skips weekends and holidays.
func WithCalendar(c *marketdata.Calendar) Option {
	return func(e *Engine) { e.calendar = c }
}

// WithClock swaps the wall clock.
func WithClock(c util.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// New builds an engine. Zero-valued times fall back to the NSE session.
func New(log zerolog.Logger, cfg Config, data MarketData, orders Orders, opts ...Option) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MarketOpen == (util.TimeOfDay{}) {
		cfg.MarketOpen = util.TimeOfDay{Hour: 9, Minute: 15}
	}
	if cfg.MarketClose == (util.TimeOfDay{}) {
		cfg.MarketClose = util.TimeOfDay{Hour: 15, Minute: 30}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxTrades <= 0 {
		cfg.MaxTrades = 1
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	cfg.Symbols = symbols

	e := &Engine{
		log:      log,
		cfg:      cfg,
		data:     data,
		orders:   orders,
		recorder: journal.NoopRecorder{},
		clock:    util.SystemClock{Loc: cfg.Location},
		session:  NewSession(),
		ticks:    make(chan signal.Tick, 256),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Session returns the current session.
func (e *Engine) Session() *Session { return e.session }

// ResetForNewSession clears the previous day. It must not be called during Run.
func (e *Engine) ResetForNewSession() {
	e.session.ResetForNewSession()
	if e.guard != nil {
		e.guard.Reset()
	}
	for {
		select {
		case <-e.ticks:
		default:
			metrics.OpenPositions.Set(0)
			metrics.SessionPnL.Set(0)
			return
		}
	}
}

// Snapshot reports the session for the status API.
func (e *Engine) Snapshot() Snapshot {
	snap := e.session.snapshot()
	if e.feed != nil {
		snap.FeedConnected = e.feed.Connected()
	}
	return snap
}

// Running reports whether Run is in progress.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) now() time.Time { return e.clock.Now().In(e.cfg.Location) }

// Run executes the day's phases and returns the ledger. Cancelling ctx ends the
// session early; positions already open are still closed.
func (e *Engine) Run(ctx context.Context) ([]journal.TradeRecord, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunning
	}
	defer e.running.Store(false)

	today := util.StartOfDay(e.now())
	e.session.setDay(today)
	log := e.log.With().Str("session_id", e.session.ID()).Str("day", today.Format(time.DateOnly)).Logger()
	start := log.Info().
		Strs("symbols", e.cfg.Symbols).
		Str("entry", e.cfg.EntryTime.String()).
		Str("exit", e.cfg.ExitTime.String())
	if e.guard != nil {
		limits := e.guard.Limits()
		start = start.Float64("max_notional", limits.MaxNotionalPerTrade).Int("max_trades", limits.MaxTradesPerSymbol)
	}
	start.Msg("session starting")

	if e.calendar != nil && !e.calendar.IsTradingDay(today) {
		log.Warn().Msg("not a trading day")
		return e.finish(log, ErrNotTradingDay)
	}

	e.session.setPhase(AwaitingMarketOpen)
	if err := e.awaitMarketOpen(ctx, log); err != nil {
		return e.finish(log, err)
	}

	e.session.setPhase(AwaitingEntryTime)
	enter, err := e.awaitEntryTime(ctx, log)
	if err != nil {
		return e.finish(log, err)
	}
	if enter {
		e.session.setPhase(GeneratingSignals)
		e.generateSignals(ctx, log, today)
	}

	var runErr error
	if e.session.openCount() > 0 {
		e.session.setPhase(MonitoringPositions)
		runErr = e.monitor(ctx, log)
	} else {
		log.Warn().Msg("no positions opened")
	}

	e.session.setPhase(ClosingPositions)
	e.closeAll(context.WithoutCancel(ctx), log)
	return e.finish(log, runErr)
}

func (e *Engine) marketOpen(now time.Time) (open, closed bool) {
	tod := util.TimeOfDayOf(now)
	tod.Second = 0
	return tod.Compare(e.cfg.MarketOpen) >= 0 && tod.Compare(e.cfg.MarketClose) <= 0,
		tod.Compare(e.cfg.MarketClose) > 0
}

func (e *Engine) awaitMarketOpen(ctx context.Context, log zerolog.Logger) error {
	logged := false
	for {
		open, closed := e.marketOpen(e.now())
		if open {
			log.Info().Msg("market open")
			return nil
		}
		if closed {
			log.Warn().Str("close", e.cfg.MarketClose.String()).Msg("market already closed")
			return ErrMarketClosed
		}
		if !logged {
			log.Info().Str("open", e.cfg.MarketOpen.String()).Msg("market closed, waiting for open")
			logged = true
		}
		if err := e.clock.Sleep(ctx, marketPollInterval); err != nil {
			return err
		}
	}
}

// awaitEntryTime returns true when signals should be generated. A start after the
// entry second is accepted until the exit time, within LateEntryGrace when set.
func (e *Engine) awaitEntryTime(ctx context.Context, log zerolog.Logger) (bool, error) {
	log.Info().Str("entry", e.cfg.EntryTime.String()).Msg("waiting for entry time")
	lastCountdown := -1
	for {
		now := e.now()
		if strategy.IsEntryTime(now, e.cfg.EntryTime) {
			log.Info().Msg("entry time reached")
			return true, nil
		}
		target := e.cfg.EntryTime.On(now)
		left := target.Sub(now)
		if left < 0 {
			late := -left
			if strategy.CheckTimeExit(now, e.cfg.ExitTime).Exit {
				log.Warn().Dur("late", late).Msg("entry window missed, exit time already reached")
				return false, nil
			}
			if e.cfg.LateEntryGrace > 0 && late > e.cfg.LateEntryGrace {
				log.Warn().Dur("late", late).Dur("grace", e.cfg.LateEntryGrace).Msg("entry window missed")
				return false, nil
			}
			log.Warn().Dur("late", late).Msg("late start, entering now")
			return true, nil
		}

		secs := int(left.Seconds())
		if left <= countdownWindow && secs%10 == 0 && secs != lastCountdown {
			log.Info().Int("seconds", secs).Msg("entry countdown")
			lastCountdown = secs
		}

		wait := time.Second - time.Duration(now.Nanosecond())
		if left > countdownWindow+time.Second {
			wait = left - countdownWindow
		}
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

func (e *Engine) params(symbol string) strategy.Params {
	p, ok := e.cfg.Params[symbol]
	if !ok {
		p = e.cfg.Default
	}
	if p.Location == nil {
		p.Location = e.cfg.Location
	}
	if p.EntryTime == (util.TimeOfDay{}) {
		p.EntryTime = e.cfg.EntryTime
	}
	if p.ExitTime == (util.TimeOfDay{}) {
		p.ExitTime = e.cfg.ExitTime
	}
	return p
}

func (e *Engine) generateSignals(ctx context.Context, log zerolog.Logger, today time.Time) {
	if e.feed != nil && !e.feed.Connected() {
		if e.feed.Connect(ctx) {
			log.Info().Msg("live feed connected")
		} else {
			log.Info().Msg("live feed unavailable, monitoring via REST")
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, sym := range e.cfg.Symbols {
		sym := sym
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("symbol", sym).Interface("panic", r).Msg("symbol processing panicked")
				}
			}()
			if err := e.enter(ctx, log, today, sym); err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("symbol skipped")
			}
			return nil
		})
	}
	_ = g.Wait()
	log.Info().Int("open", e.session.openCount()).Msg("signal generation complete")
}

func (e *Engine) enter(ctx context.Context, log zerolog.Logger, today time.Time, sym string) error {
	if e.session.state.IsStopped(sym) {
		return errors.New("stop-loss already hit today")
	}
	if e.session.isOpen(sym) {
		return errors.New("position already open")
	}

	var yesterday, current *float64
	if px, ok := e.data.YesterdaysClose(ctx, sym, today); ok {
		yesterday = &px
	}
	if px, ok := e.data.TodaysEntryPrice(ctx, sym, today); ok {
		current = &px
	}
	sig := strategy.DeriveSignal(sym, yesterday, current, e.now())
	if sig.Side == signal.None || !sig.HasPrice() {
		log.Info().Str("symbol", sym).Msg("no signal")
		return nil
	}

	plan := e.session.state.BuildTradePlan(sig, e.params(sym))
	if plan == nil {
		return errors.New("trade plan rejected")
	}

	if e.guard != nil {
		if err := e.guard.Admit(sym, plan.EntryPrice*float64(plan.Quantity)); err != nil {
			return err
		}
	}
	fill, err := e.orders.PlaceEntry(ctx, *plan)
	if err != nil {
		if e.guard != nil && !errors.Is(err, execution.ErrNoOrderID) {
			e.guard.Release(sym)
		}
		return err
	}
	if fill.StopLoss == 0 {
		fill.StopLoss = plan.StopLossPrice
	}
	metrics.OpenPositions.Set(float64(e.session.addOpen(fill)))
	log.Info().
		Str("symbol", sym).
		Str("side", plan.Side.String()).
		Float64("entry", plan.EntryPrice).
		Float64("stop_loss", plan.StopLossPrice).
		Int("qty", plan.Quantity).
		Str("order_id", fill.OrderID).
		Msg("position opened")

	if e.feed != nil && e.feed.Connected() {
		e.feed.Subscribe(ctx, fill.SecurityID, e.ticks)
	}
	return nil
}

func (e *Engine) drainTicks() {
	for {
		select {
		case tick := <-e.ticks:
			e.session.markSecurity(tick.SecurityID, tick.Price)
		default:
			return
		}
	}
}

func (e *Engine) monitor(ctx context.Context, log zerolog.Logger) error {
	log.Info().Int("positions", e.session.openCount()).Msg("monitoring positions")
	cycle := 0
	for e.session.activeCount() > 0 {
		if strategy.CheckTimeExit(e.now(), e.cfg.ExitTime).Exit {
			log.Info().Msg("exit time reached")
			return nil
		}
		cycle++
		e.drainTicks()

		symbols := e.session.openSymbols()
		quotes := e.orders.BatchQuotes(ctx, symbols)
		for _, sym := range symbols {
			pos, ok := e.session.position(sym)
			if !ok {
				continue
			}
			px := quotes[sym]
			if px == nil {
				px = pos.lastPrice
			} else {
				e.session.mark(sym, *px)
			}
			if pos.failures >= maxExitAttempts {
				continue
			}
			if pos.failures > 0 {
				retry := pos.fill.EntryPrice
				if px != nil {
					retry = *px
				}
				e.exit(ctx, log, pos.fill, retry, pos.pending)
				continue
			}
			if px == nil {
				continue
			}
			decision := e.session.state.CheckStopLoss(sym, pos.fill.Side, pos.fill.StopLoss, *px)
			if !decision.Exit {
				continue
			}
			log.Warn().
				Str("symbol", sym).
				Float64("ltp", *px).
				Float64("stop_loss", pos.fill.StopLoss).
				Msg("stop-loss hit")
			e.exit(ctx, log, pos.fill, *decision.PriceHint, decision.Reason)
		}

		if cycle%statusEvery == 0 {
			log.Info().
				Int("cycle", cycle).
				Strs("active", e.session.openSymbols()).
				Strs("stopped", e.session.state.Stopped()).
				Float64("pnl", e.session.ledger.TotalPnL()).
				Msg("monitoring status")
		}

		interval := pullCycle
		if e.feed != nil && e.feed.Connected() {
			interval = feedCycle
		}
		if err := e.clock.Sleep(ctx, interval); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) closeAll(ctx context.Context, log zerolog.Logger) {
	symbols := e.session.openSymbols()
	if len(symbols) == 0 {
		return
	}
	log.Warn().Strs("symbols", symbols).Msg("closing remaining positions")
	e.drainTicks()
	quotes := e.orders.BatchQuotes(ctx, symbols)
	for _, sym := range symbols {
		pos, ok := e.session.position(sym)
		if !ok {
			continue
		}
		price := pos.fill.EntryPrice
		switch {
		case quotes[sym] != nil:
			price = *quotes[sym]
		case pos.lastPrice != nil:
			price = *pos.lastPrice
		}
		e.exit(ctx, log, pos.fill, price, strategy.EndOfDay)
	}
}

// exit flattens fill and books the trade. The order is sent even if ctx is already
// cancelled. A rejected exit leaves the position open: the monitor retries it up to
// maxExitAttempts times and closeAll tries once more.
func (e *Engine) exit(ctx context.Context, log zerolog.Logger, fill execution.Fill, price float64, reason strategy.ExitReason) {
	res, err := e.orders.ExitPosition(context.WithoutCancel(ctx), fill)
	if err != nil {
		failures := e.session.exitFailed(fill.Symbol, reason)
		log.Error().Err(err).
			Str("symbol", fill.Symbol).
			Str("reason", string(reason)).
			Int("attempt", failures).
			Msg("exit failed")
		return
	}
	metrics.OpenPositions.Set(float64(e.session.removeOpen(fill.Symbol)))
	if e.feed != nil && fill.SecurityID != "" {
		e.feed.Unsubscribe(fill.SecurityID)
	}

	points := strategy.Points(fill.Side, fill.EntryPrice, price)
	rec := journal.TradeRecord{
		SessionID:  e.session.ID(),
		Day:        e.session.dayString(),
		Symbol:     fill.Symbol,
		Side:       fill.Side,
		EntryPrice: fill.EntryPrice,
		ExitPrice:  price,
		Quantity:   fill.Quantity,
		Reason:     reason,
		Points:     points,
		PnL:        strategy.PnL(points, fill.Quantity),
		OrderID:    fill.OrderID,
		ExitMethod: string(res.Method),
		OpenedAt:   fill.PlacedAt,
		ClosedAt:   e.now(),
	}
	e.session.ledger.Append(rec)
	if err := e.recorder.Record(rec); err != nil {
		log.Warn().Err(err).Str("symbol", fill.Symbol).Msg("record trade")
	}
	metrics.ExitsTotal.WithLabelValues(fill.Symbol, string(reason)).Inc()
	metrics.SessionPnL.Set(e.session.ledger.TotalPnL())

	ev := log.Info()
	if rec.PnL < 0 {
		ev = log.Warn()
	}
	ev.Str("symbol", fill.Symbol).
		Str("reason", string(reason)).
		Str("method", string(res.Method)).
		Float64("exit", price).
		Float64("points", rec.Points).
		Float64("pnl", rec.PnL).
		Msg("position closed")
}

func (e *Engine) finish(log zerolog.Logger, err error) ([]journal.TradeRecord, error) {
	e.session.setPhase(Done)
	if e.feed != nil {
		e.feed.Disconnect()
	}
	if left := e.session.openSymbols(); len(left) > 0 {
		log.Error().Strs("symbols", left).Msg("positions left open, flatten them manually")
	}
	records := e.session.ledger.Snapshot()
	if violations := risk.CheckCompliance(records, e.cfg.MaxTrades); len(violations) > 0 {
		for _, v := range violations {
			log.Error().Str("symbol", v.Symbol).Int("trades", v.Trades).Msg("compliance violation")
		}
	} else {
		log.Info().Msg("compliance check passed")
	}
	log.Info().
		Int("trades", len(records)).
		Float64("pnl", e.session.ledger.TotalPnL()).
		Strs("stopped", e.session.state.Stopped()).
		AnErr("error", err).
		Msg("session complete")
	return records, err
}
