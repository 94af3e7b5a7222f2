package engine

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"intradaybot-go/internal/execution"
	"intradaybot-go/internal/journal"
	"intradaybot-go/internal/marketdata"
	"intradaybot-go/internal/risk"
	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/strategy"
	"intradaybot-go/internal/util"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func at(day, clock string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", day+" "+clock, ist)
	if err != nil {
		panic(err)
	}
	return t
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type stubData struct {
	yesterday map[string]float64
	today     map[string]float64
}

func (d stubData) YesterdaysClose(_ context.Context, symbol string, _ time.Time) (float64, bool) {
	if symbol == "BOOM" {
		panic("candle decoder exploded")
	}
	px, ok := d.yesterday[symbol]
	return px, ok
}

func (d stubData) TodaysEntryPrice(_ context.Context, symbol string, _ time.Time) (float64, bool) {
	px, ok := d.today[symbol]
	return px, ok
}

type stubOrders struct {
	clock    util.Clock
	ids      map[string]string
	quote    func(symbol string, now time.Time) *float64
	placeErr map[string]error
	exitErr  error
	// when positive, only the first failExits exits return exitErr
	failExits int
	onQuote   func(calls int)

	mu         sync.Mutex
	placed     []strategy.TradePlan
	exited     []execution.Fill
	exitCalls  int
	quoteCalls int
}

func (o *stubOrders) SecurityID(symbol string) (string, bool) {
	id, ok := o.ids[symbol]
	return id, ok
}

func (o *stubOrders) PlaceEntry(_ context.Context, plan strategy.TradePlan) (execution.Fill, error) {
	if err := o.placeErr[plan.Symbol]; err != nil {
		return execution.Fill{}, err
	}
	o.mu.Lock()
	o.placed = append(o.placed, plan)
	o.mu.Unlock()
	return execution.Fill{
		OrderID:    "ORD-" + plan.Symbol,
		Symbol:     plan.Symbol,
		SecurityID: o.ids[plan.Symbol],
		Side:       plan.Side,
		EntryPrice: plan.EntryPrice,
		StopLoss:   plan.StopLossPrice,
		Quantity:   plan.Quantity,
		PlacedAt:   o.clock.Now(),
	}, nil
}

func (o *stubOrders) ExitPosition(ctx context.Context, fill execution.Fill) (execution.ExitResult, error) {
	if err := ctx.Err(); err != nil {
		return execution.ExitResult{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exitCalls++
	if o.exitErr != nil && (o.failExits == 0 || o.exitCalls <= o.failExits) {
		return execution.ExitResult{}, o.exitErr
	}
	o.exited = append(o.exited, fill)
	return execution.ExitResult{Method: execution.MethodExitOrder}, nil
}

func (o *stubOrders) BatchQuotes(ctx context.Context, symbols []string) map[string]*float64 {
	o.mu.Lock()
	o.quoteCalls++
	calls := o.quoteCalls
	o.mu.Unlock()
	if o.onQuote != nil {
		o.onQuote(calls)
	}
	out := make(map[string]*float64, len(symbols))
	for _, s := range symbols {
		if ctx.Err() != nil {
			out[s] = nil
			continue
		}
		out[s] = o.quote(s, o.clock.Now())
	}
	return out
}

func (o *stubOrders) placedSymbols() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, p := range o.placed {
		out = append(out, p.Symbol)
	}
	return out
}

type captureRecorder struct {
	mu      sync.Mutex
	records []journal.TradeRecord
}

func (r *captureRecorder) Record(rec journal.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *captureRecorder) Close() error { return nil }

func price(v float64) *float64 { return &v }

func scenarioConfig() Config {
	return Config{
		Symbols: []string{"sbin", "TCS"},
		Params: map[string]strategy.Params{
			"SBIN": {StopLossFraction: 0.0025, Quantity: 10, OrderType: "MARKET", ProductType: "INTRADAY"},
			"TCS":  {StopLossFraction: 0.0025, Quantity: 5, OrderType: "MARKET", ProductType: "INTRADAY"},
		},
		Default:     strategy.Params{StopLossFraction: 0.01, Quantity: 1, OrderType: "MARKET"},
		EntryTime:   util.MustTimeOfDay("09:25:00"),
		ExitTime:    util.MustTimeOfDay("15:15:00"),
		Concurrency: 4,
		Location:    ist,
	}
}

func scenarioQuotes(symbol string, now time.Time) *float64 {
	switch symbol {
	case "SBIN":
		if now.Hour() >= 10 {
			return price(802.5)
		}
		return price(806)
	case "TCS":
		if now.Hour() >= 15 {
			return price(3385)
		}
		return price(3392)
	}
	return nil
}

var scenarioData = stubData{
	yesterday: map[string]float64{"SBIN": 800, "TCS": 3400, "INFY": 1500, "HDFCBANK": 1600},
	today:     map[string]float64{"SBIN": 805, "TCS": 3390, "INFY": 1500, "HDFCBANK": 1610},
}

func TestRunStopLossAndEndOfDay(t *testing.T) {
	clock := util.NewManualClock(at("2025-08-21", "09:10:00"))
	orders := &stubOrders{
		clock:    clock,
		ids:      map[string]string{"SBIN": "3045", "TCS": "11536", "INFY": "1594", "HDFCBANK": "1333"},
		quote:    scenarioQuotes,
		placeErr: map[string]error{"HDFCBANK": errors.New("broker rejected order")},
	}
	rec := &captureRecorder{}
	var logs syncBuffer
	cfg := scenarioConfig()
	cfg.Symbols = append(cfg.Symbols, "INFY", "HDFCBANK", "BOOM", "UNKNOWN")

	eng := New(zerolog.New(&logs), cfg, scenarioData, orders,
		WithClock(clock),
		WithRecorder(rec),
		WithCalendar(marketdata.NewCalendar()),
	)
	records, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	sbin, tcs := records[0], records[1]
	require.Equal(t, "SBIN", sbin.Symbol)
	require.Equal(t, signal.Long, sbin.Side)
	require.Equal(t, strategy.StopLoss, sbin.Reason)
	require.Equal(t, 805.0, sbin.EntryPrice)
	require.Equal(t, 802.5, sbin.ExitPrice)
	require.Equal(t, -2.5, sbin.Points)
	require.Equal(t, -25.0, sbin.PnL)
	require.Equal(t, "2025-08-21", sbin.Day)
	require.Equal(t, "exit_order", sbin.ExitMethod)
	require.Equal(t, 10, sbin.ClosedAt.Hour())

	require.Equal(t, "TCS", tcs.Symbol)
	require.Equal(t, signal.Short, tcs.Side)
	require.Equal(t, strategy.EndOfDay, tcs.Reason)
	require.Equal(t, 3385.0, tcs.ExitPrice)
	require.Equal(t, 5.0, tcs.Points)
	require.Equal(t, 25.0, tcs.PnL)
	require.Equal(t, "15:15:00", util.TimeOfDayOf(tcs.ClosedAt).String())

	require.ElementsMatch(t, []string{"SBIN", "TCS"}, orders.placedSymbols())
	for _, p := range orders.placed {
		switch p.Symbol {
		case "SBIN":
			require.Equal(t, 802.99, p.StopLossPrice)
		case "TCS":
			require.Equal(t, 3398.48, p.StopLossPrice)
		}
	}
	require.Len(t, rec.records, 2)
	require.Equal(t, eng.Session().ID(), rec.records[0].SessionID)

	snap := eng.Snapshot()
	require.Equal(t, Done, snap.Phase)
	require.Empty(t, snap.Open)
	require.Equal(t, []string{"SBIN"}, snap.Stopped)
	require.Equal(t, 0.0, snap.RealizedPnL)

	out := logs.String()
	require.Contains(t, out, "market closed, waiting for open")
	require.Contains(t, out, "entry countdown")
	require.Contains(t, out, "symbol processing panicked")
	require.Contains(t, out, "broker rejected order")
	require.Contains(t, out, "compliance check passed")
	require.False(t, eng.Running())

	err = eng.enter(context.Background(), zerolog.Nop(), util.StartOfDay(clock.Now()), "SBIN")
	require.ErrorContains(t, err, "stop-loss already hit")

	eng.ResetForNewSession()
	require.Zero(t, eng.Session().Ledger().Len())
	require.False(t, eng.Session().State().IsStopped("SBIN"))
	require.NotEqual(t, rec.records[0].SessionID, eng.Session().ID())
	require.Equal(t, AwaitingMarketOpen, eng.Session().Phase())
}

func TestRunLateStart(t *testing.T) {
	clock := util.NewManualClock(at("2025-08-21", "09:40:00"))
	orders := &stubOrders{
		clock: clock,
		ids:   map[string]string{"SBIN": "3045"},
		quote: func(string, time.Time) *float64 { return price(810) },
	}
	cfg := scenarioConfig()
	cfg.Symbols = []string{"SBIN"}
	cfg.ExitTime = util.MustTimeOfDay("09:45:00")

	records, err := New(zerolog.Nop(), cfg, scenarioData, orders, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, strategy.EndOfDay, records[0].Reason)
	require.Equal(t, 50.0, records[0].PnL)

	clock = util.NewManualClock(at("2025-08-21", "09:40:00"))
	orders = &stubOrders{clock: clock, ids: orders.ids, quote: orders.quote}
	cfg.LateEntryGrace = 5 * time.Minute
	records, err = New(zerolog.Nop(), cfg, scenarioData, orders, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, orders.placedSymbols())
}

func TestRunRefusesClosedMarkets(t *testing.T) {
	orders := &stubOrders{quote: scenarioQuotes}

	clock := util.NewManualClock(at("2025-08-21", "16:00:00"))
	orders.clock = clock
	_, err := New(zerolog.Nop(), scenarioConfig(), scenarioData, orders, WithClock(clock)).Run(context.Background())
	require.ErrorIs(t, err, ErrMarketClosed)

	saturday := util.NewManualClock(at("2025-08-23", "09:00:00"))
	eng := New(zerolog.Nop(), scenarioConfig(), scenarioData, orders,
		WithClock(saturday),
		WithCalendar(marketdata.NewCalendar()),
	)
	_, err = eng.Run(context.Background())
	require.ErrorIs(t, err, ErrNotTradingDay)
	require.Equal(t, Done, eng.Snapshot().Phase)
	require.Empty(t, orders.placedSymbols())
}

func TestRunCancelledStillClosesPositions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := util.NewManualClock(at("2025-08-21", "09:25:00"))
	orders := &stubOrders{
		clock: clock,
		ids:   map[string]string{"SBIN": "3045", "TCS": "11536"},
		quote: scenarioQuotes,
		onQuote: func(calls int) {
			if calls == 5 {
				cancel()
			}
		},
	}

	records, err := New(zerolog.Nop(), scenarioConfig(), scenarioData, orders, WithClock(clock)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, records, 2)
	for _, r := range records {
		require.Equal(t, strategy.EndOfDay, r.Reason)
	}
	byName := map[string]journal.TradeRecord{records[0].Symbol: records[0], records[1].Symbol: records[1]}
	require.Equal(t, 806.0, byName["SBIN"].ExitPrice)
	require.Equal(t, 3392.0, byName["TCS"].ExitPrice)
}

func TestRunExitFailureRetriesThenParks(t *testing.T) {
	clock := util.NewManualClock(at("2025-08-21", "09:59:00"))
	cfg := scenarioConfig()
	cfg.Symbols = []string{"SBIN"}
	cfg.EntryTime = util.MustTimeOfDay("09:59:30")
	orders := &stubOrders{
		clock:   clock,
		ids:     map[string]string{"SBIN": "3045"},
		quote:   scenarioQuotes,
		exitErr: errors.New("exit rejected"),
	}

	eng := New(zerolog.Nop(), cfg, scenarioData, orders, WithClock(clock))
	records, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, records)
	require.True(t, eng.Session().State().IsStopped("SBIN"))
	require.Equal(t, maxExitAttempts+1, orders.exitCalls, "monitor retries then one closing attempt")
	require.True(t, clock.Now().Before(at("2025-08-21", "10:01:00")), "monitor should stop once every exit is parked")

	snap := eng.Snapshot()
	require.Len(t, snap.Open, 1)
	require.Equal(t, "SBIN", snap.Open[0].Symbol)
	require.Equal(t, maxExitAttempts+1, snap.Open[0].ExitErrors)
}

func TestRunExitRetrySucceeds(t *testing.T) {
	clock := util.NewManualClock(at("2025-08-21", "09:59:00"))
	cfg := scenarioConfig()
	cfg.Symbols = []string{"SBIN"}
	cfg.EntryTime = util.MustTimeOfDay("09:59:30")
	orders := &stubOrders{
		clock:     clock,
		ids:       map[string]string{"SBIN": "3045"},
		quote:     scenarioQuotes,
		exitErr:   errors.New("exit rejected"),
		failExits: 1,
	}

	eng := New(zerolog.Nop(), cfg, scenarioData, orders, WithClock(clock))
	records, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, strategy.StopLoss, records[0].Reason)
	require.Equal(t, 802.5, records[0].ExitPrice)
	require.Equal(t, 2, orders.exitCalls)
	require.Empty(t, eng.Snapshot().Open)
}

func TestRunCancelDuringStopLossStillBooksExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := util.NewManualClock(at("2025-08-21", "09:25:00"))
	feed := &stubFeed{}
	cfg := scenarioConfig()
	cfg.Symbols = []string{"SBIN"}
	orders := &stubOrders{
		clock: clock,
		ids:   map[string]string{"SBIN": "3045"},
		quote: scenarioQuotes,
		onQuote: func(calls int) {
			switch calls {
			case 1:
				feed.push(signal.Tick{SecurityID: "3045", Price: 802, Ts: clock.Now()})
			case 2:
				cancel()
			}
		},
	}

	eng := New(zerolog.Nop(), cfg, scenarioData, orders, WithClock(clock), WithFeed(feed))
	records, err := eng.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, records, 1)
	require.Equal(t, strategy.StopLoss, records[0].Reason)
	require.Equal(t, 802.0, records[0].ExitPrice)
	require.Equal(t, -30.0, records[0].PnL)
	require.Len(t, orders.exited, 1)
	require.Empty(t, eng.Snapshot().Open)
	require.Equal(t, []string{"3045"}, feed.unsubscribed)
}

type stubFeed struct {
	mu           sync.Mutex
	connected    bool
	ch           chan<- signal.Tick
	subscribed   []string
	unsubscribed []string
	disconnects  int
}

func (f *stubFeed) Connect(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return true
}

func (f *stubFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *stubFeed) Subscribe(_ context.Context, id string, ch chan<- signal.Tick) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, id)
	f.ch = ch
	return true
}

func (f *stubFeed) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, id)
}

func (f *stubFeed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *stubFeed) push(t signal.Tick) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	if ch != nil {
		ch <- t
	}
}

func TestRunUsesFeedTicksWhenQuotesMissing(t *testing.T) {
	clock := util.NewManualClock(at("2025-08-21", "09:25:00"))
	feed := &stubFeed{}
	cfg := scenarioConfig()
	cfg.Symbols = []string{"TCS"}
	cfg.ExitTime = util.MustTimeOfDay("09:26:00")
	orders := &stubOrders{
		clock: clock,
		ids:   map[string]string{"TCS": "11536"},
		quote: func(string, time.Time) *float64 { return nil },
		onQuote: func(calls int) {
			if calls == 1 {
				feed.push(signal.Tick{SecurityID: "11536", Price: 3385, Ts: clock.Now()})
			}
		},
	}

	eng := New(zerolog.Nop(), cfg, scenarioData, orders, WithClock(clock), WithFeed(feed), WithGuard(risk.NewGuard(risk.Limits{MaxTradesPerSymbol: 1})))
	records, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 3385.0, records[0].ExitPrice)
	require.Equal(t, 25.0, records[0].PnL)

	require.Equal(t, []string{"11536"}, feed.subscribed)
	require.Equal(t, []string{"11536"}, feed.unsubscribed)
	require.Equal(t, 1, feed.disconnects)
	require.Equal(t, 61, orders.quoteCalls, "one-second cycles plus the closing batch")
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	eng := New(zerolog.Nop(), scenarioConfig(), scenarioData, &stubOrders{})
	eng.running.Store(true)
	_, err := eng.Run(context.Background())
	require.ErrorIs(t, err, ErrRunning)
}
