// Package exchange hosts the broker connectors: the paced REST client and the push price feed.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"intradaybot-go/internal/metrics"
	"intradaybot-go/internal/signal"
)

const (
	defaultFeedURL            = "wss://api-feed.dhan.co"
	defaultMaxConnectAttempts = 3
	defaultConnectWait        = 5 * time.Second
	defaultFreshness          = 30 * time.Second
	defaultPingInterval       = 15 * time.Second
	defaultEventBuffer        = 1024

	requestSubscribe   = 11
	requestUnsubscribe = 12
	segmentNSEEquity   = 1
)

// LivePrice is the last pushed quote for one security id.
type LivePrice struct {
	LTP        float64
	CapturedAt time.Time
	High       *float64
	Low        *float64
	Volume     *int64
}

// FeedStatus is a point-in-time view of the push channel.
type FeedStatus struct {
	Connected     bool `json:"connected"`
	Attempts      int  `json:"attempts"`
	LivePrices    int  `json:"live_prices"`
	Subscriptions int  `json:"subscriptions"`
	OrderUpdates  int  `json:"order_updates"`
}

// feedEvent is what the socket reader hands to the dispatcher.
type feedEvent struct {
	ticks   []signal.Tick
	orderID string
	order   json.RawMessage
}

// Feed maintains the push channel. Prices, subscriptions and order updates live behind
// one RWMutex; the socket goroutine only decodes and enqueues.
type Feed struct {
	baseURL      string
	token        string
	clientID     string
	log          zerolog.Logger
	dialer       *websocket.Dialer
	maxAttempts  int
	connectWait  time.Duration
	freshness    time.Duration
	pingInterval time.Duration
	bufferSize   int
	segmentCode  int
	now          func() time.Time

	lifecycle sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	attempts  atomic.Int32
	connected atomic.Bool

	mu     sync.RWMutex
	prices map[string]LivePrice
	subs   map[string][]chan<- signal.Tick
	orders map[string]json.RawMessage
}

// FeedOption configures Feed construction parameters.
type FeedOption func(*Feed)

// WithFeedURL overrides the push endpoint (without query string).
func WithFeedURL(u string) FeedOption {
	return func(f *Feed) {
		if u != "" {
			f.baseURL = u
		}
	}
}

// WithFeedCredentials sets the token and client id carried on the connection URL.
func WithFeedCredentials(token, clientID string) FeedOption {
	return func(f *Feed) {
		f.token = token
		f.clientID = clientID
	}
}

// WithMaxConnectAttempts bounds connection attempts over the feed lifetime.
func WithMaxConnectAttempts(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithConnectWait bounds how long Connect waits for the channel to open.
func WithConnectWait(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.connectWait = d
		}
	}
}

// WithFreshness sets the age after which a pushed price is no longer live.
func WithFreshness(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.freshness = d
		}
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.pingInterval = d
		}
	}
}

// WithFeedClock injects the clock used to stamp and age prices.
func WithFeedClock(now func() time.Time) FeedOption {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// WithEventBuffer sizes the reader-to-dispatcher queue.
func WithEventBuffer(n int) FeedOption {
	return func(f *Feed) {
		if n > 0 {
			f.bufferSize = n
		}
	}
}

// NewFeed constructs a disconnected feed.
func NewFeed(log zerolog.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		baseURL:      defaultFeedURL,
		log:          log,
		dialer:       &websocket.Dialer{HandshakeTimeout: defaultConnectWait},
		maxAttempts:  defaultMaxConnectAttempts,
		connectWait:  defaultConnectWait,
		freshness:    defaultFreshness,
		pingInterval: defaultPingInterval,
		bufferSize:   defaultEventBuffer,
		segmentCode:  segmentNSEEquity,
		now:          time.Now,
		prices:       make(map[string]LivePrice),
		subs:         make(map[string][]chan<- signal.Tick),
		orders:       make(map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.dialer.HandshakeTimeout = f.connectWait
	return f
}

func (f *Feed) connectURL() (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", f.token)
	q.Set("clientId", f.clientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the push channel. It returns false once the lifetime attempt budget is
// spent or when the channel does not open within the connect wait; callers stay on pull.
func (f *Feed) Connect(ctx context.Context) bool {
	f.lifecycle.Lock()
	defer f.lifecycle.Unlock()

	if f.connected.Load() {
		return true
	}
	if int(f.attempts.Load()) >= f.maxAttempts {
		f.log.Debug().Int32("attempts", f.attempts.Load()).Msg("feed connect budget exhausted, staying on REST")
		return false
	}
	attempt := f.attempts.Add(1)
	f.teardownLocked()

	target, err := f.connectURL()
	if err != nil {
		f.log.Warn().Err(err).Msg("feed url invalid")
		return false
	}
	dialCtx, cancel := context.WithTimeout(ctx, f.connectWait)
	defer cancel()
	conn, _, err := f.dialer.DialContext(dialCtx, target, nil)
	if err != nil {
		metrics.FeedConnectsTotal.WithLabelValues("failure").Inc()
		f.log.Debug().Err(err).Int32("attempt", attempt).Int("max", f.maxAttempts).Msg("feed connect failed")
		return false
	}
	metrics.FeedConnectsTotal.WithLabelValues("success").Inc()
	f.attempts.Store(0)

	readTimeout := 2 * f.pingInterval
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan feedEvent, f.bufferSize)
	f.writeMu.Lock()
	f.conn = conn
	f.writeMu.Unlock()
	f.cancel = runCancel
	f.connected.Store(true)

	f.wg.Add(3)
	go f.readLoop(conn, events, readTimeout)
	go f.dispatch(events)
	go f.keepAlive(runCtx, conn)

	f.log.Info().Str("url", f.baseURL).Msg("connected price feed")
	f.resubscribeLocked()
	return true
}

func (f *Feed) readLoop(conn *websocket.Conn, events chan<- feedEvent, readTimeout time.Duration) {
	defer f.wg.Done()
	defer close(events)
	defer f.connected.Store(false)
	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			f.log.Debug().Err(err).Msg("feed read loop stopped")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if kind != websocket.TextMessage {
			metrics.FeedMessagesTotal.WithLabelValues("binary").Inc()
			continue
		}
		ev, ok := f.decode(message)
		if !ok {
			metrics.FeedMessagesTotal.WithLabelValues("ignored").Inc()
			continue
		}
		select {
		case events <- ev:
		default:
			metrics.FeedMessagesTotal.WithLabelValues("dropped").Inc()
		}
	}
}

func (f *Feed) dispatch(events <-chan feedEvent) {
	defer f.wg.Done()
	for ev := range events {
		f.apply(ev)
	}
}

func (f *Feed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				f.log.Debug().Err(err).Msg("feed ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// decode turns one text frame into an event. Price frames are either a single
// {securityId, ltp, high?, low?, volume?} object or a batch under "instruments";
// order frames carry orderId.
func (f *Feed) decode(message []byte) (feedEvent, bool) {
	root, ok := decodeObject(json.RawMessage(message))
	if !ok {
		return feedEvent{}, false
	}
	now := f.now()
	if id, ok := toID(root["orderId"]); ok {
		metrics.FeedMessagesTotal.WithLabelValues("order").Inc()
		return feedEvent{orderID: id, order: append(json.RawMessage(nil), bytes.TrimSpace(message)...)}, true
	}
	if tick, ok := tickFrom(root, now); ok {
		metrics.FeedMessagesTotal.WithLabelValues("price").Inc()
		return feedEvent{ticks: []signal.Tick{tick}}, true
	}
	if list, ok := root["instruments"].([]any); ok {
		ev := feedEvent{}
		for _, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if tick, ok := tickFrom(obj, now); ok {
				ev.ticks = append(ev.ticks, tick)
			}
		}
		if len(ev.ticks) > 0 {
			metrics.FeedMessagesTotal.WithLabelValues("batch").Inc()
			return ev, true
		}
	}
	return feedEvent{}, false
}

func tickFrom(obj map[string]any, now time.Time) (signal.Tick, bool) {
	id, ok := toID(obj["securityId"])
	if !ok {
		return signal.Tick{}, false
	}
	ltp, ok := toFloat(obj["ltp"])
	if !ok {
		return signal.Tick{}, false
	}
	tick := signal.Tick{SecurityID: id, Price: ltp, Ts: now}
	if v, ok := toFloat(obj["high"]); ok {
		tick.High = &v
	}
	if v, ok := toFloat(obj["low"]); ok {
		tick.Low = &v
	}
	if v, ok := toFloat(obj["volume"]); ok {
		vol := int64(v)
		tick.Volume = &vol
	}
	return tick, true
}

func (f *Feed) apply(ev feedEvent) {
	if ev.orderID != "" {
		f.mu.Lock()
		f.orders[ev.orderID] = ev.order
		f.mu.Unlock()
		return
	}
	for _, tick := range ev.ticks {
		f.mu.Lock()
		f.prices[tick.SecurityID] = LivePrice{
			LTP:        tick.Price,
			CapturedAt: tick.Ts,
			High:       tick.High,
			Low:        tick.Low,
			Volume:     tick.Volume,
		}
		targets := append([]chan<- signal.Tick(nil), f.subs[tick.SecurityID]...)
		f.mu.Unlock()

		for _, ch := range targets {
			select {
			case ch <- tick:
			default:
				metrics.FeedMessagesTotal.WithLabelValues("subscriber_full").Inc()
			}
		}
	}
}

type instrumentRef struct {
	ExchangeSegment int   `json:"ExchangeSegment"`
	SecurityID      int64 `json:"SecurityId"`
}

type controlMessage struct {
	RequestCode     int             `json:"RequestCode"`
	InstrumentCount int             `json:"InstrumentCount"`
	InstrumentList  []instrumentRef `json:"InstrumentList"`
}

func (f *Feed) control(code int, securityID string) error {
	id, err := strconv.ParseInt(securityID, 10, 64)
	if err != nil {
		return fmt.Errorf("security id %q is not numeric", securityID)
	}
	msg := controlMessage{
		RequestCode:     code,
		InstrumentCount: 1,
		InstrumentList:  []instrumentRef{{ExchangeSegment: f.segmentCode, SecurityID: id}},
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return f.conn.WriteJSON(msg)
}

// Subscribe registers interest in securityID, connecting once if needed. Ticks are
// delivered to ch without blocking the dispatcher; a full channel drops the tick.
func (f *Feed) Subscribe(ctx context.Context, securityID string, ch chan<- signal.Tick) bool {
	if !f.Connected() && !f.Connect(ctx) {
		f.log.Debug().Str("security_id", securityID).Msg("feed unavailable, using REST")
		return false
	}
	f.mu.Lock()
	if _, ok := f.subs[securityID]; !ok {
		f.subs[securityID] = nil
	}
	if ch != nil {
		f.subs[securityID] = append(f.subs[securityID], ch)
	}
	f.mu.Unlock()

	if err := f.control(requestSubscribe, securityID); err != nil {
		f.log.Debug().Err(err).Str("security_id", securityID).Msg("subscribe failed")
		return false
	}
	f.log.Debug().Str("security_id", securityID).Msg("subscribed to live prices")
	return true
}

// Unsubscribe drops every registration for securityID.
func (f *Feed) Unsubscribe(securityID string) {
	f.mu.Lock()
	_, had := f.subs[securityID]
	delete(f.subs, securityID)
	f.mu.Unlock()
	if had && f.Connected() {
		if err := f.control(requestUnsubscribe, securityID); err != nil {
			f.log.Debug().Err(err).Str("security_id", securityID).Msg("unsubscribe failed")
		}
	}
}

func (f *Feed) resubscribeLocked() {
	f.mu.RLock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.RUnlock()
	for _, id := range ids {
		if err := f.control(requestSubscribe, id); err != nil {
			f.log.Debug().Err(err).Str("security_id", id).Msg("resubscribe failed")
		}
	}
}

// LivePrice returns the pushed price if it is within the freshness window. Never blocks on I/O.
func (f *Feed) LivePrice(securityID string) (float64, bool) {
	lp, ok := f.LivePriceDetail(securityID)
	if !ok {
		return 0, false
	}
	return lp.LTP, true
}

// LivePriceDetail is LivePrice with the high/low/volume extras.
func (f *Feed) LivePriceDetail(securityID string) (LivePrice, bool) {
	f.mu.RLock()
	lp, ok := f.prices[securityID]
	f.mu.RUnlock()
	if !ok || f.now().Sub(lp.CapturedAt) >= f.freshness {
		return LivePrice{}, false
	}
	return lp, true
}

// OrderUpdate returns the last order-update frame seen for orderID.
func (f *Feed) OrderUpdate(orderID string) (json.RawMessage, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	msg, ok := f.orders[orderID]
	return msg, ok
}

// Connected reports whether the channel is currently open.
func (f *Feed) Connected() bool {
	if f == nil {
		return false
	}
	return f.connected.Load()
}

// Status summarizes the channel for logs and the status API.
func (f *Feed) Status() FeedStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FeedStatus{
		Connected:     f.connected.Load(),
		Attempts:      int(f.attempts.Load()),
		LivePrices:    len(f.prices),
		Subscriptions: len(f.subs),
		OrderUpdates:  len(f.orders),
	}
}

// Disconnect stops the reader, dispatcher and keepalive, closes the socket and clears
// prices, registrations and order updates. Safe to call repeatedly.
func (f *Feed) Disconnect() {
	f.lifecycle.Lock()
	f.teardownLocked()
	f.lifecycle.Unlock()

	f.mu.Lock()
	f.prices = make(map[string]LivePrice)
	f.subs = make(map[string][]chan<- signal.Tick)
	f.orders = make(map[string]json.RawMessage)
	f.mu.Unlock()
}

func (f *Feed) teardownLocked() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.writeMu.Lock()
	if f.conn != nil {
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = f.conn.Close()
		f.conn = nil
	}
	f.writeMu.Unlock()
	f.wg.Wait()
	f.connected.Store(false)
}
