package paper

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/execution"
)

// QuoteSource prices simulated fills.
type QuoteSource interface {
	Quote(ctx context.Context, securityID string, preferLive bool) (float64, bool)
}

// FillRecorder captures paper fills for later inspection.
type FillRecorder interface {
	Append(v any) error
}

// Fill is one simulated execution.
type Fill struct {
	OrderID       string         `json:"order_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SecurityID    string         `json:"security_id"`
	Side          execution.Side `json:"side"`
	Qty           int            `json:"qty"`
	Price         float64        `json:"price"`
	Exit          bool           `json:"exit,omitempty"`
	Ts            time.Time      `json:"ts"`
}

type order struct {
	Fill
	Status string
	exited bool
}

// Broker fills market orders against an Account at the current quote. Orders are
// TRADED immediately, so there is never anything to cancel.
type Broker struct {
	log      zerolog.Logger
	account  *Account
	quotes   QuoteSource
	recorder FillRecorder
	now      func() time.Time

	mu     sync.Mutex
	seq    int
	orders map[string]*order
}

// NewBroker wires a simulated broker. recorder may be nil.
func NewBroker(log zerolog.Logger, account *Account, quotes QuoteSource, recorder FillRecorder) *Broker {
	return &Broker{
		log:      log,
		account:  account,
		quotes:   quotes,
		recorder: recorder,
		now:      time.Now,
		orders:   make(map[string]*order),
	}
}

// Account exposes the simulated account.
func (b *Broker) Account() *Account { return b.account }

// Quote passes through to the quote source.
func (b *Broker) Quote(ctx context.Context, securityID string, preferLive bool) (float64, bool) {
	return b.quotes.Quote(ctx, securityID, preferLive)
}

// PlaceOrder fills req at the current quote.
func (b *Broker) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (json.RawMessage, error) {
	if req.OrderType != "" && !strings.EqualFold(req.OrderType, "MARKET") {
		return nil, fmt.Errorf("paper broker only fills MARKET orders, got %s", req.OrderType)
	}
	fill, err := b.fill(ctx, req.SecurityID, execution.Side(strings.ToUpper(req.TransactionType)), req.Quantity, false)
	if err != nil {
		return nil, err
	}
	fill.CorrelationID = req.CorrelationID

	b.mu.Lock()
	b.seq++
	fill.OrderID = fmt.Sprintf("PAPER-%06d", b.seq)
	b.orders[fill.OrderID] = &order{Fill: fill, Status: "TRADED"}
	b.mu.Unlock()

	b.record(fill)
	return json.Marshal(map[string]any{"orderId": fill.OrderID, "orderStatus": "TRADED"})
}

// ExitOrder flattens the position opened by orderID with a reverse fill.
func (b *Broker) ExitOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	if ok && o.exited {
		b.mu.Unlock()
		return nil, fmt.Errorf("paper order %s already exited", orderID)
	}
	if ok {
		o.exited = true
	}
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", orderID)
	}

	fill, err := b.fill(ctx, o.SecurityID, o.Side, o.Qty, true)
	if err != nil {
		b.mu.Lock()
		o.exited = false
		b.mu.Unlock()
		return nil, err
	}
	fill.OrderID = orderID
	b.record(fill)
	return json.Marshal(map[string]any{"orderId": orderID, "status": "success"})
}

// CancelOrder reports the order as TRADED since paper orders fill on placement.
func (b *Broker) CancelOrder(_ context.Context, orderID string) (json.RawMessage, error) {
	b.mu.Lock()
	_, ok := b.orders[orderID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", orderID)
	}
	return json.Marshal(map[string]any{"orderId": orderID, "orderStatus": "TRADED"})
}

// OrderStatus returns the stored order.
func (b *Broker) OrderStatus(_ context.Context, orderID string) (json.RawMessage, error) {
	b.mu.Lock()
	o, ok := b.orders[orderID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("paper order %s not found", orderID)
	}
	return json.Marshal(map[string]any{
		"orderId":         o.OrderID,
		"orderStatus":     o.Status,
		"securityId":      o.SecurityID,
		"transactionType": string(o.Side),
		"quantity":        o.Qty,
		"price":           o.Price,
	})
}

// Positions lists open simulated positions.
func (b *Broker) Positions(context.Context) (json.RawMessage, error) {
	snap := b.account.Snapshot(nil)
	ids := make([]string, 0, len(snap.Positions))
	for id := range snap.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		p := snap.Positions[id]
		out = append(out, map[string]any{"securityId": id, "netQty": p.Qty, "costPrice": p.AvgCost})
	}
	return json.Marshal(out)
}

func (b *Broker) fill(ctx context.Context, securityID string, side execution.Side, qty int, exit bool) (Fill, error) {
	if exit {
		side = side.Reverse()
	}
	px, ok := b.quotes.Quote(ctx, securityID, true)
	if !ok {
		return Fill{}, fmt.Errorf("paper fill %s: no quote", securityID)
	}
	if err := b.account.MarketFill(securityID, side, float64(qty), px); err != nil {
		return Fill{}, fmt.Errorf("paper fill %s: %w", securityID, err)
	}
	fill := Fill{SecurityID: securityID, Side: side, Qty: qty, Price: px, Exit: exit, Ts: b.now()}
	b.log.Info().
		Str("security_id", securityID).
		Str("side", string(side)).
		Int("qty", qty).
		Float64("px", px).
		Bool("exit", exit).
		Msg("paper fill")
	return fill, nil
}

func (b *Broker) record(f Fill) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.Append(f); err != nil {
		b.log.Warn().Err(err).Msg("record paper fill")
	}
}
