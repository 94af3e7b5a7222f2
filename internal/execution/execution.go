// Package execution turns trade plans into broker orders and flattens them again.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/metrics"
	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/strategy"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy opens a long or covers a short.
	Buy Side = "BUY"
	// Sell opens a short or closes a long.
	Sell Side = "SELL"
)

// SideFor maps a signal direction to the entry transaction.
func SideFor(s signal.Side) Side {
	if s == signal.Long {
		return Buy
	}
	return Sell
}

// Reverse returns the opposite transaction.
func (s Side) Reverse() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ExitMethod names the path that flattened a position.
type ExitMethod string

const (
	MethodExitOrder    ExitMethod = "exit_order"
	MethodReverseOrder ExitMethod = "reverse_order"
)

var (
	// ErrUnknownSymbol means the symbol has no security id; nothing was sent.
	ErrUnknownSymbol = errors.New("execution: symbol not in security id map")
	// ErrNoOrderID means the broker accepted the call but the reply carried no order id.
	ErrNoOrderID = errors.New("execution: could not determine order id from response")
)

// Broker is the order and quote surface of a venue.
type Broker interface {
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (json.RawMessage, error)
	ExitOrder(ctx context.Context, orderID string) (json.RawMessage, error)
	CancelOrder(ctx context.Context, orderID string) (json.RawMessage, error)
	OrderStatus(ctx context.Context, orderID string) (json.RawMessage, error)
	Positions(ctx context.Context) (json.RawMessage, error)
	Quote(ctx context.Context, securityID string, preferLive bool) (float64, bool)
}

// Fill is an entry the broker acknowledged.
type Fill struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	SecurityID string      `json:"security_id"`
	Side       signal.Side `json:"side"`
	EntryPrice float64     `json:"entry_price"`
	StopLoss   float64     `json:"stop_loss"`
	Quantity   int         `json:"quantity"`
	PlacedAt   time.Time   `json:"placed_at"`
}

// ExitResult reports how a position was flattened.
type ExitResult struct {
	Method   ExitMethod
	Response json.RawMessage
}

// Executor places and exits orders for mapped symbols.
type Executor struct {
	log         zerolog.Logger
	broker      Broker
	symbols     map[string]string
	segment     string
	productType string
	now         func() time.Time
	correlation func() string
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSegment sets the exchange segment sent on orders.
func WithSegment(segment string) Option {
	return func(e *Executor) {
		if segment != "" {
			e.segment = segment
		}
	}
}

// WithProductType sets the product used for reverse exits.
func WithProductType(p string) Option {
	return func(e *Executor) {
		if p != "" {
			e.productType = p
		}
	}
}

// WithClock injects the time source used to stamp fills.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithCorrelationIDs overrides correlation id generation.
func WithCorrelationIDs(fn func() string) Option {
	return func(e *Executor) {
		if fn != nil {
			e.correlation = fn
		}
	}
}

// NewExecutor wraps broker with a symbol to security id map.
func NewExecutor(log zerolog.Logger, broker Broker, symbols map[string]string, opts ...Option) *Executor {
	e := &Executor{
		log:         log,
		broker:      broker,
		symbols:     make(map[string]string, len(symbols)),
		segment:     "NSE_EQ",
		productType: "INTRADAY",
		now:         time.Now,
		correlation: newCorrelationID,
	}
	for sym, id := range symbols {
		e.symbols[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(id)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newCorrelationID() string {
	return uuid.NewString()[:12]
}

// SecurityID returns the broker id for symbol.
func (e *Executor) SecurityID(symbol string) (string, bool) {
	id, ok := e.symbols[strings.ToUpper(strings.TrimSpace(symbol))]
	return id, ok && id != ""
}

// PlaceEntry submits the market order that opens plan.
func (e *Executor) PlaceEntry(ctx context.Context, plan strategy.TradePlan) (Fill, error) {
	sym := strings.ToUpper(strings.TrimSpace(plan.Symbol))
	id, ok := e.SecurityID(sym)
	if !ok {
		return Fill{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	if plan.Side == signal.None {
		return Fill{}, fmt.Errorf("place entry %s: %w", sym, strategy.ErrNoSide)
	}
	side := SideFor(plan.Side)
	req := exchange.OrderRequest{
		CorrelationID:   e.correlation(),
		TransactionType: string(side),
		ExchangeSegment: e.segment,
		ProductType:     plan.ProductType,
		OrderType:       plan.OrderType,
		Validity:        "DAY",
		SecurityID:      id,
		Quantity:        plan.Quantity,
	}
	raw, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return Fill{}, fmt.Errorf("place entry %s: %w", sym, err)
	}
	metrics.OrdersTotal.WithLabelValues(sym, string(side)).Inc()

	resp, err := ParseOrderResponse(raw)
	if err != nil {
		return Fill{}, fmt.Errorf("place entry %s: %w", sym, err)
	}
	orderID, ok := resp.OrderID()
	if !ok {
		e.log.Error().Str("symbol", sym).RawJSON("response", compact(raw)).Msg("order reply without id")
		return Fill{}, fmt.Errorf("place entry %s: %w", sym, ErrNoOrderID)
	}
	e.log.Info().
		Str("symbol", sym).
		Str("side", string(side)).
		Int("qty", plan.Quantity).
		Str("order_id", orderID).
		Str("correlation_id", req.CorrelationID).
		Msg("entry order placed")
	return Fill{
		OrderID:    orderID,
		Symbol:     sym,
		SecurityID: id,
		Side:       plan.Side,
		EntryPrice: plan.EntryPrice,
		StopLoss:   plan.StopLossPrice,
		Quantity:   plan.Quantity,
		PlacedAt:   e.now(),
	}, nil
}

// ExitPosition flattens fill with the broker's exit call, falling back to a reverse
// market order when that fails.
func (e *Executor) ExitPosition(ctx context.Context, fill Fill) (ExitResult, error) {
	resp, exitErr := e.broker.ExitOrder(ctx, fill.OrderID)
	if exitErr == nil {
		e.log.Info().Str("symbol", fill.Symbol).Str("order_id", fill.OrderID).Msg("position exited")
		return ExitResult{Method: MethodExitOrder, Response: resp}, nil
	}
	e.log.Warn().Err(exitErr).Str("symbol", fill.Symbol).Msg("exit call failed, sending reverse order")

	id := fill.SecurityID
	if id == "" {
		var ok bool
		if id, ok = e.SecurityID(fill.Symbol); !ok {
			return ExitResult{}, fmt.Errorf("exit %s: %w", fill.Symbol, ErrUnknownSymbol)
		}
	}
	side := SideFor(fill.Side).Reverse()
	req := exchange.OrderRequest{
		CorrelationID:   e.correlation(),
		TransactionType: string(side),
		ExchangeSegment: e.segment,
		ProductType:     e.productType,
		OrderType:       "MARKET",
		Validity:        "DAY",
		SecurityID:      id,
		Quantity:        fill.Quantity,
	}
	resp, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return ExitResult{}, fmt.Errorf("exit %s: %w", fill.Symbol, errors.Join(exitErr, err))
	}
	metrics.OrdersTotal.WithLabelValues(fill.Symbol, string(side)).Inc()
	e.log.Info().Str("symbol", fill.Symbol).Str("side", string(side)).Msg("position exited via reverse order")
	return ExitResult{Method: MethodReverseOrder, Response: resp}, nil
}

// BatchQuotes looks symbols up one at a time. Unknown or unpriced symbols map to nil.
func (e *Executor) BatchQuotes(ctx context.Context, symbols []string) map[string]*float64 {
	out := make(map[string]*float64, len(symbols))
	for _, sym := range symbols {
		out[sym] = nil
		if ctx.Err() != nil {
			continue
		}
		id, ok := e.SecurityID(sym)
		if !ok {
			e.log.Error().Str("symbol", sym).Msg("symbol missing from security id map")
			continue
		}
		if px, ok := e.broker.Quote(ctx, id, true); ok {
			v := px
			out[sym] = &v
		}
	}
	return out
}

// CancelOrder cancels a pending order and reports whether the broker confirmed it.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	raw, err := e.broker.CancelOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	resp, err := ParseOrderResponse(raw)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	status := strings.ToUpper(resp.Status())
	_, wrapped := resp.root["data"]
	ok := status == "SUCCESS" || status == "CANCELLED" || wrapped
	if !ok {
		e.log.Warn().Str("order_id", orderID).Str("status", status).Msg("cancel not confirmed")
	}
	return ok, nil
}

// OrderStatus returns the order detail, unwrapped from "data" when present.
func (e *Executor) OrderStatus(ctx context.Context, orderID string) (json.RawMessage, error) {
	raw, err := e.broker.OrderStatus(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	resp, err := ParseOrderResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("order status %s: %w", orderID, err)
	}
	return resp.Data(), nil
}

// Positions returns the broker position list, accepting a bare array or a "data" wrapper.
func (e *Executor) Positions(ctx context.Context) ([]json.RawMessage, error) {
	raw, err := e.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("positions: unexpected shape: %w", err)
	}
	return wrapped.Data, nil
}

// ValidateSymbols reports, per symbol, whether a non-empty security id is mapped.
func (e *Executor) ValidateSymbols(symbols []string) map[string]bool {
	out := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		_, ok := e.SecurityID(sym)
		out[sym] = ok
	}
	return out
}

// MissingSymbols lists the symbols ValidateSymbols rejects, sorted.
func (e *Executor) MissingSymbols(symbols []string) []string {
	var missing []string
	for sym, ok := range e.ValidateSymbols(symbols) {
		if !ok {
			missing = append(missing, sym)
		}
	}
	sort.Strings(missing)
	return missing
}

func compact(raw json.RawMessage) []byte {
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}
