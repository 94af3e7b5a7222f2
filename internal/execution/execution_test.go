package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/strategy"
)

type stubBroker struct {
	placeResp []json.RawMessage
	placeErr  error
	exitErr   error
	placed    []exchange.OrderRequest
	exited    []string
	quotes    map[string]float64
	quoted    []string
	cancel    json.RawMessage
	status    json.RawMessage
	positions json.RawMessage
}

func (s *stubBroker) PlaceOrder(_ context.Context, req exchange.OrderRequest) (json.RawMessage, error) {
	s.placed = append(s.placed, req)
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	if len(s.placeResp) == 0 {
		return json.RawMessage(`{"orderId":"DEFAULT"}`), nil
	}
	resp := s.placeResp[0]
	s.placeResp = s.placeResp[1:]
	return resp, nil
}

func (s *stubBroker) ExitOrder(_ context.Context, orderID string) (json.RawMessage, error) {
	s.exited = append(s.exited, orderID)
	if s.exitErr != nil {
		return nil, s.exitErr
	}
	return json.RawMessage(`{"status":"success"}`), nil
}

func (s *stubBroker) CancelOrder(context.Context, string) (json.RawMessage, error) {
	return s.cancel, nil
}

func (s *stubBroker) OrderStatus(context.Context, string) (json.RawMessage, error) {
	return s.status, nil
}

func (s *stubBroker) Positions(context.Context) (json.RawMessage, error) {
	return s.positions, nil
}

func (s *stubBroker) Quote(_ context.Context, id string, _ bool) (float64, bool) {
	s.quoted = append(s.quoted, id)
	px, ok := s.quotes[id]
	return px, ok
}

func sbinPlan() strategy.TradePlan {
	return strategy.TradePlan{Symbol: "SBIN", Side: signal.Long, EntryPrice: 805, StopLossPrice: 802.99, Quantity: 10, OrderType: "MARKET", ProductType: "INTRADAY"}
}

func TestPlaceEntryMapsSideAndOrderID(t *testing.T) {
	var buf bytes.Buffer
	broker := &stubBroker{placeResp: []json.RawMessage{json.RawMessage(`{"data":{"orderId":"112233"},"status":"success"}`)}}
	exec := NewExecutor(zerolog.New(&buf), broker, map[string]string{"sbin": "3045"})

	fill, err := exec.PlaceEntry(context.Background(), sbinPlan())
	if err != nil {
		t.Fatalf("PlaceEntry returned error: %v", err)
	}
	if fill.OrderID != "112233" || fill.SecurityID != "3045" || fill.EntryPrice != 805 || fill.Quantity != 10 {
		t.Fatalf("unexpected fill %+v", fill)
	}
	req := broker.placed[0]
	if req.TransactionType != "BUY" || req.SecurityID != "3045" || req.Quantity != 10 || req.ExchangeSegment != "NSE_EQ" {
		t.Fatalf("unexpected order request %+v", req)
	}
	if len(req.CorrelationID) != 12 {
		t.Fatalf("expected 12 character correlation id, got %q", req.CorrelationID)
	}
	if !strings.Contains(buf.String(), "112233") {
		t.Fatalf("log does not contain order id: %s", buf.String())
	}

	short := sbinPlan()
	short.Side = signal.Short
	if _, err := exec.PlaceEntry(context.Background(), short); err != nil {
		t.Fatalf("short entry failed: %v", err)
	}
	if broker.placed[1].TransactionType != "SELL" {
		t.Fatalf("expected SELL for short, got %s", broker.placed[1].TransactionType)
	}
}

func TestPlaceEntryUnknownSymbolMakesNoCall(t *testing.T) {
	broker := &stubBroker{}
	exec := NewExecutor(zerolog.Nop(), broker, map[string]string{"TCS": "11536"})
	_, err := exec.PlaceEntry(context.Background(), sbinPlan())
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}
	if len(broker.placed) != 0 {
		t.Fatalf("expected no broker calls, got %d", len(broker.placed))
	}
}

func TestPlaceEntryWithoutOrderID(t *testing.T) {
	broker := &stubBroker{placeResp: []json.RawMessage{json.RawMessage(`{"status":"success","orderId":""}`)}}
	exec := NewExecutor(zerolog.Nop(), broker, map[string]string{"SBIN": "3045"})
	if _, err := exec.PlaceEntry(context.Background(), sbinPlan()); !errors.Is(err, ErrNoOrderID) {
		t.Fatalf("expected ErrNoOrderID, got %v", err)
	}
}

func TestOrderIDResolutionOrder(t *testing.T) {
	cases := map[string]string{
		`{"order_id":"A","orderId":"B"}`:            "A",
		`{"orderId":"B","id":"C"}`:                  "B",
		`{"id":42,"orderNumber":"D"}`:               "42",
		`{"orderNumber":"D","data":{"orderId":"E"}}`: "D",
		`{"data":{"order_id":"F","orderId":"E"}}`:   "F",
		`{"order_id":"","data":{"orderId":"E"}}`:    "E",
	}
	for body, want := range cases {
		resp, err := ParseOrderResponse(json.RawMessage(body))
		if err != nil {
			t.Fatalf("parse %s: %v", body, err)
		}
		got, ok := resp.OrderID()
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", body, want, got, ok)
		}
	}
	if _, err := ParseOrderResponse(json.RawMessage(`[1]`)); err == nil {
		t.Fatalf("expected error for non-object reply")
	}
}

func TestExitPositionFallsBackToReverseOrder(t *testing.T) {
	broker := &stubBroker{}
	exec := NewExecutor(zerolog.Nop(), broker, map[string]string{"SBIN": "3045"})
	fill := Fill{OrderID: "ORD1", Symbol: "SBIN", SecurityID: "3045", Side: signal.Long, EntryPrice: 805, Quantity: 10}

	res, err := exec.ExitPosition(context.Background(), fill)
	if err != nil || res.Method != MethodExitOrder {
		t.Fatalf("expected exit_order, got %+v (%v)", res, err)
	}
	if len(broker.placed) != 0 {
		t.Fatalf("exit call must not place a reverse order")
	}

	broker.exitErr = errors.New("exit not supported")
	res, err = exec.ExitPosition(context.Background(), fill)
	if err != nil || res.Method != MethodReverseOrder {
		t.Fatalf("expected reverse_order, got %+v (%v)", res, err)
	}
	req := broker.placed[0]
	if req.TransactionType != "SELL" || req.OrderType != "MARKET" || req.Quantity != 10 || req.ProductType != "INTRADAY" {
		t.Fatalf("unexpected reverse order %+v", req)
	}

	broker.placeErr = errors.New("rejected")
	if _, err := exec.ExitPosition(context.Background(), fill); err == nil {
		t.Fatalf("expected error when both exit paths fail")
	}
}

func TestBatchQuotesPartialFailures(t *testing.T) {
	broker := &stubBroker{quotes: map[string]float64{"3045": 802.5}}
	exec := NewExecutor(zerolog.Nop(), broker, map[string]string{"SBIN": "3045", "TCS": "11536"})

	got := exec.BatchQuotes(context.Background(), []string{"SBIN", "TCS", "INFY"})
	if len(got) != 3 {
		t.Fatalf("expected an entry per symbol, got %v", got)
	}
	if got["SBIN"] == nil || *got["SBIN"] != 802.5 {
		t.Fatalf("unexpected SBIN quote %v", got["SBIN"])
	}
	if got["TCS"] != nil || got["INFY"] != nil {
		t.Fatalf("expected unknown quotes to be nil")
	}
	if strings.Join(broker.quoted, ",") != "3045,11536" {
		t.Fatalf("unexpected quote calls %v", broker.quoted)
	}
}

func TestCancelStatusPositionsAndValidation(t *testing.T) {
	broker := &stubBroker{
		cancel:    json.RawMessage(`{"orderId":"ORD1","orderStatus":"CANCELLED"}`),
		status:    json.RawMessage(`{"data":{"orderId":"ORD1","orderStatus":"TRADED"}}`),
		positions: json.RawMessage(`{"data":[{"securityId":"3045"},{"securityId":"11536"}]}`),
	}
	exec := NewExecutor(zerolog.Nop(), broker, map[string]string{"SBIN": "3045", "BAD": " "})
	ctx := context.Background()

	ok, err := exec.CancelOrder(ctx, "ORD1")
	if err != nil || !ok {
		t.Fatalf("expected cancel confirmed, got %v (%v)", ok, err)
	}
	broker.cancel = json.RawMessage(`{"orderStatus":"REJECTED"}`)
	if ok, _ := exec.CancelOrder(ctx, "ORD1"); ok {
		t.Fatalf("expected cancel not confirmed")
	}

	detail, err := exec.OrderStatus(ctx, "ORD1")
	if err != nil || !strings.Contains(string(detail), "TRADED") || strings.Contains(string(detail), `"data"`) {
		t.Fatalf("unexpected status detail %s (%v)", detail, err)
	}

	positions, err := exec.Positions(ctx)
	if err != nil || len(positions) != 2 {
		t.Fatalf("unexpected positions %v (%v)", positions, err)
	}
	broker.positions = json.RawMessage(`[{"securityId":"3045"}]`)
	if positions, _ = exec.Positions(ctx); len(positions) != 1 {
		t.Fatalf("expected bare list to decode, got %v", positions)
	}

	valid := exec.ValidateSymbols([]string{"SBIN", "BAD", "NOPE"})
	if !valid["SBIN"] || valid["BAD"] || valid["NOPE"] {
		t.Fatalf("unexpected validation %v", valid)
	}
	if missing := exec.MissingSymbols([]string{"SBIN", "BAD", "NOPE"}); strings.Join(missing, ",") != "BAD,NOPE" {
		t.Fatalf("unexpected missing %v", missing)
	}
}
