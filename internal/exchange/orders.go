package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// OrderRequest is the broker's place-order body. Market orders carry zero prices.
type OrderRequest struct {
	DhanClientID      string  `json:"dhanClientId"`
	CorrelationID     string  `json:"correlationId"`
	TransactionType   string  `json:"transactionType"`
	ExchangeSegment   string  `json:"exchangeSegment"`
	ProductType       string  `json:"productType"`
	OrderType         string  `json:"orderType"`
	Validity          string  `json:"validity"`
	SecurityID        string  `json:"securityId"`
	Quantity          int     `json:"quantity"`
	DisclosedQuantity int     `json:"disclosedQuantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"triggerPrice"`
	AfterMarketOrder  bool    `json:"afterMarketOrder"`
}

// PlaceOrder submits an order and returns the raw broker response.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (json.RawMessage, error) {
	if req.SecurityID == "" {
		return nil, errors.New("place order: security id required")
	}
	if req.DhanClientID == "" {
		req.DhanClientID = c.clientID
	}
	if req.ExchangeSegment == "" {
		req.ExchangeSegment = c.segment
	}
	if req.ProductType == "" {
		req.ProductType = "INTRADAY"
	}
	if req.OrderType == "" {
		req.OrderType = "MARKET"
	}
	if req.Validity == "" {
		req.Validity = "DAY"
	}
	c.log.Info().
		Str("security_id", req.SecurityID).
		Str("side", req.TransactionType).
		Int("qty", req.Quantity).
		Str("correlation_id", req.CorrelationID).
		Msg("placing order")
	return c.post(ctx, "/orders", req)
}

// ExitOrder asks the broker to flatten the position opened by orderID. No body is sent.
func (c *Client) ExitOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.post(ctx, "/orders/"+escapeID(orderID)+"/exit", nil)
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodDelete, "/orders/"+escapeID(orderID), nil)
}

// OrderStatus fetches one order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, "/orders/"+escapeID(orderID))
}

// Orders lists the day's order book.
func (c *Client) Orders(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/orders")
}

// Positions lists open positions.
func (c *Client) Positions(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/positions")
}

func escapeID(id string) string {
	return url.PathEscape(strings.TrimSpace(id))
}
