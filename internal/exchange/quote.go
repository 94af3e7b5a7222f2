package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"intradaybot-go/internal/marketdata"
	"intradaybot-go/internal/metrics"
)

// QuoteSource names the layer that answered a quote lookup.
type QuoteSource string

const (
	SourceLive   QuoteSource = "live"
	SourceCache  QuoteSource = "cache"
	SourceREST   QuoteSource = "rest"
	SourceCandle QuoteSource = "candle"
	SourceNone   QuoteSource = "none"
)

// QuoteResult is a resolved price and where it came from. Found is false when no layer had a value.
type QuoteResult struct {
	Price  float64
	Source QuoteSource
	Found  bool
}

var (
	ltpContainers = []string{"", "data", "quote", "marketData"}
	ltpFields     = []string{"ltp", "lastPrice", "price", "close", "lastTradePrice", "last"}
)

// Quote returns the best available last traded price.
func (c *Client) Quote(ctx context.Context, securityID string, preferLive bool) (float64, bool) {
	res := c.LookupQuote(ctx, securityID, preferLive)
	return res.Price, res.Found
}

// LookupQuote walks live price, quote cache, REST quote, then today's last one-minute close.
// Whatever the pull path finds, including nothing, is cached for the quote TTL.
func (c *Client) LookupQuote(ctx context.Context, securityID string, preferLive bool) QuoteResult {
	securityID = strings.TrimSpace(securityID)
	res := c.lookupQuote(ctx, securityID, preferLive)
	metrics.QuotesTotal.WithLabelValues(string(res.Source)).Inc()
	return res
}

func (c *Client) lookupQuote(ctx context.Context, securityID string, preferLive bool) QuoteResult {
	if preferLive && c.live != nil && c.live.Connected() {
		if px, ok := c.live.LivePrice(securityID); ok {
			return QuoteResult{Price: px, Source: SourceLive, Found: true}
		}
	}

	if entry, ok := c.cachedQuote(securityID); ok {
		if entry.ok {
			return QuoteResult{Price: entry.price, Source: SourceCache, Found: true}
		}
		return QuoteResult{Source: SourceCache}
	}

	raw, err := c.post(ctx, "/marketfeed/quote", map[string]any{
		"securityId":      securityID,
		"exchangeSegment": c.segment,
	})
	if err == nil {
		if px, ok := ExtractLTP(raw, c.segment, securityID); ok {
			c.storeQuote(securityID, px, true)
			return QuoteResult{Price: px, Source: SourceREST, Found: true}
		}
		c.log.Debug().Str("security_id", securityID).Msg("quote response carried no price")
	} else {
		if ctx.Err() != nil {
			return QuoteResult{Source: SourceNone}
		}
		c.log.Debug().Err(err).Str("security_id", securityID).Msg("quote request failed")
	}

	if px, ok := c.candleLTP(ctx, securityID); ok {
		c.storeQuote(securityID, px, true)
		return QuoteResult{Price: px, Source: SourceCandle, Found: true}
	}
	if ctx.Err() == nil {
		c.storeQuote(securityID, 0, false)
	}
	return QuoteResult{Source: SourceNone}
}

func (c *Client) cachedQuote(securityID string) (quoteEntry, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	entry, ok := c.quotes[securityID]
	if !ok || c.now().Sub(entry.storedAt) >= c.quoteTTL {
		return quoteEntry{}, false
	}
	return entry, true
}

func (c *Client) storeQuote(securityID string, price float64, ok bool) {
	c.cacheMu.Lock()
	c.quotes[securityID] = quoteEntry{price: price, ok: ok, storedAt: c.now()}
	c.cacheMu.Unlock()
}

// ClearQuoteCache drops every cached quote and miss marker.
func (c *Client) ClearQuoteCache() {
	c.cacheMu.Lock()
	c.quotes = make(map[string]quoteEntry)
	c.cacheMu.Unlock()
}

func (c *Client) candleLTP(ctx context.Context, securityID string) (float64, bool) {
	today := c.now().In(c.loc)
	raw, err := c.IntradayCandles(ctx, securityID, today, today)
	if err != nil {
		c.log.Debug().Err(err).Str("security_id", securityID).Msg("candle fallback failed")
		return 0, false
	}
	return latestClose(securityID, raw, c.loc)
}

// ExtractLTP searches a quote payload in a fixed order: containers root, data, quote, marketData,
// each for ltp, lastPrice, price, close, lastTradePrice, last. The first positive value wins.
// Segment-keyed payloads ({"data":{"NSE_EQ":{"3045":{"last_price":...}}}}) are checked last.
func ExtractLTP(raw json.RawMessage, segment, securityID string) (float64, bool) {
	root, ok := decodeObject(raw)
	if !ok {
		return 0, false
	}
	for _, key := range ltpContainers {
		src := root
		if key != "" {
			src, ok = root[key].(map[string]any)
			if !ok {
				continue
			}
		}
		for _, field := range ltpFields {
			if v, ok := toFloat(src[field]); ok && v > 0 {
				return v, true
			}
		}
	}
	if data, ok := root["data"].(map[string]any); ok {
		if seg, ok := data[segment].(map[string]any); ok {
			if inst, ok := seg[securityID].(map[string]any); ok {
				for _, field := range []string{"last_price", "ltp"} {
					if v, ok := toFloat(inst[field]); ok && v > 0 {
						return v, true
					}
				}
			}
		}
	}
	return 0, false
}

// latestClose is the close of the newest candle in a chart payload of either shape.
func latestClose(securityID string, raw json.RawMessage, loc *time.Location) (float64, bool) {
	candles := marketdata.Normalize(securityID, raw, loc)
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Close > 0 {
			return candles[i].Close, true
		}
	}
	return 0, false
}

func decodeObject(raw json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root map[string]any
	if err := dec.Decode(&root); err != nil || root == nil {
		return nil, false
	}
	return root, true
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toID renders a numeric or string identifier as a string.
func toID(v any) (string, bool) {
	switch t := v.(type) {
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	default:
		return "", false
	}
}
