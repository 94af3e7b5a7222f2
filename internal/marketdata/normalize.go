// Package marketdata turns broker chart responses into candles and answers the two
// price questions the session needs: yesterday's close and today's entry-time price.
package marketdata

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Candle is one OHLCV bar in the exchange's local zone.
type Candle struct {
	Symbol string
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// epochMillisThreshold separates epoch milliseconds from epoch seconds.
const epochMillisThreshold = 1e12

var timeKeys = []string{"startTime", "time", "timestamp"}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	time.DateOnly,
}

// Normalize converts a chart response into candles ordered by time. Two shapes are
// accepted, optionally nested under "data" or "candles": parallel arrays keyed by field
// name, and a list of per-candle records. Malformed entries are dropped.
func Normalize(symbol string, raw json.RawMessage, loc *time.Location) []Candle {
	return normalizeAt(symbol, raw, loc, time.Now())
}

func normalizeAt(symbol string, raw json.RawMessage, loc *time.Location, now time.Time) []Candle {
	if loc == nil {
		loc = time.UTC
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil
	}
	data := root
	if obj, ok := root.(map[string]any); ok {
		if v, ok := obj["data"]; ok {
			data = v
		} else if v, ok := obj["candles"]; ok {
			data = v
		}
	}

	var out []Candle
	switch d := data.(type) {
	case map[string]any:
		out = fromColumns(symbol, d, loc, now)
	case []any:
		out = fromRows(symbol, d, loc, now)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func fromColumns(symbol string, cols map[string]any, loc *time.Location, now time.Time) []Candle {
	opens, _ := cols["open"].([]any)
	highs, _ := cols["high"].([]any)
	lows, _ := cols["low"].([]any)
	closes, _ := cols["close"].([]any)
	volumes, _ := cols["volume"].([]any)
	var times []any
	for _, key := range timeKeys {
		if v, ok := cols[key]; ok {
			times, _ = v.([]any)
			break
		}
	}
	if len(opens) == 0 || len(highs) == 0 || len(lows) == 0 || len(closes) == 0 || len(times) == 0 {
		return nil
	}

	n := min(len(opens), len(highs), len(lows), len(closes), len(times))
	out := make([]Candle, 0, n)
	for i := 0; i < n; i++ {
		c, ok := buildCandle(symbol, opens[i], highs[i], lows[i], closes[i])
		if !ok {
			continue
		}
		if i < len(volumes) {
			c.Volume = volumeOf(volumes[i])
		}
		c.Time = timestampOr(times[i], loc, now)
		out = append(out, c)
	}
	return out
}

func fromRows(symbol string, rows []any, loc *time.Location, now time.Time) []Candle {
	out := make([]Candle, 0, len(rows))
	for _, item := range rows {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var ts any
		for _, key := range []string{"startTime", "timestamp", "time"} {
			if v, ok := row[key]; ok && v != nil && v != "" {
				ts = v
				break
			}
		}
		if ts == nil {
			continue
		}
		c, ok := buildCandle(symbol, row["open"], row["high"], row["low"], row["close"])
		if !ok {
			continue
		}
		c.Volume = volumeOf(row["volume"])
		c.Time = timestampOr(ts, loc, now)
		out = append(out, c)
	}
	return out
}

func buildCandle(symbol string, o, h, l, c any) (Candle, bool) {
	open, ok1 := number(o)
	high, ok2 := number(h)
	low, ok3 := number(l)
	cl, ok4 := number(c)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Candle{}, false
	}
	return Candle{Symbol: symbol, Open: open, High: high, Low: low, Close: cl}, true
}

func volumeOf(v any) int64 {
	f, ok := number(v)
	if !ok || f < 0 {
		return 0
	}
	return int64(f)
}

func timestampOr(v any, loc *time.Location, now time.Time) time.Time {
	if t, ok := ParseTimestamp(v, loc); ok {
		return t
	}
	return now.In(loc)
}

// ParseTimestamp reads ISO-like strings, epoch seconds and epoch milliseconds (numbers or
// numeric strings, split at 1e12) into loc. Strings without a zone are taken as UTC.
func ParseTimestamp(v any, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f, loc)
	case float64:
		return fromEpoch(t, loc)
	case int64:
		return fromEpoch(float64(t), loc)
	case int:
		return fromEpoch(float64(t), loc)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range isoLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.In(loc), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f, loc)
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64, loc *time.Location) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, false
	}
	if f > epochMillisThreshold {
		return time.UnixMilli(int64(f)).In(loc), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).In(loc), true
}

func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
