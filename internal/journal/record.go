// Package journal keeps the session's closed trades and persists them.
package journal

import (
	"sync"
	"time"

	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/strategy"
)

// TradeRecord is one closed round trip. Appended once per symbol per session.
type TradeRecord struct {
	SessionID  string              `json:"session_id,omitempty"`
	Day        string              `json:"day"`
	Symbol     string              `json:"symbol"`
	Side       signal.Side         `json:"side"`
	EntryPrice float64             `json:"entry_price"`
	ExitPrice  float64             `json:"exit_price"`
	Quantity   int                 `json:"quantity"`
	Reason     strategy.ExitReason `json:"reason"`
	Points     float64             `json:"points"`
	PnL        float64             `json:"pnl"`
	OrderID    string              `json:"order_id,omitempty"`
	ExitMethod string              `json:"exit_method,omitempty"`
	OpenedAt   time.Time           `json:"opened_at"`
	ClosedAt   time.Time           `json:"closed_at"`
}

// Result labels a record by the sign of its P&L.
func (r TradeRecord) Result() string {
	switch {
	case r.PnL > 0:
		return "WIN"
	case r.PnL < 0:
		return "LOSS"
	default:
		return "BREAKEVEN"
	}
}

// Ledger stores the session's trade records in memory.
type Ledger struct {
	mu      sync.Mutex
	records []TradeRecord
}

// NewLedger creates an empty ledger optionally pre-sizing storage.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{records: make([]TradeRecord, 0, capacity)}
}

// Append adds a closed trade.
func (l *Ledger) Append(rec TradeRecord) {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// Snapshot returns a copy of the records in append order.
func (l *Ledger) Snapshot() []TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len reports how many trades were recorded.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// TotalPnL sums realized P&L.
func (l *Ledger) TotalPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, r := range l.records {
		total += r.PnL
	}
	return strategy.Round2(total)
}

// Reset clears all stored records.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.records = l.records[:0]
	l.mu.Unlock()
}
