// Package risk holds the pre-trade guard-rails applied before an entry is sent.
package risk

import (
	"fmt"
	"sort"
	"sync"

	"intradaybot-go/internal/journal"
)

// Limits caps per-trade size and per-symbol trade count. Zero disables a cap.
type Limits struct {
	MaxNotionalPerTrade float64
	MaxTradesPerSymbol  int
}

// Allow reports whether an entry of the given notional fits the per-trade cap.
func (l Limits) Allow(notional float64) bool {
	if l.MaxNotionalPerTrade <= 0 {
		return true
	}
	return notional <= l.MaxNotionalPerTrade
}

// Guard counts entries per symbol over one session.
type Guard struct {
	limits Limits

	mu      sync.Mutex
	entries map[string]int
}

// NewGuard returns a Guard enforcing limits.
func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits, entries: make(map[string]int)}
}

// Limits returns the configured caps.
func (g *Guard) Limits() Limits { return g.limits }

// Admit reserves an entry for symbol when both caps allow it.
func (g *Guard) Admit(symbol string, notional float64) error {
	if !g.limits.Allow(notional) {
		return fmt.Errorf("risk: %s notional %.2f exceeds per-trade cap %.2f", symbol, notional, g.limits.MaxNotionalPerTrade)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if max := g.limits.MaxTradesPerSymbol; max > 0 && g.entries[symbol] >= max {
		return fmt.Errorf("risk: %s already traded %d time(s) this session", symbol, g.entries[symbol])
	}
	g.entries[symbol]++
	return nil
}

// Release returns a reservation taken by Admit when the entry never reached the broker.
func (g *Guard) Release(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entries[symbol] > 0 {
		g.entries[symbol]--
	}
}

// Reset clears the per-session counters.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries = make(map[string]int)
}

// Violation is a symbol that traded more often than allowed.
type Violation struct {
	Symbol string
	Trades int
}

// CheckCompliance returns the symbols in records that exceed maxPerSymbol trades.
// A zero cap checks the one-trade-per-symbol rule.
func CheckCompliance(records []journal.TradeRecord, maxPerSymbol int) []Violation {
	if maxPerSymbol <= 0 {
		maxPerSymbol = 1
	}
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Symbol]++
	}
	var out []Violation
	for sym, n := range counts {
		if n > maxPerSymbol {
			out = append(out, Violation{Symbol: sym, Trades: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
