package risk

import (
	"sync"
	"testing"

	"intradaybot-go/internal/journal"
)

func TestAllow(t *testing.T) {
	limits := Limits{MaxNotionalPerTrade: 50}
	if !limits.Allow(49.9) {
		t.Fatalf("expected notional under limit to pass")
	}
	if limits.Allow(50.1) {
		t.Fatalf("expected notional above limit to fail")
	}
	if !(Limits{}).Allow(1e9) {
		t.Fatalf("expected zero cap to allow everything")
	}
}

func TestGuardAdmitOncePerSymbol(t *testing.T) {
	g := NewGuard(Limits{MaxNotionalPerTrade: 10000, MaxTradesPerSymbol: 1})
	if got := g.Limits(); got.MaxNotionalPerTrade != 10000 || got.MaxTradesPerSymbol != 1 {
		t.Fatalf("unexpected limits: %+v", got)
	}
	if err := g.Admit("SBIN", 8050); err != nil {
		t.Fatalf("unexpected admit error: %v", err)
	}
	if err := g.Admit("SBIN", 8050); err == nil {
		t.Fatalf("expected second SBIN entry to be refused")
	}
	if err := g.Admit("TCS", 16950); err == nil {
		t.Fatalf("expected notional cap to refuse TCS")
	}
	if err := g.Admit("TCS", 9000); err != nil {
		t.Fatalf("refused notional must not consume the slot: %v", err)
	}

	g.Release("SBIN")
	if err := g.Admit("SBIN", 8050); err != nil {
		t.Fatalf("expected released slot to be reusable: %v", err)
	}
	g.Reset()
	if err := g.Admit("TCS", 100); err != nil {
		t.Fatalf("expected reset to clear counters: %v", err)
	}
}

func TestGuardConcurrentAdmit(t *testing.T) {
	g := NewGuard(Limits{MaxTradesPerSymbol: 1})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("INFY", 1) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
}

func TestCheckCompliance(t *testing.T) {
	records := []journal.TradeRecord{{Symbol: "SBIN"}, {Symbol: "TCS"}, {Symbol: "SBIN"}}
	got := CheckCompliance(records, 0)
	if len(got) != 1 || got[0].Symbol != "SBIN" || got[0].Trades != 2 {
		t.Fatalf("unexpected violations %+v", got)
	}
	if v := CheckCompliance(records, 2); len(v) != 0 {
		t.Fatalf("expected no violations at cap 2, got %+v", v)
	}
	if v := CheckCompliance(nil, 1); v != nil {
		t.Fatalf("expected nil for no trades")
	}
}
