package strategy

import (
	"errors"
	"sync"
	"testing"
	"time"

	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/util"
)

func ptr(v float64) *float64 { return &v }

func TestDeriveSignal(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name      string
		yesterday *float64
		today     *float64
		want      signal.Side
	}{
		{"gap up", ptr(800), ptr(805), signal.Long},
		{"gap down", ptr(3400), ptr(3390), signal.Short},
		{"flat", ptr(100), ptr(100), signal.None},
		{"missing yesterday", nil, ptr(100), signal.None},
		{"missing today", ptr(100), nil, signal.None},
	}
	for _, tc := range cases {
		sig := DeriveSignal("SBIN", tc.yesterday, tc.today, now)
		if sig.Side != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, sig.Side)
		}
		if tc.want == signal.None && sig.HasPrice() {
			t.Fatalf("%s: flat signal must not carry a price", tc.name)
		}
		if tc.want != signal.None && *sig.RefPrice != *tc.today {
			t.Fatalf("%s: expected ref price %v, got %v", tc.name, *tc.today, *sig.RefPrice)
		}
	}
}

func TestStopLossPrice(t *testing.T) {
	long, err := StopLossPrice(signal.Long, 805, 0.0025)
	if err != nil || long != 802.99 {
		t.Fatalf("expected 802.99, got %v (%v)", long, err)
	}
	short, err := StopLossPrice(signal.Short, 3390, 0.0025)
	if err != nil || short != 3398.48 {
		t.Fatalf("expected 3398.48, got %v (%v)", short, err)
	}
	if _, err := StopLossPrice(signal.None, 100, 0.01); !errors.Is(err, ErrNoSide) {
		t.Fatalf("expected ErrNoSide, got %v", err)
	}
}

func TestPointsAndPnL(t *testing.T) {
	if p := Points(signal.Long, 805, 802.5); p != -2.5 {
		t.Fatalf("expected -2.5, got %v", p)
	}
	if p := Points(signal.Short, 3390, 3385); p != 5 {
		t.Fatalf("expected 5, got %v", p)
	}
	if pnl := PnL(-2.5, 10); pnl != -25 {
		t.Fatalf("expected -25, got %v", pnl)
	}
	if pnl := PnL(5, 5); pnl != 25 {
		t.Fatalf("expected 25, got %v", pnl)
	}
	long := Points(signal.Long, 100.1, 100.35)
	short := Points(signal.Short, 100.35, 100.1)
	if long != short || long != 0.25 {
		t.Fatalf("expected mirrored points, got %v and %v", long, short)
	}
	if Points(signal.None, 1, 2) != 0 {
		t.Fatalf("flat side must score zero")
	}
}

func TestCheckTimeExitAndEntryTime(t *testing.T) {
	exit := util.MustTimeOfDay("15:15:00")
	day := time.Date(2025, 8, 21, 0, 0, 0, 0, time.UTC)
	if CheckTimeExit(day.Add(15*time.Hour+14*time.Minute+59*time.Second), exit).Exit {
		t.Fatalf("exit fired early")
	}
	if d := CheckTimeExit(day.Add(15*time.Hour+15*time.Minute), exit); !d.Exit || d.Reason != TimeExit {
		t.Fatalf("expected time exit, got %+v", d)
	}
	entry := util.MustTimeOfDay("09:25:00")
	if !IsEntryTime(day.Add(9*time.Hour+25*time.Minute), entry) {
		t.Fatalf("expected entry second to match")
	}
	if IsEntryTime(day.Add(9*time.Hour+25*time.Minute+time.Second), entry) {
		t.Fatalf("entry must match to the second")
	}
}

func TestStopLossBlocksReentry(t *testing.T) {
	state := NewSessionState()
	params := Params{StopLossFraction: 0.0025, Quantity: 10, EntryTime: util.MustTimeOfDay("09:25:00"), ExitTime: util.MustTimeOfDay("15:15:00")}
	sig := DeriveSignal("sbin", ptr(800), ptr(805), time.Now())

	plan := state.BuildTradePlan(sig, params)
	if plan == nil || plan.Symbol != "SBIN" || plan.StopLossPrice != 802.99 || plan.Quantity != 10 {
		t.Fatalf("unexpected plan %+v", plan)
	}

	if d := state.CheckStopLoss("SBIN", signal.Long, plan.StopLossPrice, 803); d.Exit {
		t.Fatalf("stop fired above the stop price")
	}
	d := state.CheckStopLoss("SBIN", signal.Long, plan.StopLossPrice, 802.5)
	if !d.Exit || d.Reason != StopLoss || d.PriceHint == nil || *d.PriceHint != 802.5 {
		t.Fatalf("expected stop loss, got %+v", d)
	}
	if state.BuildTradePlan(sig, params) != nil {
		t.Fatalf("expected no plan after stop loss")
	}
	if state.BuildTradePlan(sig, params) != nil {
		t.Fatalf("re-check must stay rejected")
	}

	short := DeriveSignal("TCS", ptr(3400), ptr(3390), time.Now())
	if p := state.BuildTradePlan(short, params); p == nil || p.Side != signal.Short {
		t.Fatalf("other symbols stay tradable, got %+v", p)
	}
	if !state.CheckStopLoss("TCS", signal.Short, 3398.48, 3398.48).Exit {
		t.Fatalf("short stop fires at the stop price")
	}

	state.Reset()
	if state.IsStopped("SBIN") || len(state.Stopped()) != 0 {
		t.Fatalf("expected reset to clear stopped symbols")
	}
}

func TestSessionStateConcurrentAccess(t *testing.T) {
	state := NewSessionState()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := []string{"SBIN", "TCS", "INFY", "RELIANCE"}[i%4]
			state.MarkStopped(sym)
			_ = state.IsStopped(sym)
		}(i)
	}
	wg.Wait()
	if got := state.Stopped(); len(got) != 4 || got[0] != "INFY" {
		t.Fatalf("unexpected stopped set %v", got)
	}
}
