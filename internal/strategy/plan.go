package strategy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/util"
)

// Params are the per-symbol knobs a plan is built from.
type Params struct {
	StopLossFraction float64
	Quantity         int
	EntryTime        util.TimeOfDay
	ExitTime         util.TimeOfDay
	OrderType        string
	ProductType      string
	Location         *time.Location
}

// TradePlan is an accepted signal priced and sized for one session.
type TradePlan struct {
	Symbol        string
	Side          signal.Side
	EntryTime     util.TimeOfDay
	ExitTime      util.TimeOfDay
	EntryPrice    float64
	StopLossPrice float64
	Quantity      int
	OrderType     string
	ProductType   string
	Location      *time.Location
}

// SessionState remembers which symbols stopped out today. Safe for concurrent use.
type SessionState struct {
	mu      sync.RWMutex
	stopped map[string]struct{}
}

// NewSessionState returns an empty state.
func NewSessionState() *SessionState {
	return &SessionState{stopped: make(map[string]struct{})}
}

func key(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// MarkStopped records symbol as stopped out for the rest of the session.
func (s *SessionState) MarkStopped(symbol string) {
	s.mu.Lock()
	s.stopped[key(symbol)] = struct{}{}
	s.mu.Unlock()
}

// IsStopped reports whether symbol already hit its stop today.
func (s *SessionState) IsStopped(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stopped[key(symbol)]
	return ok
}

// Stopped lists stopped-out symbols in order.
func (s *SessionState) Stopped() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.stopped))
	for sym := range s.stopped {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Reset clears the day's state.
func (s *SessionState) Reset() {
	s.mu.Lock()
	s.stopped = make(map[string]struct{})
	s.mu.Unlock()
}

// BuildTradePlan prices sig into a plan. It returns nil for flat signals and for
// symbols that already stopped out this session.
func (s *SessionState) BuildTradePlan(sig signal.Signal, p Params) *TradePlan {
	if sig.Side == signal.None || sig.RefPrice == nil {
		return nil
	}
	symbol := key(sig.Symbol)
	if s.IsStopped(symbol) {
		return nil
	}
	entry := *sig.RefPrice
	sl, err := StopLossPrice(sig.Side, entry, p.StopLossFraction)
	if err != nil {
		return nil
	}
	return &TradePlan{
		Symbol:        symbol,
		Side:          sig.Side,
		EntryTime:     p.EntryTime,
		ExitTime:      p.ExitTime,
		EntryPrice:    entry,
		StopLossPrice: sl,
		Quantity:      p.Quantity,
		OrderType:     p.OrderType,
		ProductType:   p.ProductType,
		Location:      p.Location,
	}
}

// CheckStopLoss evaluates the stop and, when it fires, marks symbol stopped out.
func (s *SessionState) CheckStopLoss(symbol string, side signal.Side, stopLoss, current float64) ExitDecision {
	if !StopLossHit(side, stopLoss, current) {
		return ExitDecision{Reason: NoExit}
	}
	s.MarkStopped(symbol)
	hint := current
	return ExitDecision{Exit: true, Reason: StopLoss, PriceHint: &hint}
}
