package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"intradaybot-go/internal/execution"
	"intradaybot-go/internal/journal"
	"intradaybot-go/internal/strategy"
)

// Phase is the orchestrator's position in the trading day.
type Phase int

const (
	AwaitingMarketOpen Phase = iota
	AwaitingEntryTime
	GeneratingSignals
	MonitoringPositions
	ClosingPositions
	Done
)

func (p Phase) String() string {
	switch p {
	case AwaitingMarketOpen:
		return "AWAITING_MARKET_OPEN"
	case AwaitingEntryTime:
		return "AWAITING_ENTRY_TIME"
	case GeneratingSignals:
		return "GENERATING_SIGNALS"
	case MonitoringPositions:
		return "MONITORING_POSITIONS"
	case ClosingPositions:
		return "CLOSING_POSITIONS"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

type position struct {
	fill      execution.Fill
	lastPrice *float64

	// set after a failed exit; the exit is retried with this reason
	pending  strategy.ExitReason
	failures int
}

// Session is the state of one trading day: stopped-out symbols, open positions
// and the trade ledger. Safe for concurrent use.
type Session struct {
	state  *strategy.SessionState
	ledger *journal.Ledger

	mu    sync.RWMutex
	id    string
	day   time.Time
	phase Phase
	open  map[string]*position
}

// NewSession returns an empty session with a fresh id.
func NewSession() *Session {
	return &Session{
		state:  strategy.NewSessionState(),
		ledger: journal.NewLedger(16),
		id:     uuid.NewString(),
		open:   make(map[string]*position),
	}
}

// ResetForNewSession clears every per-day structure and assigns a new id.
func (s *Session) ResetForNewSession() {
	s.state.Reset()
	s.ledger.Reset()
	s.mu.Lock()
	s.id = uuid.NewString()
	s.day = time.Time{}
	s.phase = AwaitingMarketOpen
	s.open = make(map[string]*position)
	s.mu.Unlock()
}

// ID identifies the session in trade records.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// State exposes the stopped-out set.
func (s *Session) State() *strategy.SessionState { return s.state }

// Ledger exposes the closed trades.
func (s *Session) Ledger() *journal.Ledger { return s.ledger }

func (s *Session) setDay(day time.Time) {
	s.mu.Lock()
	s.day = day
	s.mu.Unlock()
}

func (s *Session) dayString() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.day.IsZero() {
		return ""
	}
	return s.day.Format(time.DateOnly)
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

func (s *Session) addOpen(fill execution.Fill) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[fill.Symbol] = &position{fill: fill}
	return len(s.open)
}

func (s *Session) isOpen(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.open[symbol]
	return ok
}

func (s *Session) removeOpen(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, symbol)
	return len(s.open)
}

func (s *Session) openCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}

// activeCount counts open positions the monitor still retries.
func (s *Session) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.open {
		if p.failures < maxExitAttempts {
			n++
		}
	}
	return n
}

// exitFailed notes a rejected exit and returns how many exits have failed for symbol.
func (s *Session) exitFailed(symbol string, reason strategy.ExitReason) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.open[symbol]
	if !ok {
		return 0
	}
	p.pending = reason
	p.failures++
	return p.failures
}

func (s *Session) openSymbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.open))
	for sym := range s.open {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// position returns a copy of the open position for symbol.
func (s *Session) position(symbol string) (position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.open[symbol]
	if !ok {
		return position{}, false
	}
	return *p, true
}

func (s *Session) mark(symbol string, px float64) {
	s.mu.Lock()
	if p, ok := s.open[symbol]; ok {
		v := px
		p.lastPrice = &v
	}
	s.mu.Unlock()
}

func (s *Session) markSecurity(securityID string, px float64) {
	s.mu.Lock()
	for _, p := range s.open {
		if p.fill.SecurityID == securityID {
			v := px
			p.lastPrice = &v
		}
	}
	s.mu.Unlock()
}

// PositionView is the read-only projection of an open position.
type PositionView struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	OrderID    string    `json:"order_id"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	Quantity   int       `json:"quantity"`
	LastPrice  *float64  `json:"last_price,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	ExitErrors int       `json:"exit_errors,omitempty"`
}

// Snapshot is a point-in-time view of the session for operators.
type Snapshot struct {
	SessionID     string                `json:"session_id"`
	Day           string                `json:"day,omitempty"`
	Phase         Phase                 `json:"phase"`
	FeedConnected bool                  `json:"feed_connected"`
	Open          []PositionView        `json:"open"`
	Stopped       []string              `json:"stopped"`
	Trades        []journal.TradeRecord `json:"trades"`
	RealizedPnL   float64               `json:"realized_pnl"`
}

func (s *Session) snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		SessionID: s.id,
		Phase:     s.phase,
		Open:      make([]PositionView, 0, len(s.open)),
	}
	if !s.day.IsZero() {
		snap.Day = s.day.Format(time.DateOnly)
	}
	for sym, p := range s.open {
		view := PositionView{
			Symbol:     sym,
			Side:       p.fill.Side.String(),
			OrderID:    p.fill.OrderID,
			EntryPrice: p.fill.EntryPrice,
			StopLoss:   p.fill.StopLoss,
			Quantity:   p.fill.Quantity,
			OpenedAt:   p.fill.PlacedAt,
			ExitErrors: p.failures,
		}
		if p.lastPrice != nil {
			v := *p.lastPrice
			view.LastPrice = &v
		}
		snap.Open = append(snap.Open, view)
	}
	s.mu.RUnlock()

	sort.Slice(snap.Open, func(i, j int) bool { return snap.Open[i].Symbol < snap.Open[j].Symbol })
	snap.Stopped = s.state.Stopped()
	snap.Trades = s.ledger.Snapshot()
	snap.RealizedPnL = s.ledger.TotalPnL()
	return snap
}
