// Package paper simulates the broker for dry runs: market orders fill at the last quote.
package paper

import (
	"errors"
	"math"
	"sync"

	"intradaybot-go/internal/execution"
)

const epsilon = 1e-9

type positionState struct {
	Qty     float64 // signed: negative is short
	AvgCost float64
}

// Account tracks virtual cash, realized PnL, and per-instrument positions in paper mode.
// Intraday shorts are allowed.
type Account struct {
	mu                   sync.Mutex
	startingCash         float64
	cash                 float64
	realizedPnL          float64
	maxPositionPerSymbol float64
	positions            map[string]positionState
}

// PositionSnapshot exposes a read-only view of a single position.
type PositionSnapshot struct {
	Qty         float64
	AvgCost     float64
	MarketValue float64
	Unrealized  float64
}

// Snapshot represents a thread-safe view of the account state, optionally marked to market using provided prices.
type Snapshot struct {
	Cash        float64
	RealizedPnL float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// NewAccount constructs an account populated with starting cash and optional position cap.
func NewAccount(startingCash, maxPositionPerSymbol float64) *Account {
	return &Account{
		startingCash:         startingCash,
		cash:                 startingCash,
		maxPositionPerSymbol: maxPositionPerSymbol,
		positions:            make(map[string]positionState),
	}
}

// StartingCash returns the initial bankroll.
func (a *Account) StartingCash() float64 { return a.startingCash }

// MarketFill executes a market order at price. Orders against an open position reduce
// it first and realize P&L; the remainder opens at price.
func (a *Account) MarketFill(symbol string, side execution.Side, qty, price float64) error {
	if qty <= 0 {
		return errors.New("quantity must be positive")
	}
	if price <= 0 {
		return errors.New("price must be positive")
	}
	var dir float64
	switch side {
	case execution.Buy:
		dir = 1
	case execution.Sell:
		dir = -1
	default:
		return errors.New("unknown order side")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.positions[symbol]
	remaining := qty
	realized := 0.0
	if state.Qty*dir < 0 {
		closing := math.Min(qty, math.Abs(state.Qty))
		realized = (price - state.AvgCost) * closing * sign(state.Qty)
		state.Qty += dir * closing
		remaining -= closing
		if math.Abs(state.Qty) <= epsilon {
			state = positionState{}
		}
	}
	if remaining > epsilon {
		opening := remaining * price
		if opening > a.cash+epsilon {
			return errors.New("insufficient cash for new exposure")
		}
		newQty := state.Qty + dir*remaining
		if a.maxPositionPerSymbol > 0 && math.Abs(newQty) > a.maxPositionPerSymbol+epsilon {
			return errors.New("position limit exceeded")
		}
		state.AvgCost = (state.AvgCost*math.Abs(state.Qty) + opening) / math.Abs(newQty)
		state.Qty = newQty
	}

	a.realizedPnL += realized
	a.cash -= dir * qty * price
	if math.Abs(state.Qty) <= epsilon {
		delete(a.positions, symbol)
	} else {
		a.positions[symbol] = state
	}
	return nil
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// Snapshot returns a copy of balances, optionally marked using the supplied prices map.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	positions := make(map[string]PositionSnapshot, len(a.positions))
	equity := a.cash
	for sym, pos := range a.positions {
		mark := prices[sym]
		if mark == 0 {
			mark = pos.AvgCost
		}
		marketValue := pos.Qty * mark
		positions[sym] = PositionSnapshot{
			Qty:         pos.Qty,
			AvgCost:     pos.AvgCost,
			MarketValue: marketValue,
			Unrealized:  (mark - pos.AvgCost) * pos.Qty,
		}
		equity += marketValue
	}

	return Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      equity,
		Positions:   positions,
	}
}

// AvailableCash reports free cash.
func (a *Account) AvailableCash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash
}

// Position returns the signed position size for symbol.
func (a *Account) Position(symbol string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.positions[symbol].Qty
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}
