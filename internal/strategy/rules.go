// Package strategy holds the opening-gap decision rules. Nothing here performs I/O.
package strategy

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/util"
)

// ErrNoSide is returned when a stop-loss is requested for a flat signal.
var ErrNoSide = errors.New("strategy: side cannot be NONE")

// ExitReason tags why a position was closed.
type ExitReason string

const (
	NoExit   ExitReason = "NONE"
	StopLoss ExitReason = "STOP_LOSS"
	TimeExit ExitReason = "TIME_EXIT"
	EndOfDay ExitReason = "END_OF_DAY"
)

// ExitDecision is the outcome of an exit rule.
type ExitDecision struct {
	Exit      bool
	Reason    ExitReason
	PriceHint *float64
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// DeriveSignal compares today's entry-time price with yesterday's close. Missing
// inputs or equal prices give no trade.
func DeriveSignal(symbol string, yesterdayClose, todayPrice *float64, ts time.Time) signal.Signal {
	sig := signal.Signal{Symbol: symbol, Side: signal.None, Ts: ts}
	if yesterdayClose == nil || todayPrice == nil {
		return sig
	}
	ref := *todayPrice
	switch {
	case ref > *yesterdayClose:
		sig.Side = signal.Long
	case ref < *yesterdayClose:
		sig.Side = signal.Short
	default:
		return sig
	}
	sig.RefPrice = &ref
	return sig
}

// StopLossPrice places the stop fraction below a long entry or above a short one.
func StopLossPrice(side signal.Side, entry, fraction float64) (float64, error) {
	e := decimal.NewFromFloat(entry)
	f := decimal.NewFromFloat(fraction)
	one := decimal.NewFromInt(1)
	switch side {
	case signal.Long:
		return e.Mul(one.Sub(f)).Round(2).InexactFloat64(), nil
	case signal.Short:
		return e.Mul(one.Add(f)).Round(2).InexactFloat64(), nil
	default:
		return 0, ErrNoSide
	}
}

// StopLossHit reports whether current has crossed the stop for side.
func StopLossHit(side signal.Side, stopLoss, current float64) bool {
	switch side {
	case signal.Long:
		return current <= stopLoss
	case signal.Short:
		return current >= stopLoss
	default:
		return false
	}
}

// IsEntryTime matches the entry time to the second.
func IsEntryTime(now time.Time, entry util.TimeOfDay) bool {
	return util.TimeOfDayOf(now).Compare(entry) == 0
}

// CheckTimeExit fires once the time of day reaches exit.
func CheckTimeExit(now time.Time, exit util.TimeOfDay) ExitDecision {
	if util.TimeOfDayOf(now).Compare(exit) >= 0 {
		return ExitDecision{Exit: true, Reason: TimeExit}
	}
	return ExitDecision{Reason: NoExit}
}

// Points is the favourable move from entry to exit, rounded to two decimals.
func Points(side signal.Side, entry, exit float64) float64 {
	e, x := decimal.NewFromFloat(entry), decimal.NewFromFloat(exit)
	switch side {
	case signal.Long:
		return x.Sub(e).Round(2).InexactFloat64()
	case signal.Short:
		return e.Sub(x).Round(2).InexactFloat64()
	default:
		return 0
	}
}

// PnL is points times quantity, rounded to two decimals.
func PnL(points float64, quantity int) float64 {
	return decimal.NewFromFloat(points).Mul(decimal.NewFromInt(int64(quantity))).Round(2).InexactFloat64()
}
