package journal

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"intradaybot-go/internal/strategy"
)

// Summary aggregates a session's trades.
type Summary struct {
	TotalTrades  int     `json:"total_trades"`
	TotalPnL     float64 `json:"total_pnl"`
	Winners      int     `json:"winners"`
	Losers       int     `json:"losers"`
	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxProfit    float64 `json:"max_profit"`
	MaxLoss      float64 `json:"max_loss"`
	AvgPoints    float64 `json:"avg_points"`
}

// Summarize computes session metrics. AvgLoss is reported as a positive amount and the
// profit factor divides by one when there were no losing trades.
func Summarize(records []TradeRecord) Summary {
	var s Summary
	s.TotalTrades = len(records)
	if s.TotalTrades == 0 {
		return s
	}
	var total, wins, losses, points float64
	s.MaxProfit, s.MaxLoss = math.Inf(-1), math.Inf(1)
	for _, r := range records {
		total += r.PnL
		points += r.Points
		switch {
		case r.PnL > 0:
			s.Winners++
			wins += r.PnL
		case r.PnL < 0:
			s.Losers++
			losses += r.PnL
		}
		s.MaxProfit = math.Max(s.MaxProfit, r.PnL)
		s.MaxLoss = math.Min(s.MaxLoss, r.PnL)
	}
	n := float64(s.TotalTrades)
	s.TotalPnL = strategy.Round2(total)
	s.WinRate = strategy.Round2(float64(s.Winners) / n * 100)
	if s.Winners > 0 {
		s.AvgWin = strategy.Round2(wins / float64(s.Winners))
	}
	if s.Losers > 0 {
		s.AvgLoss = strategy.Round2(math.Abs(losses / float64(s.Losers)))
	}
	denom := math.Abs(losses)
	if s.Losers == 0 {
		denom = 1
	}
	s.ProfitFactor = strategy.Round2(wins / denom)
	s.MaxProfit = strategy.Round2(s.MaxProfit)
	s.MaxLoss = strategy.Round2(s.MaxLoss)
	s.AvgPoints = strategy.Round2(points / n)
	return s
}

// Verdict classifies the session for the closing banner.
func (s Summary) Verdict() string {
	switch {
	case s.TotalPnL > 0 && s.WinRate >= 50:
		return "PROFITABLE"
	case s.TotalPnL >= 0:
		return "BREAKEVEN"
	default:
		return "LOSS"
	}
}

var reportHeader = []string{"Symbol", "Side", "Entry Price", "Exit Price", "Quantity", "Points", "P&L", "Result", "Reason"}

// WriteCSVReport writes the trade details followed by the summary block into dir as
// <date>_Session_Report_<date>_<HHMMSS>.csv and returns the path.
func WriteCSVReport(dir string, records []TradeRecord, summary Summary, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	name := fmt.Sprintf("%s_Session_Report_%s.csv", at.Format(time.DateOnly), at.Format("2006-01-02_150405"))
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	money := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	rows := [][]string{reportHeader}
	for _, r := range records {
		rows = append(rows, []string{
			r.Symbol, r.Side.String(), money(r.EntryPrice), money(r.ExitPrice),
			strconv.Itoa(r.Quantity), money(r.Points), money(r.PnL), r.Result(), string(r.Reason),
		})
	}
	rows = append(rows,
		[]string{},
		[]string{"Metric", "Value"},
		[]string{"Report Time", at.Format("2006-01-02 15:04:05 MST")},
		[]string{"Total Trades", strconv.Itoa(summary.TotalTrades)},
		[]string{"Total P&L", money(summary.TotalPnL)},
		[]string{"Win Rate (%)", money(summary.WinRate)},
		[]string{"Winners", strconv.Itoa(summary.Winners)},
		[]string{"Losers", strconv.Itoa(summary.Losers)},
		[]string{"Average Win", money(summary.AvgWin)},
		[]string{"Average Loss", money(summary.AvgLoss)},
		[]string{"Profit Factor", money(summary.ProfitFactor)},
		[]string{"Maximum Profit", money(summary.MaxProfit)},
		[]string{"Maximum Loss", money(summary.MaxLoss)},
		[]string{"Average Points", money(summary.AvgPoints)},
		[]string{"Session", summary.Verdict()},
	)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
