package config

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"intradaybot-go/internal/util"
)

var paramColumns = []string{"SL_NO", "SCRIPT_LIST", "STOP_LOSS_PERCENT", "NO_OF_SHARES", "ENTRY_TIME", "EXIT_TIME"}

// SymbolParams is one row of the trading parameters sheet.
type SymbolParams struct {
	SerialNo         int
	Symbol           string
	StopLossFraction float64
	Quantity         int
	EntryTime        util.TimeOfDay
	ExitTime         util.TimeOfDay
}

// LoadParams reads the trading parameters CSV.
func LoadParams(path string) ([]SymbolParams, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open params: %w", err)
	}
	defer file.Close()
	return ParseParams(file)
}

// ParseParams decodes the parameters sheet. STOP_LOSS_PERCENT is a percentage and
// is returned as a fraction; times must be HH:MM:SS.
func ParseParams(r io.Reader) ([]SymbolParams, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read params header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	var missing []string
	for _, col := range paramColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("params missing required columns: %s", strings.Join(missing, ", "))
	}

	var (
		out  []SymbolParams
		seen = map[string]bool{}
		line = 1
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("params line %d: %w", line, err)
		}
		field := func(col string) string { return strings.TrimSpace(record[index[col]]) }

		symbol := strings.ToUpper(field("SCRIPT_LIST"))
		if symbol == "" {
			return nil, fmt.Errorf("params line %d: empty SCRIPT_LIST", line)
		}
		if seen[symbol] {
			return nil, fmt.Errorf("params line %d: duplicate symbol %s", line, symbol)
		}
		seen[symbol] = true

		serial, _ := strconv.Atoi(field("SL_NO"))
		pct, err := strconv.ParseFloat(field("STOP_LOSS_PERCENT"), 64)
		if err != nil {
			return nil, fmt.Errorf("params line %d: invalid STOP_LOSS_PERCENT: %w", line, err)
		}
		qty, err := strconv.Atoi(field("NO_OF_SHARES"))
		if err != nil {
			return nil, fmt.Errorf("params line %d: invalid NO_OF_SHARES: %w", line, err)
		}
		entry, err := parseClock(field("ENTRY_TIME"))
		if err != nil {
			return nil, fmt.Errorf("params line %d: ENTRY_TIME: %w", line, err)
		}
		exit, err := parseClock(field("EXIT_TIME"))
		if err != nil {
			return nil, fmt.Errorf("params line %d: EXIT_TIME: %w", line, err)
		}
		out = append(out, SymbolParams{
			SerialNo:         serial,
			Symbol:           symbol,
			StopLossFraction: pct / 100,
			Quantity:         qty,
			EntryTime:        entry,
			ExitTime:         exit,
		})
	}
	if len(out) == 0 {
		return nil, errors.New("params file has no rows")
	}
	return out, nil
}

func parseClock(s string) (util.TimeOfDay, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil || len(s) != len("15:04:05") {
		return util.TimeOfDay{}, fmt.Errorf("invalid time %q (want HH:MM:SS)", s)
	}
	return util.TimeOfDayOf(t), nil
}

// ParamsFromSession builds per-symbol params from the YAML session section when no sheet is used.
func ParamsFromSession(s Session) ([]SymbolParams, error) {
	entry, err := util.ParseTimeOfDay(s.EntryTime)
	if err != nil {
		return nil, err
	}
	exit, err := util.ParseTimeOfDay(s.ExitTime)
	if err != nil {
		return nil, err
	}
	out := make([]SymbolParams, 0, len(s.Symbols))
	for i, sym := range s.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		out = append(out, SymbolParams{
			SerialNo:         i + 1,
			Symbol:           sym,
			StopLossFraction: s.StopLossPercent / 100,
			Quantity:         s.Quantity,
			EntryTime:        entry,
			ExitTime:         exit,
		})
	}
	if len(out) == 0 {
		return nil, errors.New("session.symbols is empty")
	}
	return out, nil
}

// LoadSymbolMap reads a JSON object of SYMBOL -> security id. Numeric ids are accepted.
func LoadSymbolMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol map: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode symbol map: %w", err)
	}
	out := make(map[string]string, len(raw))
	for sym, v := range raw {
		id := strings.Trim(strings.TrimSpace(string(v)), `"`)
		if id == "" || id == "null" {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = id
	}
	return out, nil
}

// SaveSymbolMap writes the map back as indented JSON.
func SaveSymbolMap(path string, m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode symbol map: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write symbol map: %w", err)
	}
	return nil
}
