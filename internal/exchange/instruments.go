package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultScripMasterURL = "https://images.dhan.co/api-data/api-scrip-master.csv"

// Instrument is one cash-market row of the broker scrip master.
type Instrument struct {
	Symbol     string
	Name       string
	SecurityID string
	Exchange   string
	Series     string
}

// InstrumentResolver maps trading symbols to broker security ids using the scrip master CSV.
type InstrumentResolver struct {
	log      zerolog.Logger
	client   *http.Client
	url      string
	exchange string
}

// NewInstrumentResolver constructs a resolver; exchange filters rows (e.g. "NSE"), empty keeps all.
func NewInstrumentResolver(log zerolog.Logger, scripMasterURL, exchange string) *InstrumentResolver {
	if scripMasterURL == "" {
		scripMasterURL = defaultScripMasterURL
	}
	return &InstrumentResolver{
		log:      log,
		client:   &http.Client{Timeout: 60 * time.Second},
		url:      scripMasterURL,
		exchange: strings.ToUpper(strings.TrimSpace(exchange)),
	}
}

// Resolve downloads the scrip master and returns ids for the requested symbols, plus
// the symbols that had no equity match.
func (r *InstrumentResolver) Resolve(ctx context.Context, symbols []string) (map[string]string, []string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", "intradaybot-go/1.0 (resolver)")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("download scrip master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("download scrip master: unexpected status %d", resp.StatusCode)
	}
	instruments, err := r.ParseScripMaster(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	found, missing := MatchInstruments(instruments, symbols)
	r.log.Info().
		Int("instruments", len(instruments)).
		Int("resolved", len(found)).
		Strs("missing", missing).
		Msg("resolved security ids")
	return found, missing, nil
}

// ParseScripMaster keeps rows with SEM_SERIES == "EQ" (and the configured exchange).
func (r *InstrumentResolver) ParseScripMaster(src io.Reader) ([]Instrument, error) {
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read scrip master header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	idIdx, ok := col["SEM_SMST_SECURITY_ID"]
	if !ok {
		return nil, errors.New("scrip master missing SEM_SMST_SECURITY_ID")
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []Instrument
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read scrip master: %w", err)
		}
		if idIdx >= len(rec) {
			continue
		}
		series := strings.ToUpper(field(rec, "SEM_SERIES"))
		if series != "EQ" {
			continue
		}
		exch := strings.ToUpper(field(rec, "SEM_EXM_EXCH_ID"))
		if r.exchange != "" && exch != "" && exch != r.exchange {
			continue
		}
		out = append(out, Instrument{
			Symbol:     NormalizeSymbol(field(rec, "SEM_TRADING_SYMBOL")),
			Name:       NormalizeSymbol(field(rec, "SM_SYMBOL_NAME")),
			SecurityID: strings.TrimSpace(rec[idIdx]),
			Exchange:   exch,
			Series:     series,
		})
	}
	return out, nil
}

// MatchInstruments looks symbols up by trading symbol first, then by SM_SYMBOL_NAME.
func MatchInstruments(instruments []Instrument, symbols []string) (map[string]string, []string) {
	byTrading := make(map[string]string, len(instruments))
	byName := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		if inst.Symbol != "" {
			if _, dup := byTrading[inst.Symbol]; !dup {
				byTrading[inst.Symbol] = inst.SecurityID
			}
		}
		if inst.Name != "" {
			if _, dup := byName[inst.Name]; !dup {
				byName[inst.Name] = inst.SecurityID
			}
		}
	}
	found := make(map[string]string, len(symbols))
	var missing []string
	for _, raw := range symbols {
		sym := NormalizeSymbol(raw)
		if sym == "" {
			continue
		}
		if id, ok := byTrading[sym]; ok {
			found[sym] = id
			continue
		}
		if id, ok := byName[sym]; ok {
			found[sym] = id
			continue
		}
		missing = append(missing, sym)
	}
	sort.Strings(missing)
	return found, missing
}

// MergeSymbolMaps overlays resolved ids under the manual map; manual entries win.
func MergeSymbolMaps(manual, resolved map[string]string) map[string]string {
	out := make(map[string]string, len(manual)+len(resolved))
	for sym, id := range resolved {
		if sym = NormalizeSymbol(sym); sym != "" && strings.TrimSpace(id) != "" {
			out[sym] = strings.TrimSpace(id)
		}
	}
	for sym, id := range manual {
		if sym = NormalizeSymbol(sym); sym != "" && strings.TrimSpace(id) != "" {
			out[sym] = strings.TrimSpace(id)
		}
	}
	return out
}

// NormalizeSymbol upper-cases and keeps the characters NSE symbols use (A-Z, 0-9, &, -, space).
func NormalizeSymbol(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 32)
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '&' || r == '-' || r == ' ':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
