package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const scripMaster = `SEM_EXM_EXCH_ID,SEM_SEGMENT,SEM_SMST_SECURITY_ID,SEM_INSTRUMENT_NAME,SEM_TRADING_SYMBOL,SEM_SERIES,SM_SYMBOL_NAME
NSE,E,3045,EQUITY,SBIN,EQ,STATE BANK OF INDIA
BSE,E,500112,EQUITY,SBIN,A,STATE BANK OF INDIA
NSE,E,11536,EQUITY,TCS,EQ,TATA CONSULTANCY SERV LT
NSE,E,99999,EQUITY,TCS,BE,TATA CONSULTANCY SERV LT
NSE,E,17818,EQUITY,LTF,EQ,L&T FINANCE LIMITED
NSE,E,2031,EQUITY,M&M,EQ,MAHINDRA & MAHINDRA LTD
`

func TestInstrumentResolverResolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(scripMaster))
	}))
	defer server.Close()

	resolver := NewInstrumentResolver(zerolog.Nop(), server.URL, "NSE")
	resolver.client = server.Client()

	found, missing, err := resolver.Resolve(context.Background(), []string{"sbin", "TCS", "m&m", "L&T FINANCE LIMITED", "NOPE"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if found["SBIN"] != "3045" || found["TCS"] != "11536" || found["M&M"] != "2031" {
		t.Fatalf("unexpected ids %+v", found)
	}
	if found["L&T FINANCE LIMITED"] != "17818" {
		t.Fatalf("expected name fallback match, got %+v", found)
	}
	if len(missing) != 1 || missing[0] != "NOPE" {
		t.Fatalf("unexpected missing %+v", missing)
	}
}

func TestParseScripMasterRequiresIDColumn(t *testing.T) {
	resolver := NewInstrumentResolver(zerolog.Nop(), "", "")
	if _, err := resolver.ParseScripMaster(strings.NewReader("SEM_SERIES,SM_SYMBOL_NAME\nEQ,SBIN\n")); err == nil {
		t.Fatalf("expected error for missing id column")
	}
}

func TestMergeSymbolMapsManualWins(t *testing.T) {
	merged := MergeSymbolMaps(
		map[string]string{"sbin": "3045", "INFY": " "},
		map[string]string{"SBIN": "1", "TCS": "11536", "INFY": "1594"},
	)
	if merged["SBIN"] != "3045" || merged["TCS"] != "11536" || merged["INFY"] != "1594" {
		t.Fatalf("unexpected merge %+v", merged)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		" sbin ":     "SBIN",
		"bajaj-auto": "BAJAJ-AUTO",
		"m&m":        "M&M",
		"tcs.ns":     "TCSNS",
		"":           "",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Fatalf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}
