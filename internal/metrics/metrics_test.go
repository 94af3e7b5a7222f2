package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorsRegistered(t *testing.T) {
	QuotesTotal.WithLabelValues("rest").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "quotes_total" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("quotes_total metric not found")
	}
}

func TestHandlerServesText(t *testing.T) {
	OrdersTotal.WithLabelValues("SBIN", "BUY").Inc()

	server := httptest.NewServer(Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `orders_total{side="BUY",symbol="SBIN"}`) {
		t.Fatalf("orders_total sample missing from exposition")
	}
}
