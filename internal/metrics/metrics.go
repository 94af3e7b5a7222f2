package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broker_api_requests_total", Help: "Broker REST calls by route and HTTP status"},
		[]string{"route", "status"},
	)
	APIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broker_api_retries_total", Help: "Broker REST retries by route and cause"},
		[]string{"route", "reason"},
	)
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quotes_total", Help: "Quote lookups by the source that answered"},
		[]string{"source"},
	)
	FeedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_messages_total", Help: "Push channel messages by kind"},
		[]string{"kind"},
	)
	FeedConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "feed_connects_total", Help: "Push channel connection attempts by result"},
		[]string{"result"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side"},
	)
	ExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exits_total", Help: "Positions closed by reason"},
		[]string{"symbol", "reason"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently monitored"},
	)
	SessionPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "session_pnl", Help: "Realized P&L of the running session"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRetriesTotal, QuotesTotal,
		FeedMessagesTotal, FeedConnectsTotal,
		OrdersTotal, ExitsTotal, OpenPositions, SessionPnL,
	)
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
