package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"intradaybot-go/internal/metrics"
	"intradaybot-go/internal/util"
)

const (
	defaultBaseURL          = "https://api.dhan.co/v2"
	defaultMinInterval      = 2 * time.Second
	defaultMaxAttempts      = 3
	defaultRateLimitBackoff = 2 * time.Second
	defaultTransportBackoff = 2 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultQuoteTTL         = 10 * time.Second
	defaultSegment          = "NSE_EQ"
	defaultInstrument       = "EQUITY"
)

// LiveSource is the push-channel view consulted before any pull request.
type LiveSource interface {
	Connected() bool
	LivePrice(securityID string) (float64, bool)
}

// Client talks to the broker REST API. Every call goes through one pacing gate.
type Client struct {
	baseURL          string
	http             *http.Client
	token            string
	clientID         string
	limiter          *rate.Limiter
	maxAttempts      int
	rateLimitBackoff time.Duration
	transportBackoff time.Duration
	quoteTTL         time.Duration
	segment          string
	instrument       string
	live             LiveSource
	loc              *time.Location
	now              func() time.Time
	log              zerolog.Logger

	cacheMu sync.Mutex
	quotes  map[string]quoteEntry
}

type quoteEntry struct {
	price    float64
	ok       bool
	storedAt time.Time
}

// ClientOption configures Client construction parameters.
type ClientOption func(*Client)

// WithBaseURL points the client at another API root (tests, sandbox).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithCredentials sets the access token and client id headers.
func WithCredentials(token, clientID string) ClientOption {
	return func(c *Client) {
		c.token = token
		c.clientID = clientID
	}
}

// WithMinInterval sets the minimum spacing between outbound calls; zero disables pacing.
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithRetryPolicy overrides the attempt budget and the two backoff bases.
func WithRetryPolicy(attempts int, rateLimitBackoff, transportBackoff time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if rateLimitBackoff >= 0 {
			c.rateLimitBackoff = rateLimitBackoff
		}
		if transportBackoff >= 0 {
			c.transportBackoff = transportBackoff
		}
	}
}

// WithRequestTimeout bounds each HTTP attempt.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithQuoteTTL sets how long pulled quotes (and misses) are reused.
func WithQuoteTTL(d time.Duration) ClientOption {
	return func(c *Client) {
		if d >= 0 {
			c.quoteTTL = d
		}
	}
}

// WithLiveSource lets Quote prefer fresh push-channel prices.
func WithLiveSource(src LiveSource) ClientOption {
	return func(c *Client) { c.live = src }
}

// WithSegment sets the exchange segment and instrument type sent with chart and quote requests.
func WithSegment(segment, instrument string) ClientOption {
	return func(c *Client) {
		if segment != "" {
			c.segment = segment
		}
		if instrument != "" {
			c.instrument = instrument
		}
	}
}

// WithLocation sets the exchange zone used for "today".
func WithLocation(loc *time.Location) ClientOption {
	return func(c *Client) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithNow injects the clock used for cache expiry and the candle fallback date.
func WithNow(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a paced REST client.
func NewClient(log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:          defaultBaseURL,
		http:             &http.Client{Timeout: defaultRequestTimeout},
		limiter:          rate.NewLimiter(rate.Every(defaultMinInterval), 1),
		maxAttempts:      defaultMaxAttempts,
		rateLimitBackoff: defaultRateLimitBackoff,
		transportBackoff: defaultTransportBackoff,
		quoteTTL:         defaultQuoteTTL,
		segment:          defaultSegment,
		instrument:       defaultInstrument,
		loc:              time.UTC,
		now:              time.Now,
		log:              log,
		quotes:           make(map[string]quoteEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Segment returns the exchange segment stamped on requests.
func (c *Client) Segment() string { return c.segment }

// ClientID returns the configured broker client id.
func (c *Client) ClientID() string { return c.clientID }

func (c *Client) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, endpoint, payload)
}

// do runs one logical call: 429s back off exponentially, transport failures linearly,
// anything else non-2xx (or an errorCode payload) fails immediately.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", endpoint, err)
		}
		body = data
	}
	route := routeLabel(endpoint)

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		status, data, err := c.roundTrip(ctx, method, endpoint, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			metrics.APIRetriesTotal.WithLabelValues(route, "transport").Inc()
			backoff := c.transportBackoff * time.Duration(attempt+1)
			c.log.Debug().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("broker call failed")
			if attempt+1 < c.maxAttempts {
				if err := util.SleepContext(ctx, backoff); err != nil {
					return nil, err
				}
			}
			continue
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

		if status == http.StatusTooManyRequests {
			lastErr = ErrRateLimited
			metrics.APIRetriesTotal.WithLabelValues(route, "rate_limit").Inc()
			backoff := c.rateLimitBackoff * time.Duration(1<<attempt)
			c.log.Debug().Str("endpoint", endpoint).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("rate limited")
			if attempt+1 < c.maxAttempts {
				if err := util.SleepContext(ctx, backoff); err != nil {
					return nil, err
				}
			}
			continue
		}
		if status < 200 || status >= 300 {
			return nil, &APIError{Method: method, Endpoint: endpoint, Status: status, Body: string(data)}
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(trimmed) {
			return nil, &APIError{Method: method, Endpoint: endpoint, Status: status, Body: string(trimmed), Err: errors.New("response is not JSON")}
		}
		if hasErrorCode(trimmed) {
			return nil, &APIError{Method: method, Endpoint: endpoint, Status: status, Body: string(trimmed)}
		}
		return json.RawMessage(trimmed), nil
	}

	if errors.Is(lastErr, ErrRateLimited) {
		return nil, &APIError{Method: method, Endpoint: endpoint, Status: http.StatusTooManyRequests, Err: ErrRateLimited}
	}
	return nil, &APIError{Method: method, Endpoint: endpoint, Err: fmt.Errorf("%w: %v", ErrTransport, lastErr)}
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("access-token", c.token)
	}
	if c.clientID != "" {
		req.Header.Set("client-id", c.clientID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, data, nil
}

func hasErrorCode(data []byte) bool {
	var envelope struct {
		ErrorCode json.RawMessage `json:"errorCode"`
	}
	if data[0] != '{' || json.Unmarshal(data, &envelope) != nil {
		return false
	}
	code := strings.TrimSpace(string(envelope.ErrorCode))
	return code != "" && code != "null" && code != `""`
}

// routeLabel collapses ids in a path so metric cardinality stays bounded.
func routeLabel(endpoint string) string {
	parts := strings.Split(endpoint, "/")
	for i, p := range parts {
		if strings.ContainsAny(p, "0123456789") {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// securityIDValue sends numeric ids as JSON numbers, as the chart endpoints expect.
func securityIDValue(id string) any {
	if n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64); err == nil {
		return n
	}
	return id
}

type chartRequest struct {
	SecurityID      any    `json:"securityId"`
	ExchangeSegment string `json:"exchangeSegment"`
	Instrument      string `json:"instrument"`
	FromDate        string `json:"fromDate"`
	ToDate          string `json:"toDate"`
	Interval        string `json:"interval"`
}

// HistoricalCandles pulls daily candles for [from, to].
func (c *Client) HistoricalCandles(ctx context.Context, securityID string, from, to time.Time) (json.RawMessage, error) {
	return c.post(ctx, "/charts/historical", c.chartPayload(securityID, from, to, "1d"))
}

// IntradayCandles pulls one-minute candles for [from, to].
func (c *Client) IntradayCandles(ctx context.Context, securityID string, from, to time.Time) (json.RawMessage, error) {
	return c.post(ctx, "/charts/intraday", c.chartPayload(securityID, from, to, "1m"))
}

func (c *Client) chartPayload(securityID string, from, to time.Time, interval string) chartRequest {
	return chartRequest{
		SecurityID:      securityIDValue(securityID),
		ExchangeSegment: c.segment,
		Instrument:      c.instrument,
		FromDate:        from.Format(time.DateOnly),
		ToDate:          to.Format(time.DateOnly),
		Interval:        interval,
	}
}
