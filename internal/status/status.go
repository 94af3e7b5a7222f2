// Package status serves the operator endpoints: health, session state, trades and metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"intradaybot-go/internal/engine"
	"intradaybot-go/internal/exchange"
	"intradaybot-go/internal/journal"
	"intradaybot-go/internal/metrics"
)

// Source is the engine view the API reads from.
type Source interface {
	Snapshot() engine.Snapshot
	Running() bool
}

// FeedSource is the push channel view: connection state and order updates.
type FeedSource interface {
	Status() exchange.FeedStatus
	OrderUpdate(orderID string) (json.RawMessage, bool)
}

// Handler routes the status API.
type Handler struct {
	router *gin.Engine
	log    zerolog.Logger
	src    Source
	feed   FeedSource
	start  time.Time
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithFeedSource exposes /feed and /orders/:id/update.
func WithFeedSource(f FeedSource) HandlerOption {
	return func(h *Handler) { h.feed = f }
}

// NewHandler builds the router around src.
func NewHandler(log zerolog.Logger, src Source, opts ...HandlerOption) *Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &Handler{router: router, log: log, src: src, start: time.Now()}
	for _, opt := range opts {
		opt(h)
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", h.health)
	h.router.GET("/status", h.status)
	h.router.GET("/trades", h.trades)
	h.router.GET("/summary", h.summary)
	h.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if h.feed != nil {
		h.router.GET("/feed", h.feedStatus)
		h.router.GET("/orders/:id/update", h.orderUpdate)
	}
}

func (h *Handler) health(c *gin.Context) {
	snap := h.src.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": h.src.Running(),
		"phase":   snap.Phase,
		"uptime":  time.Since(h.start).Round(time.Second).String(),
	})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.src.Snapshot())
}

func (h *Handler) trades(c *gin.Context) {
	snap := h.src.Snapshot()
	if symbol := c.Query("symbol"); symbol != "" {
		filtered := make([]journal.TradeRecord, 0, len(snap.Trades))
		for _, t := range snap.Trades {
			if t.Symbol == symbol {
				filtered = append(filtered, t)
			}
		}
		snap.Trades = filtered
	}
	c.JSON(http.StatusOK, gin.H{"session_id": snap.SessionID, "trades": snap.Trades})
}

func (h *Handler) summary(c *gin.Context) {
	snap := h.src.Snapshot()
	s := journal.Summarize(snap.Trades)
	c.JSON(http.StatusOK, gin.H{"session_id": snap.SessionID, "summary": s, "verdict": s.Verdict()})
}

func (h *Handler) feedStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.feed.Status())
}

func (h *Handler) orderUpdate(c *gin.Context) {
	update, ok := h.feed.OrderUpdate(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no update for order"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", update)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("status request")
	}
}

// Serve runs h on addr until ctx is cancelled.
func Serve(ctx context.Context, log zerolog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("status api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
