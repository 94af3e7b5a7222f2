package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"intradaybot-go/internal/signal"
	"intradaybot-go/internal/strategy"
)

// SQLiteRecorder persists trades to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the database and runs migrations.
func NewSQLiteRecorder(log zerolog.Logger, dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("path", dbPath).Msg("sqlite journal opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT,
			day         TEXT NOT NULL,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			entry_price REAL,
			exit_price  REAL,
			quantity    INTEGER,
			reason      TEXT,
			points      REAL,
			pnl         REAL,
			order_id    TEXT,
			exit_method TEXT,
			opened_at   INTEGER,
			closed_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_day ON trades(day)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_day ON trades(symbol, day)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

// Record inserts one trade.
func (r *SQLiteRecorder) Record(rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO trades
		(session_id, day, symbol, side, entry_price, exit_price, quantity, reason,
		 points, pnl, order_id, exit_method, opened_at, closed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.SessionID, rec.Day, rec.Symbol, rec.Side.String(), rec.EntryPrice, rec.ExitPrice,
		rec.Quantity, string(rec.Reason), rec.Points, rec.PnL, rec.OrderID, rec.ExitMethod,
		rec.OpenedAt.UnixMilli(), rec.ClosedAt.UnixMilli(),
	)
	return err
}

// TradesForDay returns the trades closed on day (YYYY-MM-DD) in insertion order.
func (r *SQLiteRecorder) TradesForDay(ctx context.Context, day string) ([]TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT session_id, day, symbol, side, entry_price, exit_price,
		quantity, reason, points, pnl, order_id, exit_method, opened_at, closed_at
		FROM trades WHERE day = ? ORDER BY id`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			rec              TradeRecord
			side, reason     string
			opened, closedAt int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Day, &rec.Symbol, &side, &rec.EntryPrice, &rec.ExitPrice,
			&rec.Quantity, &reason, &rec.Points, &rec.PnL, &rec.OrderID, &rec.ExitMethod, &opened, &closedAt); err != nil {
			return nil, err
		}
		var s signal.Side
		if err := s.UnmarshalText([]byte(side)); err != nil {
			return nil, err
		}
		rec.Side = s
		rec.Reason = strategy.ExitReason(reason)
		rec.OpenedAt = time.UnixMilli(opened)
		rec.ClosedAt = time.UnixMilli(closedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TradeCounts returns trades per symbol for day; used by the re-entry compliance check.
func (r *SQLiteRecorder) TradeCounts(ctx context.Context, day string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, COUNT(*) FROM trades WHERE day = ? GROUP BY symbol`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var sym string
		var n int
		if err := rows.Scan(&sym, &n); err != nil {
			return nil, err
		}
		out[sym] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite journal")
	return r.db.Close()
}
