// Package store persists symbols, their current prices and the transactions
// that make a symbol "active". Backed by a single SQLite database file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS symbols (
    symbol           TEXT PRIMARY KEY,
    current_price    TEXT,
    price_updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol      TEXT NOT NULL,
    quantity    TEXT NOT NULL,
    price       TEXT NOT NULL,
    executed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_symbol ON transactions(symbol);
`

// Store wraps the database connection.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open creates (if needed) and opens the database at path, applying WAL and
// busy-timeout pragmas suited to one writer plus concurrent readers.
func Open(path string) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		path = abs
	}

	const pragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	connStr := "file:" + strings.TrimPrefix(path, "file:")
	if strings.Contains(connStr, "?") {
		connStr += "&" + pragmas
	} else {
		connStr += "?" + pragmas
	}
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer at a time; a small pool avoids lock churn.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path, log: zerolog.Nop()}, nil
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(log zerolog.Logger) {
	s.log = log.With().Str("component", "store").Logger()
}

func (s *Store) Close() error { return s.db.Close() }

// ActiveSymbols returns every symbol referenced by at least one transaction.
func (s *Store) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM transactions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("query active symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// UpdateCurrentPrice upserts the stored price for symbol. Prices are stored
// as decimal text, never as floats.
func (s *Store) UpdateCurrentPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO symbols (symbol, current_price, price_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
		    current_price    = excluded.current_price,
		    price_updated_at = excluded.price_updated_at`,
		symbol, price.String(), ts.UTC())
	if err != nil {
		return fmt.Errorf("update price for %s: %w", symbol, err)
	}
	return nil
}

// CurrentPrice returns the stored price and its update timestamp for symbol.
func (s *Store) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	var priceStr sql.NullString
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT current_price, price_updated_at FROM symbols WHERE symbol = ?`,
		symbol).Scan(&priceStr, &ts)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("query price for %s: %w", symbol, err)
	}
	if !priceStr.Valid {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("no price stored for %s", symbol)
	}
	price, err := decimal.NewFromString(priceStr.String)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("parse stored price for %s: %w", symbol, err)
	}
	return price, ts.Time, nil
}

// RecordTransaction inserts a transaction, which makes its symbol active.
func (s *Store) RecordTransaction(ctx context.Context, symbol string, quantity, price decimal.Decimal, executedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (symbol, quantity, price, executed_at)
		VALUES (?, ?, ?, ?)`,
		symbol, quantity.String(), price.String(), executedAt.UTC())
	if err != nil {
		return fmt.Errorf("record transaction for %s: %w", symbol, err)
	}
	return nil
}
