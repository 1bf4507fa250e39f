package orders

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/nashlabs/nash-stats/internal/errors"
)

// Store persists completed orders to a DuckDB database file.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the orders database and ensures the
// orders table exists.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS orders (
		created_at    TIMESTAMP NOT NULL,
		type          VARCHAR NOT NULL,
		blockchain    VARCHAR NOT NULL,
		crypto_amount DOUBLE NOT NULL,
		crypto_symbol VARCHAR NOT NULL,
		fiat_amount   DOUBLE NOT NULL,
		fiat_price    DOUBLE NOT NULL,
		fiat_symbol   VARCHAR NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}

	return &Store{db: db}, nil
}

// Insert writes one order with the current time as created_at.
func (s *Store) Insert(ctx context.Context, o Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders
			(created_at, type, blockchain, crypto_amount, crypto_symbol, fiat_amount, fiat_price, fiat_symbol)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), string(o.Side), o.Blockchain,
		o.CryptoAmount, o.CryptoSymbol, o.FiatAmount, o.FiatPrice, o.FiatSymbol)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return nil
}

// Count returns the number of stored orders.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM orders`).Scan(&n); err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return n, nil
}

// Recent returns the most recently inserted orders, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, blockchain, crypto_amount, crypto_symbol, fiat_amount, fiat_price, fiat_symbol
		FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var side string
		if err := rows.Scan(&side, &o.Blockchain, &o.CryptoAmount, &o.CryptoSymbol,
			&o.FiatAmount, &o.FiatPrice, &o.FiatSymbol); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, err.Error())
		}
		o.Side, err = ParseSide(side)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
