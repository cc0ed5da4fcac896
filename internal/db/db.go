package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/stockmarket/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate key")
	// ErrInvalidOrder is returned for orders with a non-positive quantity or price.
	ErrInvalidOrder = errors.New("invalid order")
)

// SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Row is a single result row keyed by column name
type Row = map[string]any

// querier is implemented by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a PostgreSQL connection pool. A DB handed out by InTx runs its
// statements inside that transaction.
type DB struct {
	Pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

func (db *DB) conn() querier {
	if db.tx != nil {
		return db.tx
	}
	return db.Pool
}

// InTx runs fn with a DB bound to one transaction, committed when fn
// returns nil and rolled back otherwise. Nested calls join the outer
// transaction.
func (db *DB) InTx(ctx context.Context, fn func(tx *DB) error) error {
	if db.tx != nil {
		return fn(db)
	}
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		return fn(&DB{Pool: db.Pool, tx: tx})
	})
}

// Query runs a read statement. Arguments are bound positionally ($1, $2, ...)
// by the driver and never spliced into the SQL text.
func (db *DB) Query(ctx context.Context, sql string, args ...any) ([]Row, error) {
	rows, err := db.conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", classify(err))
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("failed to collect rows: %w", classify(err))
	}
	return result, nil
}

// QueryOne is Query for statements expected to match a single row. It
// returns ErrNotFound when nothing matches and ignores any extra rows.
func (db *DB) QueryOne(ctx context.Context, sql string, args ...any) (Row, error) {
	rows, err := db.conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", classify(err))
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to run query: %w", classify(err))
		}
		return nil, ErrNotFound
	}
	row, err := pgx.RowToMap(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read row: %w", err)
	}
	return row, nil
}

// Modify runs a write statement with positionally bound arguments
func (db *DB) Modify(ctx context.Context, sql string, args ...any) error {
	if _, err := db.conn().Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to modify: %w", classify(err))
	}
	return nil
}

// CreateTrader inserts a new trader. A tradername already taken, in any
// case, yields ErrDuplicate.
func (db *DB) CreateTrader(ctx context.Context, trader *models.Trader) (*models.Trader, error) {
	created := &models.Trader{}
	err := db.conn().QueryRow(ctx,
		"INSERT INTO traders (first_name, last_name, tradername, hashword) VALUES ($1, $2, $3, $4) "+
			"RETURNING traderid, first_name, last_name, tradername, hashword, created_at",
		trader.FirstName, trader.LastName, trader.Tradername, trader.Hashword).Scan(
		&created.ID, &created.FirstName, &created.LastName, &created.Tradername, &created.Hashword, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create trader: %w", classify(err))
	}
	return created, nil
}

// GetTraderByTradername retrieves a trader, comparing names without regard to case
func (db *DB) GetTraderByTradername(ctx context.Context, tradername string) (*models.Trader, error) {
	rows, err := db.conn().Query(ctx,
		"SELECT traderid, first_name, last_name, tradername, hashword, created_at FROM traders WHERE lower(tradername) = lower($1)",
		tradername)
	if err != nil {
		return nil, fmt.Errorf("failed to get trader: %w", err)
	}
	trader, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Trader])
	if err != nil {
		return nil, fmt.Errorf("failed to get trader: %w", classify(err))
	}
	return trader, nil
}

// CreateStock inserts a new stock
func (db *DB) CreateStock(ctx context.Context, stock *models.Stock) (*models.Stock, error) {
	created := &models.Stock{}
	err := db.conn().QueryRow(ctx,
		"INSERT INTO stocks (symbol, name) VALUES ($1, $2) RETURNING stockid, symbol, name",
		stock.Symbol, stock.Name).Scan(&created.ID, &created.Symbol, &created.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create stock: %w", classify(err))
	}
	return created, nil
}

// GetStocks retrieves every stock in storage order
func (db *DB) GetStocks(ctx context.Context) ([]models.Stock, error) {
	rows, err := db.conn().Query(ctx, "SELECT stockid, symbol, name FROM stocks ORDER BY stockid")
	if err != nil {
		return nil, fmt.Errorf("failed to get stocks: %w", err)
	}
	stocks, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Stock])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stocks: %w", err)
	}
	return stocks, nil
}

// CountStocks reports how many stocks are listed
func (db *DB) CountStocks(ctx context.Context) (int, error) {
	var n int
	if err := db.conn().QueryRow(ctx, "SELECT COUNT(*) FROM stocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stocks: %w", err)
	}
	return n, nil
}

// CreateOrder inserts a new order
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if !order.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}

	created := &models.Order{}
	err := db.conn().QueryRow(ctx,
		"INSERT INTO orders (trader_id, stock_id, quantity, selling, price) VALUES ($1, $2, $3, $4, $5) "+
			"RETURNING id, trader_id, stock_id, date, quantity, selling, price",
		order.TraderID, order.StockID, order.Quantity, order.Selling, order.Price).Scan(
		&created.ID, &created.TraderID, &created.StockID, &created.Date, &created.Quantity, &created.Selling, &created.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", classify(err))
	}
	return created, nil
}

// GetStockOffers retrieves the sell orders of a stock
func (db *DB) GetStockOffers(ctx context.Context, stockID int) ([]models.Order, error) {
	return db.getStockOrders(ctx, stockID, true)
}

// GetStockBids retrieves the buy orders of a stock
func (db *DB) GetStockBids(ctx context.Context, stockID int) ([]models.Order, error) {
	return db.getStockOrders(ctx, stockID, false)
}

func (db *DB) getStockOrders(ctx context.Context, stockID int, selling bool) ([]models.Order, error) {
	return db.collectOrders(ctx,
		"SELECT id, trader_id, stock_id, date, quantity, selling, price FROM orders WHERE stock_id = $1 AND selling = $2 ORDER BY id",
		stockID, selling)
}

// GetTraderOrders retrieves all orders placed by a trader
func (db *DB) GetTraderOrders(ctx context.Context, traderID int) ([]models.Order, error) {
	return db.collectOrders(ctx,
		"SELECT id, trader_id, stock_id, date, quantity, selling, price FROM orders WHERE trader_id = $1 ORDER BY id",
		traderID)
}

// GetAllOrders retrieves every order
func (db *DB) GetAllOrders(ctx context.Context) ([]models.Order, error) {
	return db.collectOrders(ctx,
		"SELECT id, trader_id, stock_id, date, quantity, selling, price FROM orders ORDER BY id")
}

func (db *DB) collectOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.Order])
	if err != nil {
		return nil, fmt.Errorf("failed to scan orders: %w", err)
	}
	return orders, nil
}

// Reset empties every table and restarts the id sequences
func (db *DB) Reset(ctx context.Context) error {
	_, err := db.conn().Exec(ctx, "TRUNCATE TABLE orders, stocks, traders, sessions RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	return nil
}

// classify maps driver errors onto the package sentinels
func classify(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
