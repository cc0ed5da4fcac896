// Package seed fills an empty database with demo stocks, traders and
// orders.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xtrntr/stockmarket/internal/auth"
	"github.com/xtrntr/stockmarket/internal/db"
	"github.com/xtrntr/stockmarket/internal/log"
	"github.com/xtrntr/stockmarket/internal/models"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

// ErrAlreadySeeded is returned by Apply when stocks are already listed.
var ErrAlreadySeeded = errors.New("database already seeded")

const (
	SideOffer = "offer"
	SideBid   = "bid"
)

// Fixtures is the document read from a fixtures file.
type Fixtures struct {
	Stocks  []Stock  `yaml:"stocks"`
	Traders []Trader `yaml:"traders"`
	Orders  []Order  `yaml:"orders"`
}

type Stock struct {
	Symbol string `yaml:"symbol"`
	Name   string `yaml:"name"`
}

// Trader carries a plaintext password; it is hashed when applied.
type Trader struct {
	FirstName  string `yaml:"first_name"`
	LastName   string `yaml:"last_name"`
	Tradername string `yaml:"tradername"`
	Password   string `yaml:"password"`
}

// Order refers to its trader and stock by tradername and symbol. Price is
// a decimal string so that YAML never rounds it through a float.
type Order struct {
	Trader   string `yaml:"trader"`
	Stock    string `yaml:"stock"`
	Side     string `yaml:"side"`
	Quantity int    `yaml:"quantity"`
	Price    string `yaml:"price"`
}

// Store is the storage Apply writes to
type Store interface {
	auth.TraderStore
	CreateStock(ctx context.Context, stock *models.Stock) (*models.Stock, error)
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	CountStocks(ctx context.Context) (int, error)
}

// Default returns the fixtures built into the binary.
func Default() (*Fixtures, error) {
	return Parse(defaultFixtures)
}

// Load reads fixtures from a file.
func Load(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes and checks a fixtures document. Unknown keys are rejected.
func Parse(data []byte) (*Fixtures, error) {
	f := &Fixtures{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return nil, fmt.Errorf("failed to decode fixtures: %w", err)
	}
	if err := f.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid fixtures: %w", err)
	}
	return f, nil
}

// ValidateBasic checks that every order refers to a listed stock and a
// known trader, and that sides, quantities and prices make sense.
func (f *Fixtures) ValidateBasic() error {
	symbols := make(map[string]bool, len(f.Stocks))
	for i, s := range f.Stocks {
		if s.Symbol == "" {
			return fmt.Errorf("stock %d: symbol is empty", i)
		}
		if symbols[s.Symbol] {
			return fmt.Errorf("stock %d: duplicate symbol %q", i, s.Symbol)
		}
		symbols[s.Symbol] = true
	}

	traders := make(map[string]bool, len(f.Traders))
	for i, t := range f.Traders {
		if t.Tradername == "" || t.Password == "" {
			return fmt.Errorf("trader %d: tradername and password are required", i)
		}
		key := strings.ToLower(t.Tradername)
		if traders[key] {
			return fmt.Errorf("trader %d: duplicate tradername %q", i, t.Tradername)
		}
		traders[key] = true
	}

	for i, o := range f.Orders {
		if !symbols[o.Stock] {
			return fmt.Errorf("order %d: unknown stock %q", i, o.Stock)
		}
		if !traders[strings.ToLower(o.Trader)] {
			return fmt.Errorf("order %d: unknown trader %q", i, o.Trader)
		}
		if o.Side != SideOffer && o.Side != SideBid {
			return fmt.Errorf("order %d: side must be %q or %q, got %q", i, SideOffer, SideBid, o.Side)
		}
		if o.Quantity <= 0 {
			return fmt.Errorf("order %d: quantity must be positive", i)
		}
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return fmt.Errorf("order %d: bad price %q: %w", i, o.Price, err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("order %d: price must be positive", i)
		}
	}
	return nil
}

// Result counts what Apply created.
type Result struct {
	Stocks  int
	Traders int
	Orders  int
}

// Apply writes f to store. Traders go through the regular registration
// path, so names are normalized and passwords hashed with the service's
// cost. It refuses to touch a database that already lists stocks.
func Apply(ctx context.Context, store Store, authService *auth.AuthService, f *Fixtures, logger log.Logger) (Result, error) {
	var res Result

	n, err := store.CountStocks(ctx)
	if err != nil {
		return res, err
	}
	if n > 0 {
		return res, fmt.Errorf("%w: %d stocks listed", ErrAlreadySeeded, n)
	}

	stockIDs := make(map[string]int, len(f.Stocks))
	for _, s := range f.Stocks {
		stock, err := store.CreateStock(ctx, &models.Stock{Symbol: s.Symbol, Name: s.Name})
		if err != nil {
			return res, fmt.Errorf("failed to seed stock %s: %w", s.Symbol, err)
		}
		stockIDs[stock.Symbol] = stock.ID
		res.Stocks++
	}

	traderIDs := make(map[string]int, len(f.Traders))
	for _, t := range f.Traders {
		trader, err := authService.Register(ctx, auth.Registration{
			FirstName:  t.FirstName,
			LastName:   t.LastName,
			Tradername: t.Tradername,
			Password:   t.Password,
		})
		if err != nil {
			return res, fmt.Errorf("failed to seed trader %s: %w", t.Tradername, err)
		}
		traderIDs[strings.ToLower(trader.Tradername)] = trader.ID
		res.Traders++
	}

	for i, o := range f.Orders {
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			return res, fmt.Errorf("order %d: bad price %q: %w", i, o.Price, err)
		}
		_, err = store.CreateOrder(ctx, &models.Order{
			TraderID: traderIDs[strings.ToLower(o.Trader)],
			StockID:  stockIDs[o.Stock],
			Quantity: o.Quantity,
			Selling:  o.Side == SideOffer,
			Price:    price,
		})
		if err != nil {
			return res, fmt.Errorf("failed to seed order %d: %w", i, err)
		}
		res.Orders++
	}

	logger.Debug("applied fixtures", "stocks", res.Stocks, "traders", res.Traders, "orders", res.Orders)
	return res, nil
}

// Run applies f to database in a single transaction, so a failed run
// leaves nothing behind and can simply be retried.
func Run(ctx context.Context, database *db.DB, bcryptCost int, f *Fixtures, logger log.Logger) (Result, error) {
	var res Result
	err := database.InTx(ctx, func(tx *db.DB) error {
		var err error
		res, err = Apply(ctx, tx, auth.NewAuthService(tx, bcryptCost), f, logger)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	logger.Info("seeded database", "stocks", res.Stocks, "traders", res.Traders, "orders", res.Orders)
	return res, nil
}
