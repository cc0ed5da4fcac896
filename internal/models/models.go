package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trader represents a registered trader
type Trader struct {
	ID         int       `db:"traderid"`
	FirstName  string    `db:"first_name"`
	LastName   string    `db:"last_name"`
	Tradername string    `db:"tradername"`
	Hashword   string    `db:"hashword"` // bcrypt digest, never the plaintext
	CreatedAt  time.Time `db:"created_at"`
}

// TraderProfile is the public part of a Trader, the only part that is
// kept in session state
type TraderProfile struct {
	ID         int    `json:"traderid"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Tradername string `json:"tradername"`
}

// Profile strips the digest from t
func (t *Trader) Profile() TraderProfile {
	return TraderProfile{
		ID:         t.ID,
		FirstName:  t.FirstName,
		LastName:   t.LastName,
		Tradername: t.Tradername,
	}
}

// Stock represents a listed stock
type Stock struct {
	ID     int    `db:"stockid"`
	Symbol string `db:"symbol"`
	Name   string `db:"name"`
}

// Order represents a resting buy or sell order
type Order struct {
	ID       int             `db:"id"`
	TraderID int             `db:"trader_id"`
	StockID  int             `db:"stock_id"`
	Date     time.Time       `db:"date"`
	Quantity int             `db:"quantity"`
	Selling  bool            `db:"selling"` // true for offers, false for bids
	Price    decimal.Decimal `db:"price"`
}

// Side names the order the way the listings do
func (o Order) Side() string {
	if o.Selling {
		return "offer"
	}
	return "bid"
}

// StockListing is a stock with either its offers or its bids attached
type StockListing struct {
	Stock
	Orders []Order
}
