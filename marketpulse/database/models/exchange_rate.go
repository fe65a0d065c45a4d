package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ExchangeRate is one externally supplied point-in-time rate for a
// currency pair. Lookups take the latest rate at or before a timestamp
// and never interpolate across gaps.
type ExchangeRate struct {
	bun.BaseModel `bun:"table:exchange_rates,alias:er"`

	ID    int64     `bun:"id,pk,autoincrement" json:"id"`
	Base  string    `bun:"base,notnull" json:"base"`
	Quote string    `bun:"quote,notnull" json:"quote"`
	Rate  float64   `bun:"rate,notnull" json:"rate"`
	AsOf  time.Time `bun:"as_of,notnull" json:"as_of"`
}
