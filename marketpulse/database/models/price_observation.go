package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Known observation origins. Anything else is recorded as SourceOther.
const (
	SourceEbay        = "ebay"
	SourceTCGPlayer   = "tcgplayer"
	SourceCardmarket  = "cardmarket"
	SourceHeritage    = "heritage"
	SourceGoldin      = "goldin"
	SourcePWCC        = "pwcc"
	SourceTransaction = "transaction"
	SourceOther       = "other"
)

// KnownSources lists every marketplace source in match priority order.
var KnownSources = []string{
	SourceEbay,
	SourceTCGPlayer,
	SourceCardmarket,
	SourceHeritage,
	SourceGoldin,
	SourcePWCC,
	SourceTransaction,
}

// PriceObservation is one raw sale-price sighting for an item.
// Rows are immutable once recorded except for the outlier flag,
// which the aggregation batch owns.
type PriceObservation struct {
	bun.BaseModel `bun:"table:price_observations,alias:po"`

	ID          int64     `bun:"id,pk,autoincrement" json:"id"`
	ItemID      int64     `bun:"item_id,notnull" json:"item_id"`
	Source      string    `bun:"source,notnull" json:"source"`
	RawAmount   float64   `bun:"raw_amount,notnull" json:"raw_amount"`
	RawCurrency string    `bun:"raw_currency,notnull" json:"raw_currency"`
	ObservedAt  time.Time `bun:"observed_at,notnull" json:"observed_at"`
	IsOutlier   bool      `bun:"is_outlier,notnull,default:false" json:"is_outlier"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
