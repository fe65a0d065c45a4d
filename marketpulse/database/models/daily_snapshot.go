package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DailySnapshot is the aggregated price state of one item for one
// calendar day. Exactly one row may exist per (item_id, snapshot_date);
// re-runs overwrite the whole row.
type DailySnapshot struct {
	bun.BaseModel `bun:"table:daily_snapshots,alias:ds"`

	ID               int64              `bun:"id,pk,autoincrement" json:"id"`
	ItemID           int64              `bun:"item_id,notnull,unique:uq_item_day" json:"item_id"`
	SnapshotDate     time.Time          `bun:"snapshot_date,notnull,unique:uq_item_day" json:"snapshot_date"`
	MedianRef        float64            `bun:"median_ref,notnull" json:"median_ref"`
	SecondaryMedians map[string]float64 `bun:"secondary_medians,type:jsonb" json:"secondary_medians,omitempty"`
	Low              float64            `bun:"low,notnull" json:"low"`
	High             float64            `bun:"high,notnull" json:"high"`
	LiquidityCount   int                `bun:"liquidity_count,notnull" json:"liquidity_count"`
	DaysCovered      int                `bun:"days_covered,notnull" json:"days_covered"`
	Confidence       float64            `bun:"confidence,notnull" json:"confidence"`
	Sources          []string           `bun:"sources,array" json:"sources"`
	CreatedAt        time.Time          `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
