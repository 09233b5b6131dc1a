// Package quota tracks how much of each asset every live bot has claimed so
// that concurrent bots do not sell the same balance twice.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/logger"
	"botfleet/internal/store"
	"botfleet/internal/store/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidAllocation = errors.New("quota: invalid allocation")
	// ErrInsufficientBalance is returned by Reserve when the free balance
	// minus what is already allocated cannot cover the request.
	ErrInsufficientBalance = errors.New("quota: insufficient unallocated balance")
)

var log = logger.With("quota")

type Record struct {
	BotID       string     `json:"bot_id"`
	Symbol      string     `json:"symbol"`
	Asset       string     `json:"asset"`
	Qty         float64    `json:"qty"`
	EntryPrice  *float64   `json:"entry_price,omitempty"`
	Status      string     `json:"status"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

type Ledger struct {
	eng *store.Engine
	rd  *store.Reader
}

func NewLedger(eng *store.Engine, rd *store.Reader) *Ledger {
	return &Ledger{eng: eng, rd: rd}
}

type allocation struct {
	botID, symbol, asset string
	qty                  float64
	entry                *float64
}

func newAllocation(botID, symbol, asset string, qty, entryPrice float64) (allocation, error) {
	a := allocation{
		botID:  strings.TrimSpace(botID),
		symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		asset:  strings.ToUpper(strings.TrimSpace(asset)),
		qty:    qty,
	}
	if a.botID == "" || a.asset == "" {
		return a, fmt.Errorf("%w: bot id and asset are required", ErrInvalidAllocation)
	}
	if qty < 0 {
		return a, fmt.Errorf("%w: qty %v < 0", ErrInvalidAllocation, qty)
	}
	if entryPrice > 0 {
		p := entryPrice
		a.entry = &p
	}
	return a, nil
}

func (a allocation) row(now time.Time) model.QuotaRecordModel {
	return model.QuotaRecordModel{
		BotID:       a.botID,
		Symbol:      a.symbol,
		Asset:       a.asset,
		Qty:         a.qty,
		EntryPrice:  a.entry,
		Status:      model.QuotaAllocated,
		AllocatedTS: now.UnixMilli(),
	}
}

func upsert(tx *gorm.DB, row model.QuotaRecordModel) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bot_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"symbol":       row.Symbol,
			"asset":        row.Asset,
			"qty":          row.Qty,
			"entry_price":  row.EntryPrice,
			"status":       row.Status,
			"allocated_ts": row.AllocatedTS,
			"released_ts":  nil,
		}),
	}).Create(&row).Error
}

// Allocate records (or replaces) botID's claim on qty of asset. A
// non-positive entryPrice is stored as unknown.
func (l *Ledger) Allocate(ctx context.Context, botID, symbol, asset string, qty, entryPrice float64) error {
	a, err := newAllocation(botID, symbol, asset, qty, entryPrice)
	if err != nil {
		return err
	}
	row := a.row(time.Now())
	return l.eng.Exec(ctx, "quota.allocate", func(tx *gorm.DB) error {
		return upsert(tx, row)
	})
}

// Reserve checks that freeBalance minus the current allocations of asset
// covers qty and allocates it, both inside one write task.
func (l *Ledger) Reserve(ctx context.Context, botID, symbol, asset string, qty, entryPrice, freeBalance float64) error {
	a, err := newAllocation(botID, symbol, asset, qty, entryPrice)
	if err != nil {
		return err
	}
	row := a.row(time.Now())
	return l.eng.Exec(ctx, "quota.reserve", func(tx *gorm.DB) error {
		var qtys []float64
		err := tx.Model(&model.QuotaRecordModel{}).
			Where("asset = ? AND status = ? AND bot_id <> ?", a.asset, model.QuotaAllocated, a.botID).
			Pluck("qty", &qtys).Error
		if err != nil {
			return err
		}
		avail := decimal.NewFromFloat(freeBalance).Sub(sum(qtys))
		if avail.LessThan(decimal.NewFromFloat(qty)) {
			return fmt.Errorf("%w: %s wants %v, %s available", ErrInsufficientBalance, a.asset, qty, avail.String())
		}
		return upsert(tx, row)
	})
}

// Release marks botID's allocation released. Releasing an unknown or
// already released bot is a no-op.
func (l *Ledger) Release(ctx context.Context, botID string) error {
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil
	}
	now := time.Now().UnixMilli()
	return l.eng.Exec(ctx, "quota.release", func(tx *gorm.DB) error {
		res := tx.Model(&model.QuotaRecordModel{}).
			Where("bot_id = ? AND status = ?", botID, model.QuotaAllocated).
			Updates(map[string]any{"status": model.QuotaReleased, "released_ts": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			log.Infof("released quota of %s", botID)
		}
		return nil
	})
}

func sum(qtys []float64) decimal.Decimal {
	total := decimal.Zero
	for _, q := range qtys {
		total = total.Add(decimal.NewFromFloat(q))
	}
	return total
}

// AllocatedQty sums every allocated qty of asset.
func (l *Ledger) AllocatedQty(ctx context.Context, asset string) (float64, error) {
	var qtys []float64
	err := l.rd.DB(ctx).Model(&model.QuotaRecordModel{}).
		Where("asset = ? AND status = ?", strings.ToUpper(strings.TrimSpace(asset)), model.QuotaAllocated).
		Pluck("qty", &qtys).Error
	if err != nil {
		return 0, err
	}
	total, _ := sum(qtys).Float64()
	return total, nil
}

// Get returns nil when botID has never allocated.
func (l *Ledger) Get(ctx context.Context, botID string) (*Record, error) {
	var rows []model.QuotaRecordModel
	if err := l.rd.DB(ctx).Where("bot_id = ?", botID).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := toRecord(rows[0])
	return &rec, nil
}

// ListAllocated returns the live allocations, optionally narrowed to asset.
func (l *Ledger) ListAllocated(ctx context.Context, asset string) ([]Record, error) {
	q := l.rd.DB(ctx).Where("status = ?", model.QuotaAllocated)
	if asset = strings.ToUpper(strings.TrimSpace(asset)); asset != "" {
		q = q.Where("asset = ?", asset)
	}
	var rows []model.QuotaRecordModel
	if err := q.Order("allocated_ts ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRecord(r))
	}
	return out, nil
}

func toRecord(r model.QuotaRecordModel) Record {
	rec := Record{
		BotID:       r.BotID,
		Symbol:      r.Symbol,
		Asset:       r.Asset,
		Qty:         r.Qty,
		EntryPrice:  r.EntryPrice,
		Status:      string(r.Status),
		AllocatedAt: time.UnixMilli(r.AllocatedTS),
	}
	if r.ReleasedTS != nil {
		t := time.UnixMilli(*r.ReleasedTS)
		rec.ReleasedAt = &t
	}
	return rec
}
