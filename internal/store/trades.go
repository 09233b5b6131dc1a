package store

import (
	"context"
	"strings"
	"time"

	"botfleet/internal/store/model"

	"gorm.io/gorm"
)

// TradeLog is one fill reported by a worker.
type TradeLog struct {
	BotID     string    `json:"bot_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Qty       float64   `json:"qty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"ts"`
}

type Trades struct {
	eng *Engine
	rd  *Reader
}

func NewTrades(eng *Engine, rd *Reader) *Trades {
	return &Trades{eng: eng, rd: rd}
}

// Append submits the fill without waiting; the future reports the outcome.
func (t *Trades) Append(ctx context.Context, rec TradeLog) *Future {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	row := model.TradeLogModel{
		BotID:     rec.BotID,
		Symbol:    strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Side:      strings.ToLower(strings.TrimSpace(rec.Side)),
		Price:     rec.Price,
		Qty:       rec.Qty,
		Reason:    rec.Reason,
		Timestamp: rec.Timestamp.UnixMilli(),
	}
	return t.eng.Submit(ctx, "trade.append", func(tx *gorm.DB) (any, error) {
		return nil, tx.Create(&row).Error
	})
}

func (t *Trades) ListByBot(ctx context.Context, botID string, limit int) ([]TradeLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []model.TradeLogModel
	if err := t.rd.DB(ctx).Where("bot_id = ?", botID).Order("ts ASC, id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]TradeLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, TradeLog{
			BotID:     r.BotID,
			Symbol:    r.Symbol,
			Side:      r.Side,
			Price:     r.Price,
			Qty:       r.Qty,
			Reason:    r.Reason,
			Timestamp: time.UnixMilli(r.Timestamp),
		})
	}
	return out, nil
}
