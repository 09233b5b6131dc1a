package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/pkg/targets"
	"botfleet/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BotSession is one generation of a bot worker.
type BotSession struct {
	ID         string           `json:"id"`
	PID        *int             `json:"pid,omitempty"`
	Symbol     string           `json:"symbol"`
	Mode       string           `json:"mode"`
	EntryPrice float64          `json:"entry_price"`
	Targets    []targets.Target `json:"targets"`
	Continuous bool             `json:"continuous"`
	GroupID    string           `json:"group_id,omitempty"`
	Generation int              `json:"generation"`
	StartTS    time.Time        `json:"start_ts"`
	EndTS      *time.Time       `json:"end_ts,omitempty"`
	ExitReason string           `json:"exit_reason,omitempty"`
	Status     string           `json:"status"`
}

// Running reports whether the row still claims a live process.
func (s BotSession) Running() bool {
	return s.Status == string(model.SessionRunning)
}

// Sessions persists BotSession rows: writes go through the engine, reads use
// the read pool.
type Sessions struct {
	eng *Engine
	rd  *Reader
}

func NewSessions(eng *Engine, rd *Reader) *Sessions {
	return &Sessions{eng: eng, rd: rd}
}

// Insert records a freshly spawned worker as running.
func (s *Sessions) Insert(ctx context.Context, rec BotSession) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("session id 必填")
	}
	if rec.StartTS.IsZero() {
		rec.StartTS = time.Now()
	}
	row := sessionToModel(rec)
	row.Status = model.SessionRunning
	row.EndTS = nil
	return s.eng.Exec(ctx, "session.insert", func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
}

// MarkStopped moves a running session to stopped and forgets its pid, which
// the OS may hand to an unrelated process later. Already stopped or unknown
// ids are left untouched, so the call is idempotent.
func (s *Sessions) MarkStopped(ctx context.Context, id string, end time.Time, reason string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id 必填")
	}
	if end.IsZero() {
		end = time.Now()
	}
	endMS := end.UnixMilli()
	return s.eng.Exec(ctx, "session.stop", func(tx *gorm.DB) error {
		return tx.Model(&model.BotSessionModel{}).
			Where("id = ? AND status = ?", id, model.SessionRunning).
			Updates(map[string]interface{}{
				"status":      model.SessionStopped,
				"end_ts":      endMS,
				"exit_reason": reason,
				"pid":         nil,
			}).Error
	})
}

func (s *Sessions) Get(ctx context.Context, id string) (*BotSession, error) {
	var row model.BotSessionModel
	err := s.rd.DB(ctx).Where("id = ?", strings.TrimSpace(id)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := modelToSession(row)
	return &out, nil
}

func (s *Sessions) ListRunning(ctx context.Context) ([]BotSession, error) {
	var rows []model.BotSessionModel
	if err := s.rd.DB(ctx).Where("status = ?", model.SessionRunning).Order("start_ts ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return modelsToSessions(rows), nil
}

// List returns the most recent sessions first.
func (s *Sessions) List(ctx context.Context, limit int) ([]BotSession, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []model.BotSessionModel
	if err := s.rd.DB(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "start_ts"}, Desc: true}).
		Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return modelsToSessions(rows), nil
}

// ListByGroup returns every generation of a continuous group, oldest first.
func (s *Sessions) ListByGroup(ctx context.Context, groupID string) ([]BotSession, error) {
	var rows []model.BotSessionModel
	if err := s.rd.DB(ctx).Where("group_id = ?", groupID).Order("generation ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return modelsToSessions(rows), nil
}

func sessionToModel(rec BotSession) model.BotSessionModel {
	row := model.BotSessionModel{
		ID:         strings.TrimSpace(rec.ID),
		PID:        rec.PID,
		Symbol:     rec.Symbol,
		Mode:       rec.Mode,
		EntryPrice: rec.EntryPrice,
		Targets:    datatypes.JSON(targets.Format(rec.Targets)),
		Continuous: rec.Continuous,
		GroupID:    rec.GroupID,
		Generation: rec.Generation,
		StartTS:    rec.StartTS.UnixMilli(),
		ExitReason: rec.ExitReason,
		Status:     model.SessionStatus(rec.Status),
	}
	if rec.EndTS != nil {
		ms := rec.EndTS.UnixMilli()
		row.EndTS = &ms
	}
	return row
}

func modelToSession(row model.BotSessionModel) BotSession {
	ts, _ := targets.Parse(string(row.Targets))
	out := BotSession{
		ID:         row.ID,
		PID:        row.PID,
		Symbol:     row.Symbol,
		Mode:       row.Mode,
		EntryPrice: row.EntryPrice,
		Targets:    ts,
		Continuous: row.Continuous,
		GroupID:    row.GroupID,
		Generation: row.Generation,
		StartTS:    time.UnixMilli(row.StartTS),
		ExitReason: row.ExitReason,
		Status:     string(row.Status),
	}
	if row.EndTS != nil {
		end := time.UnixMilli(*row.EndTS)
		out.EndTS = &end
	}
	return out
}

func modelsToSessions(rows []model.BotSessionModel) []BotSession {
	out := make([]BotSession, 0, len(rows))
	for _, r := range rows {
		out = append(out, modelToSession(r))
	}
	return out
}
