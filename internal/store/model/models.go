package model

import (
	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
)

type QuotaStatus string

const (
	QuotaAllocated QuotaStatus = "allocated"
	QuotaReleased  QuotaStatus = "released"
)

// BotSessionModel is one worker generation. Rows are never deleted.
type BotSessionModel struct {
	ID         string         `gorm:"column:id;primaryKey"`
	PID        *int           `gorm:"column:pid"`
	Symbol     string         `gorm:"column:symbol;index"`
	Mode       string         `gorm:"column:mode"`
	EntryPrice float64        `gorm:"column:entry_price"`
	Targets    datatypes.JSON `gorm:"column:targets;type:TEXT"`
	Continuous bool           `gorm:"column:continuous"`
	GroupID    string         `gorm:"column:group_id;index"`
	Generation int            `gorm:"column:generation"`
	StartTS    int64          `gorm:"column:start_ts"`
	EndTS      *int64         `gorm:"column:end_ts"`
	ExitReason string         `gorm:"column:exit_reason"`
	Status     SessionStatus  `gorm:"column:status;index"`
}

func (BotSessionModel) TableName() string { return "bot_sessions" }

type BanditArmModel struct {
	ID         int64   `gorm:"column:id;primaryKey"`
	Symbol     string  `gorm:"column:symbol;uniqueIndex:idx_bandit_arm,priority:1"`
	ParamName  string  `gorm:"column:param_name;uniqueIndex:idx_bandit_arm,priority:2"`
	ParamValue float64 `gorm:"column:param_value;uniqueIndex:idx_bandit_arm,priority:3"`
	N          int64   `gorm:"column:n"`
	MeanReward float64 `gorm:"column:mean_reward"`
	UpdatedAt  int64   `gorm:"column:updated_at"`
}

func (BanditArmModel) TableName() string { return "bandit_arms" }

type BanditHistoryModel struct {
	ID         int64   `gorm:"column:id;primaryKey"`
	Timestamp  int64   `gorm:"column:ts;index:idx_bandit_history,priority:3"`
	Symbol     string  `gorm:"column:symbol;index:idx_bandit_history,priority:1"`
	ParamName  string  `gorm:"column:param_name;index:idx_bandit_history,priority:2"`
	ParamValue float64 `gorm:"column:param_value"`
	Reward     float64 `gorm:"column:reward"`
}

func (BanditHistoryModel) TableName() string { return "bandit_history" }

type QuotaRecordModel struct {
	BotID       string      `gorm:"column:bot_id;primaryKey"`
	Symbol      string      `gorm:"column:symbol"`
	Asset       string      `gorm:"column:asset;index"`
	Qty         float64     `gorm:"column:qty"`
	EntryPrice  *float64    `gorm:"column:entry_price"`
	Status      QuotaStatus `gorm:"column:status;index"`
	AllocatedTS int64       `gorm:"column:allocated_ts"`
	ReleasedTS  *int64      `gorm:"column:released_ts"`
}

func (QuotaRecordModel) TableName() string { return "quota_ledger" }

// TradeLogModel maps to 'trade_logs' table.
type TradeLogModel struct {
	ID        int64   `gorm:"column:id;primaryKey"`
	BotID     string  `gorm:"column:bot_id;index"`
	Symbol    string  `gorm:"column:symbol"`
	Side      string  `gorm:"column:side"`
	Price     float64 `gorm:"column:price"`
	Qty       float64 `gorm:"column:qty"`
	Reason    string  `gorm:"column:reason"`
	Timestamp int64   `gorm:"column:ts"`
}

func (TradeLogModel) TableName() string { return "trade_logs" }

// All lists every model migrated by the write engine.
func All() []interface{} {
	return []interface{}{
		&BotSessionModel{},
		&BanditArmModel{},
		&BanditHistoryModel{},
		&QuotaRecordModel{},
		&TradeLogModel{},
	}
}
