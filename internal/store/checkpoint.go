package store

import (
	"context"
	"fmt"
	"strings"

	"botfleet/internal/metrics"

	"gorm.io/gorm"
)

type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointFull     CheckpointMode = "FULL"
	CheckpointRestart  CheckpointMode = "RESTART"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// ParseCheckpointMode accepts the mode names case-insensitively; empty means PASSIVE.
func ParseCheckpointMode(s string) (CheckpointMode, error) {
	switch CheckpointMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", CheckpointPassive:
		return CheckpointPassive, nil
	case CheckpointFull:
		return CheckpointFull, nil
	case CheckpointRestart:
		return CheckpointRestart, nil
	case CheckpointTruncate:
		return CheckpointTruncate, nil
	default:
		return "", fmt.Errorf("unknown checkpoint mode %q", s)
	}
}

// CheckpointResult mirrors the row returned by PRAGMA wal_checkpoint.
type CheckpointResult struct {
	Mode         CheckpointMode `json:"mode"`
	Busy         bool           `json:"busy"`
	LogFrames    int            `json:"log_frames"`
	Checkpointed int            `json:"checkpointed_frames"`
}

// Checkpoint folds the WAL back into the main database file. It runs on the
// writer connection, ordered with the other tasks. Failures are logged and
// returned; they never put the engine into the failed state.
func (e *Engine) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	if mode == "" {
		mode = CheckpointPassive
	}
	stmt := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)
	val, err := e.SubmitRaw(ctx, "checkpoint", func(db *gorm.DB) (any, error) {
		var busy, logFrames, ckpt int
		row := db.Raw(stmt).Row()
		if err := row.Scan(&busy, &logFrames, &ckpt); err != nil {
			return nil, err
		}
		return CheckpointResult{Mode: mode, Busy: busy != 0, LogFrames: logFrames, Checkpointed: ckpt}, nil
	}).Wait(ctx)
	if err != nil {
		metrics.Checkpoints.WithLabelValues(string(mode), "error").Inc()
		log.Warnf("checkpoint(%s) failed: %v", mode, err)
		return CheckpointResult{Mode: mode}, err
	}
	res := val.(CheckpointResult)
	metrics.Checkpoints.WithLabelValues(string(mode), "ok").Inc()
	if res.Busy {
		log.Warnf("checkpoint(%s) could not complete: busy (log=%d, checkpointed=%d)", mode, res.LogFrames, res.Checkpointed)
	} else {
		log.Debugf("checkpoint(%s) done (log=%d, checkpointed=%d)", mode, res.LogFrames, res.Checkpointed)
	}
	return res, nil
}
