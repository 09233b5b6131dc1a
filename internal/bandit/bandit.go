// Package bandit implements an epsilon-greedy multi-armed bandit over
// strategy parameters. Arm statistics live in the store and are only ever
// mutated through the write engine, so updates from concurrently running
// bots for the same arm are linearized.
package bandit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"botfleet/internal/logger"
	"botfleet/internal/store"
	"botfleet/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoCandidates   = errors.New("bandit: candidates must not be empty")
	ErrInvalidEpsilon = errors.New("bandit: epsilon must be within [0,1]")
	ErrInvalidArm     = errors.New("bandit: symbol and param name are required")
	ErrInvalidReward  = errors.New("bandit: reward must be a finite number")
)

var log = logger.With("bandit")

// ArmStat is the public view of one arm.
type ArmStat struct {
	Value      float64 `json:"value"`
	N          int64   `json:"n"`
	MeanReward float64 `json:"mean_reward"`
}

// HistoryPoint is one persisted reward sample.
type HistoryPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Reward    float64   `json:"reward"`
}

type Engine struct {
	eng     *store.Engine
	rd      *store.Reader
	history *HistoryBatcher

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Engine)

// WithRand fixes the exploration source, mainly for reproducible tests.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

func New(eng *store.Engine, rd *store.Reader, history *HistoryBatcher, opts ...Option) *Engine {
	e := &Engine{
		eng:     eng,
		rd:      rd,
		history: history,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func normalizeArm(symbol, param string) (string, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	param = strings.TrimSpace(param)
	if symbol == "" || param == "" {
		return "", "", ErrInvalidArm
	}
	return symbol, param, nil
}

func dedupe(candidates []float64) []float64 {
	seen := make(map[float64]struct{}, len(candidates))
	out := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Choose returns one of candidates. With probability epsilon it explores a
// uniformly random candidate; otherwise it exploits the highest mean reward,
// preferring the lower sample count on ties and then candidate order.
func (e *Engine) Choose(ctx context.Context, symbol, param string, candidates []float64, epsilon float64) (float64, error) {
	symbol, param, err := normalizeArm(symbol, param)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}
	if epsilon < 0 || epsilon > 1 {
		return 0, ErrInvalidEpsilon
	}
	candidates = dedupe(candidates)

	if err := e.ensureArms(ctx, symbol, param, candidates); err != nil {
		return 0, err
	}

	e.rngMu.Lock()
	explore := e.rng.Float64() < epsilon
	pick := 0
	if explore {
		pick = e.rng.Intn(len(candidates))
	}
	e.rngMu.Unlock()
	if explore {
		return candidates[pick], nil
	}

	stats, err := e.armsFor(ctx, symbol, param, candidates)
	if err != nil {
		return 0, err
	}
	return exploit(candidates, stats), nil
}

func exploit(candidates []float64, stats map[float64]ArmStat) float64 {
	best := candidates[0]
	bestStat := stats[best]
	for _, c := range candidates[1:] {
		st := stats[c]
		if st.MeanReward > bestStat.MeanReward ||
			(st.MeanReward == bestStat.MeanReward && st.N < bestStat.N) {
			best, bestStat = c, st
		}
	}
	return best
}

// ensureArms creates missing arms in one write task and waits for it, so the
// following read observes them.
func (e *Engine) ensureArms(ctx context.Context, symbol, param string, candidates []float64) error {
	now := time.Now().UnixMilli()
	rows := make([]model.BanditArmModel, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, model.BanditArmModel{Symbol: symbol, ParamName: param, ParamValue: c, UpdatedAt: now})
	}
	err := e.eng.Exec(ctx, "bandit.ensure_arms", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}, {Name: "param_name"}, {Name: "param_value"}},
			DoNothing: true,
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("bandit: ensure arms %s/%s: %w", symbol, param, err)
	}
	return nil
}

func (e *Engine) armsFor(ctx context.Context, symbol, param string, candidates []float64) (map[float64]ArmStat, error) {
	var rows []model.BanditArmModel
	err := e.rd.DB(ctx).
		Where("symbol = ? AND param_name = ? AND param_value IN ?", symbol, param, candidates).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[float64]ArmStat, len(rows))
	for _, r := range rows {
		out[r.ParamValue] = ArmStat{Value: r.ParamValue, N: r.N, MeanReward: r.MeanReward}
	}
	return out, nil
}

// Update folds reward into the arm's running mean as one read-modify-write
// task. The sample is also queued for the history batcher; batching failures
// are logged and never fail the update.
func (e *Engine) Update(ctx context.Context, symbol, param string, value, reward float64) error {
	symbol, param, err := normalizeArm(symbol, param)
	if err != nil {
		return err
	}
	// NaN 或 Inf 一旦进入均值就再也无法恢复
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		return ErrInvalidReward
	}
	now := time.Now()
	err = e.eng.Exec(ctx, "bandit.update", func(tx *gorm.DB) error {
		var arm model.BanditArmModel
		res := tx.Where("symbol = ? AND param_name = ? AND param_value = ?", symbol, param, value).Limit(1).Find(&arm)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			arm = model.BanditArmModel{Symbol: symbol, ParamName: param, ParamValue: value}
		}
		arm.MeanReward += (reward - arm.MeanReward) / float64(arm.N+1)
		arm.N++
		arm.UpdatedAt = now.UnixMilli()
		return tx.Save(&arm).Error
	})
	if err != nil {
		return fmt.Errorf("bandit: update %s/%s=%v: %w", symbol, param, value, err)
	}
	if e.history != nil {
		if herr := e.history.Add(ctx, Sample{
			Timestamp:  now,
			Symbol:     symbol,
			ParamName:  param,
			ParamValue: value,
			Reward:     reward,
		}); herr != nil {
			log.Warnf("history sample dropped for %s/%s: %v", symbol, param, herr)
		}
	}
	return nil
}

// Symbols lists every symbol with at least one arm.
func (e *Engine) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	err := e.rd.DB(ctx).Model(&model.BanditArmModel{}).Distinct("symbol").Order("symbol").Pluck("symbol", &out).Error
	return out, err
}

// Stats returns the arms of symbol/param ordered by value.
func (e *Engine) Stats(ctx context.Context, symbol, param string) ([]ArmStat, error) {
	symbol, param, err := normalizeArm(symbol, param)
	if err != nil {
		return nil, err
	}
	var rows []model.BanditArmModel
	if err := e.rd.DB(ctx).Where("symbol = ? AND param_name = ?", symbol, param).Order("param_value ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ArmStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, ArmStat{Value: r.ParamValue, N: r.N, MeanReward: r.MeanReward})
	}
	return out, nil
}

// History returns the newest persisted samples first.
func (e *Engine) History(ctx context.Context, symbol, param string, limit int) ([]HistoryPoint, error) {
	symbol, param, err := normalizeArm(symbol, param)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	var rows []model.BanditHistoryModel
	err = e.rd.DB(ctx).
		Where("symbol = ? AND param_name = ?", symbol, param).
		Order("ts DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]HistoryPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryPoint{Timestamp: time.UnixMilli(r.Timestamp), Value: r.ParamValue, Reward: r.Reward})
	}
	return out, nil
}
