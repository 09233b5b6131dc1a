// Package worker is the one-shot bot runtime started by the supervisor: it
// claims quota for its position, walks the take-profit ladder with a
// bandit-chosen stop-loss, reports the outcome as reward and exits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfleet/internal/bandit"
	"botfleet/internal/logger"
	"botfleet/internal/pkg/symbol"
	"botfleet/internal/pkg/trading"
	"botfleet/internal/quota"
	"botfleet/internal/store"
)

// StopLossParam is the bandit parameter name the worker learns.
const StopLossParam = "stop_loss_pct"

// Exit codes of the botworker binary.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

// Executor places orders for non-dry-run workers. botworker ships without
// one, so live runs must inject it.
type Executor interface {
	Execute(ctx context.Context, botID, sym, side string, qty, price float64) error
}

type Deps struct {
	Bandit   *bandit.Engine
	Ledger   *quota.Ledger
	Trades   *store.Trades
	Feed     PriceFeed
	Executor Executor

	Epsilon            float64
	StopLossCandidates []float64
	MaxRuntime         time.Duration
}

// Result summarises one trading cycle.
type Result struct {
	BotID       string
	Reason      string
	StopLossPct float64
	RealizedPct float64
	Fills       int
	Rewarded    bool
}

type runner struct {
	args  Args
	deps  Deps
	log   logger.Component
	asset string
	pos   *trading.Position
	fills []*store.Future
}

// Run executes one cycle. Cancelling ctx (SIGINT from the supervisor)
// closes the position at the last price without rewarding the bandit.
func Run(ctx context.Context, args Args, deps Deps) (Result, error) {
	if err := args.Validate(); err != nil {
		return Result{}, err
	}
	if !args.DryRun && deps.Executor == nil {
		return Result{}, fmt.Errorf("%w: live trading needs an order executor; use --dry-run", ErrInvalidArgs)
	}
	if len(deps.StopLossCandidates) == 0 {
		return Result{}, fmt.Errorf("%w: no stop-loss candidates configured", ErrInvalidArgs)
	}
	r := &runner{
		args:  args,
		deps:  deps,
		log:   logger.With("worker/" + args.BotID),
		asset: symbol.Parse(args.Symbol).Base,
	}
	return r.run(ctx)
}

func (r *runner) run(ctx context.Context) (Result, error) {
	res := Result{BotID: r.args.BotID}

	entry := r.args.EntryPrice
	if entry <= 0 {
		p, err := r.deps.Feed.Price(ctx, r.args.Symbol)
		if err != nil {
			return res, fmt.Errorf("entry price: %w", err)
		}
		entry = p
	}
	size := r.args.Size
	if size <= 0 {
		size = r.args.Funds / entry
	}

	if err := r.claim(ctx, size, entry); err != nil {
		return res, err
	}
	// the supervisor releases again on exit; this covers clean exits
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Retry(rctx, 3, func() error { return r.deps.Ledger.Release(rctx, r.args.BotID) }); err != nil {
			r.log.Errorf("release quota: %v", err)
		}
	}()

	sl, err := r.deps.Bandit.Choose(ctx, r.args.Symbol, StopLossParam, r.deps.StopLossCandidates, r.deps.Epsilon)
	if err != nil {
		return res, fmt.Errorf("choose stop-loss: %w", err)
	}
	res.StopLossPct = sl
	r.pos = trading.NewPosition(r.args.Mode == ModeShort, entry, size, r.args.Targets)
	r.log.Infof("entered %s %s size=%.8f @ %.8f stop_loss=%.2f%% targets=%d",
		r.args.Mode, r.args.Symbol, size, entry, sl, len(r.args.Targets))
	if err := r.record(ctx, r.entrySide(), size, entry, "entry"); err != nil {
		return res, err
	}

	res.Reason, err = r.loop(ctx, sl)
	res.Fills = len(r.fills)
	res.RealizedPct = r.pos.RealizedPct()
	if werr := r.waitFills(); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return res, err
	}

	if res.Reason != "interrupted" {
		uctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.deps.Bandit.Update(uctx, r.args.Symbol, StopLossParam, sl, res.RealizedPct); err != nil {
			return res, fmt.Errorf("bandit update: %w", err)
		}
		res.Rewarded = true
	}
	r.log.Infof("cycle done: reason=%s realized=%.4f%% fills=%d", res.Reason, res.RealizedPct, res.Fills)
	return res, nil
}

// claim reserves the position against funds when funds are given, otherwise
// records it unconditionally.
func (r *runner) claim(ctx context.Context, size, entry float64) error {
	var err error
	if r.args.Funds > 0 {
		err = r.deps.Ledger.Reserve(ctx, r.args.BotID, r.args.Symbol, r.asset, size, entry, r.args.Funds/entry)
	} else {
		err = r.deps.Ledger.Allocate(ctx, r.args.BotID, r.args.Symbol, r.asset, size, entry)
	}
	if err != nil {
		return fmt.Errorf("claim quota: %w", err)
	}
	return nil
}

func (r *runner) loop(ctx context.Context, sl float64) (string, error) {
	ticker := time.NewTicker(r.args.Interval)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if r.deps.MaxRuntime > 0 {
		t := time.NewTimer(r.deps.MaxRuntime)
		defer t.Stop()
		deadline = t.C
	}

	last := r.pos.Entry
	for {
		select {
		case <-ctx.Done():
			return "interrupted", r.closeAll(last, "interrupted")
		case <-deadline:
			return "max_runtime", r.closeAll(last, "max_runtime")
		case <-ticker.C:
		}
		price, err := r.deps.Feed.Price(ctx, r.args.Symbol)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.log.Warnf("price: %v", err)
			continue
		}
		last = price
		for _, f := range r.pos.Observe(price, sl) {
			if err := r.record(ctx, r.exitSide(), f.Qty, f.Price, f.Reason); err != nil {
				return f.Reason, err
			}
			if f.Reason == "stop_loss" {
				return "stop_loss", nil
			}
		}
		if r.pos.Done() {
			return "targets", nil
		}
	}
}

func (r *runner) closeAll(price float64, reason string) error {
	f := r.pos.Close(price, reason)
	if f == nil {
		return nil
	}
	// ctx is already done here
	return r.record(context.Background(), r.exitSide(), f.Qty, f.Price, f.Reason)
}

func (r *runner) entrySide() string {
	if r.args.Mode == ModeShort {
		return "sell"
	}
	return "buy"
}

func (r *runner) exitSide() string {
	if r.args.Mode == ModeShort {
		return "buy"
	}
	return "sell"
}

func (r *runner) record(ctx context.Context, side string, qty, price float64, reason string) error {
	if !r.args.DryRun {
		if err := r.deps.Executor.Execute(ctx, r.args.BotID, r.args.Symbol, side, qty, price); err != nil {
			return fmt.Errorf("execute %s %s: %w", side, reason, err)
		}
	}
	r.fills = append(r.fills, r.deps.Trades.Append(ctx, store.TradeLog{
		BotID:     r.args.BotID,
		Symbol:    r.args.Symbol,
		Side:      side,
		Price:     price,
		Qty:       qty,
		Reason:    reason,
		Timestamp: time.Now(),
	}))
	return nil
}

// waitFills waits for every trade log write; they are submitted without
// blocking the price loop.
func (r *runner) waitFills() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	for _, f := range r.fills {
		if err := f.Err(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
