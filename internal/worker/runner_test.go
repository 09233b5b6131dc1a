package worker

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botfleet/internal/bandit"
	"botfleet/internal/pkg/targets"
	"botfleet/internal/quota"
	"botfleet/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptFeed replays prices and then repeats the last one.
type scriptFeed struct {
	mu     sync.Mutex
	prices []float64
}

func (f *scriptFeed) Price(ctx context.Context, _ string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.prices[0]
	if len(f.prices) > 1 {
		f.prices = f.prices[1:]
	}
	return p, nil
}

type env struct {
	deps   Deps
	bandit *bandit.Engine
	ledger *quota.Ledger
	trades *store.Trades
}

func newEnv(t *testing.T, prices ...float64) *env {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "worker.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		bandit: bandit.New(db.Engine, db.Reader, nil),
		ledger: quota.NewLedger(db.Engine, db.Reader),
		trades: store.NewTrades(db.Engine, db.Reader),
	}
	e.deps = Deps{
		Bandit:             e.bandit,
		Ledger:             e.ledger,
		Trades:             e.trades,
		Feed:               &scriptFeed{prices: prices},
		StopLossCandidates: []float64{1, 2, 3},
		MaxRuntime:         5 * time.Second,
	}
	return e
}

func testArgs() Args {
	return Args{
		BotID:      "bot-test",
		Symbol:     "BTC-USDT",
		EntryPrice: 100,
		Mode:       ModeLong,
		Targets:    []targets.Target{{Threshold: 0.01, Fraction: 0.5}, {Threshold: 0.02, Fraction: 0.5}},
		Interval:   time.Millisecond,
		Size:       2,
		DryRun:     true,
	}
}

func TestRunWalksTargetsAndRewards(t *testing.T) {
	e := newEnv(t, 100.5, 101, 102.5)
	ctx := context.Background()

	res, err := Run(ctx, testArgs(), e.deps)
	require.NoError(t, err)
	assert.Equal(t, "targets", res.Reason)
	assert.Equal(t, 1.0, res.StopLossPct)
	assert.InDelta(t, 1.75, res.RealizedPct, 1e-9)
	assert.True(t, res.Rewarded)
	assert.Equal(t, 3, res.Fills)

	stats, err := e.bandit.Stats(ctx, "BTC-USDT", StopLossParam)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.EqualValues(t, 1, stats[0].N)
	assert.InDelta(t, 1.75, stats[0].MeanReward, 1e-9)

	qty, err := e.ledger.AllocatedQty(ctx, "BTC")
	require.NoError(t, err)
	assert.Zero(t, qty)
	rec, err := e.ledger.Get(ctx, "bot-test")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2.0, rec.Qty)

	fills, err := e.trades.ListByBot(ctx, "bot-test", 10)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.Equal(t, "buy", fills[0].Side)
	assert.Equal(t, "target_2", fills[2].Reason)
}

func TestRunStopsOut(t *testing.T) {
	e := newEnv(t, 98)

	res, err := Run(context.Background(), testArgs(), e.deps)
	require.NoError(t, err)
	assert.Equal(t, "stop_loss", res.Reason)
	assert.InDelta(t, -2.0, res.RealizedPct, 1e-9)
	assert.True(t, res.Rewarded)
}

func TestRunInterruptedSkipsReward(t *testing.T) {
	e := newEnv(t, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, testArgs(), e.deps)
	require.NoError(t, err)
	assert.Equal(t, "interrupted", res.Reason)
	assert.False(t, res.Rewarded)

	stats, err := e.bandit.Stats(context.Background(), "BTC-USDT", StopLossParam)
	require.NoError(t, err)
	for _, st := range stats {
		assert.Zero(t, st.N)
	}
	qty, err := e.ledger.AllocatedQty(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Zero(t, qty)
}

func TestRunRefusesWhenFundsAlreadyClaimed(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	require.NoError(t, e.ledger.Allocate(ctx, "bot-other", "BTC-USDT", "BTC", 0.9, 100))

	args := testArgs()
	args.Size = 0.5
	args.Funds = 100
	_, err := Run(ctx, args, e.deps)
	assert.ErrorIs(t, err, quota.ErrInsufficientBalance)
}

func TestRunNeedsExecutorForLiveTrading(t *testing.T) {
	e := newEnv(t, 100)
	args := testArgs()
	args.DryRun = false
	_, err := Run(context.Background(), args, e.deps)
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestArgsRoundTrip(t *testing.T) {
	in := testArgs()
	in.Funds = 250
	in.ConfigPath = "configs/config.yaml"
	out, err := ParseArgs(in.Argv())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ParseArgs([]string{"--bot-id", "x", "--symbol", "BTC-USDT", "--size", "1", "--mode", "sideways"})
	assert.ErrorIs(t, err, ErrInvalidArgs)
	_, err = ParseArgs([]string{"--symbol", "BTC-USDT", "--size", "1"})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}
