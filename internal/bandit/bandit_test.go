package bandit

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botfleet/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "bandit.db"), QueueSize: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *HistoryBatcher, *store.DB) {
	t.Helper()
	db := openStore(t)
	hb := NewHistoryBatcher(db.Engine, 100, time.Hour)
	t.Cleanup(func() { _ = hb.Close(context.Background()) })
	return New(db.Engine, db.Reader, hb, opts...), hb, db
}

func TestChooseRejectsInvalidInput(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Choose(ctx, "BTC-USDT", "stop_loss_pct", nil, 0.1)
	assert.ErrorIs(t, err, ErrNoCandidates)

	_, err = e.Choose(ctx, "BTC-USDT", "stop_loss_pct", []float64{1}, 1.5)
	assert.ErrorIs(t, err, ErrInvalidEpsilon)

	_, err = e.Choose(ctx, "", "stop_loss_pct", []float64{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidArm)
}

func TestChooseCreatesArmsAndPrefersFirstCandidateWhenUntried(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	v, err := e.Choose(ctx, "btc-usdt", "stop_loss_pct", []float64{0.5, 1.0, 2.0}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	stats, err := e.Stats(ctx, "BTC-USDT", "stop_loss_pct")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	for _, st := range stats {
		assert.Zero(t, st.N)
		assert.Zero(t, st.MeanReward)
	}
}

func TestChooseTieBreaksOnLowerSampleCount(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	cands := []float64{0.5, 1.0, 2.0}

	_, err := e.Choose(ctx, "ETH-USDT", "p", cands, 0)
	require.NoError(t, err)
	require.NoError(t, e.Update(ctx, "ETH-USDT", "p", 0.5, 0))

	// all means equal 0; 0.5 has n=1 so the untried 1.0 wins by order.
	v, err := e.Choose(ctx, "ETH-USDT", "p", cands, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestChooseConvergesOnBestArm(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	cands := []float64{0.5, 1.0, 2.0}

	for i := 0; i < 60; i++ {
		v, err := e.Choose(ctx, "BTC-USDT", "stop_loss_pct", cands, 0)
		require.NoError(t, err)
		reward := 0.0
		if v == 1.0 {
			reward = 1.0
		}
		require.NoError(t, e.Update(ctx, "BTC-USDT", "stop_loss_pct", v, reward))
	}
	for i := 0; i < 20; i++ {
		v, err := e.Choose(ctx, "BTC-USDT", "stop_loss_pct", cands, 0)
		require.NoError(t, err)
		assert.Equal(t, 1.0, v)
	}
}

func TestChooseExploresWithEpsilonOne(t *testing.T) {
	e, _, _ := newTestEngine(t, WithRand(rand.New(rand.NewSource(7))))
	ctx := context.Background()
	cands := []float64{0.5, 1.0, 2.0}
	require.NoError(t, e.Update(ctx, "BTC-USDT", "p", 2.0, 10))

	seen := map[float64]int{}
	for i := 0; i < 200; i++ {
		v, err := e.Choose(ctx, "BTC-USDT", "p", cands, 1)
		require.NoError(t, err)
		seen[v]++
	}
	assert.Len(t, seen, 3)
}

func TestUpdateKeepsIncrementalMean(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, r := range []float64{1, 2, 3, 4} {
		require.NoError(t, e.Update(ctx, "SOL-USDT", "p", 1.5, r))
	}
	stats, err := e.Stats(ctx, "SOL-USDT", "p")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 4, stats[0].N)
	assert.InDelta(t, 2.5, stats[0].MeanReward, 1e-9)
}

func TestUpdateRejectsNonFiniteReward(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, "SOL-USDT", "p", 1.5, 2))
	for _, r := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, e.Update(ctx, "SOL-USDT", "p", 1.5, r), ErrInvalidReward)
	}
	stats, err := e.Stats(ctx, "SOL-USDT", "p")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].N)
	assert.InDelta(t, 2.0, stats[0].MeanReward, 1e-9)

	v, err := e.Choose(ctx, "SOL-USDT", "p", []float64{1.5}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
}

func TestConcurrentUpdatesAreLinearized(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, e.Update(ctx, "BTC-USDT", "p", 1.0, 1))
			}
		}()
	}
	wg.Wait()

	stats, err := e.Stats(ctx, "BTC-USDT", "p")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 100, stats[0].N)
	assert.InDelta(t, 1.0, stats[0].MeanReward, 1e-9)
}

func TestUpdateSucceedsWhenHistoryIsClosed(t *testing.T) {
	e, hb, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, hb.Close(ctx))

	require.NoError(t, e.Update(ctx, "BTC-USDT", "p", 1.0, 0.5))
	stats, err := e.Stats(ctx, "BTC-USDT", "p")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].N)
}

func TestSymbolsAndHistory(t *testing.T) {
	e, hb, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Update(ctx, "ETH-USDT", "p", 1.0, 0.1))
	require.NoError(t, e.Update(ctx, "BTC-USDT", "p", 1.0, 0.2))
	require.NoError(t, e.Update(ctx, "BTC-USDT", "p", 2.0, 0.3))
	require.NoError(t, hb.Flush(ctx))

	syms, err := e.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, syms)

	hist, err := e.History(ctx, "BTC-USDT", "p", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 2.0, hist[0].Value)
	assert.InDelta(t, 0.3, hist[0].Reward, 1e-9)
}
