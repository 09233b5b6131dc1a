package bandit

import (
	"context"
	"testing"
	"time"

	"botfleet/internal/store"
	"botfleet/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countHistory(t *testing.T, db *store.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Reader.DB(context.Background()).Model(&model.BanditHistoryModel{}).Count(&n).Error)
	return n
}

func sample(i int) Sample {
	return Sample{Symbol: "BTC-USDT", ParamName: "p", ParamValue: 1, Reward: float64(i)}
}

func TestHistoryBatcherFlushesAtThreshold(t *testing.T) {
	db := openStore(t)
	hb := NewHistoryBatcher(db.Engine, 10, time.Hour)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		require.NoError(t, hb.Add(ctx, sample(i)))
	}
	assert.Equal(t, 9, hb.Pending())
	assert.Zero(t, countHistory(t, db))

	require.NoError(t, hb.Add(ctx, sample(9)))
	assert.Zero(t, hb.Pending())
	assert.Eventually(t, func() bool { return countHistory(t, db) == 10 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, hb.Close(ctx))
}

func TestHistoryBatcherFlushesOnInterval(t *testing.T) {
	db := openStore(t)
	hb := NewHistoryBatcher(db.Engine, 1000, 50*time.Millisecond)
	hb.Start()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, hb.Add(ctx, sample(i)))
	}
	assert.Eventually(t, func() bool { return countHistory(t, db) == 3 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, hb.Close(ctx))
}

func TestHistoryBatcherDrainsOnClose(t *testing.T) {
	db := openStore(t)
	hb := NewHistoryBatcher(db.Engine, 1000, time.Hour)
	hb.Start()
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, hb.Add(ctx, sample(i)))
	}
	require.NoError(t, hb.Close(ctx))
	assert.EqualValues(t, 250, countHistory(t, db))

	assert.ErrorIs(t, hb.Add(ctx, sample(0)), ErrBatcherClosed)
	require.NoError(t, hb.Close(ctx))
}

func TestHistoryBatcherCloseWithCancelledContextKeepsSamples(t *testing.T) {
	db := openStore(t)
	hb := NewHistoryBatcher(db.Engine, 1000, time.Hour)
	hb.Start()

	for i := 0; i < 7; i++ {
		require.NoError(t, hb.Add(context.Background(), sample(i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, hb.Close(ctx))
	assert.EqualValues(t, 7, countHistory(t, db))
	assert.Zero(t, hb.Pending())
}
