package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{Path: filepath.Join(t.TempDir(), "botfleet.db"), QueueSize: 64}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, testOptions(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createCounter(t *testing.T, eng *Engine) {
	t.Helper()
	err := eng.Exec(context.Background(), "counter.create", func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE TABLE IF NOT EXISTS counter (id INTEGER PRIMARY KEY, v INTEGER NOT NULL)").Error; err != nil {
			return err
		}
		return tx.Exec("INSERT OR IGNORE INTO counter (id, v) VALUES (1, 0)").Error
	})
	require.NoError(t, err)
}

func incrementAndRead(tx *gorm.DB) (any, error) {
	if err := tx.Exec("UPDATE counter SET v = v + 1 WHERE id = 1").Error; err != nil {
		return nil, err
	}
	var v int
	if err := tx.Raw("SELECT v FROM counter WHERE id = 1").Scan(&v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

func TestEngineAppliesTasksInSubmissionOrder(t *testing.T) {
	db := openTestDB(t)
	createCounter(t, db.Engine)
	ctx := context.Background()

	const n = 200
	futs := make([]*Future, n)
	for i := range futs {
		futs[i] = db.Engine.Submit(ctx, "counter.inc", incrementAndRead)
	}
	for i, f := range futs {
		v, err := f.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, v)
	}
}

func TestEngineLinearizesConcurrentCallers(t *testing.T) {
	db := openTestDB(t)
	createCounter(t, db.Engine)
	ctx := context.Background()

	var wg sync.WaitGroup
	seen := make(chan int, 400)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				v, err := Do(ctx, db.Engine, "counter.inc", func(tx *gorm.DB) (int, error) {
					val, err := incrementAndRead(tx)
					if err != nil {
						return 0, err
					}
					return val.(int), nil
				})
				if err == nil {
					seen <- v
				}
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int]struct{})
	for v := range seen {
		unique[v] = struct{}{}
	}
	assert.Len(t, unique, 400)
	for i := 1; i <= 400; i++ {
		assert.Contains(t, unique, i)
	}
}

func TestEngineTaskErrorRollsBack(t *testing.T) {
	db := openTestDB(t)
	createCounter(t, db.Engine)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := db.Engine.Submit(ctx, "counter.fail", func(tx *gorm.DB) (any, error) {
		if _, err := incrementAndRead(tx); err != nil {
			return nil, err
		}
		return nil, boom
	}).Wait(ctx)
	require.ErrorIs(t, err, boom)

	var v int
	require.NoError(t, db.Reader.DB(ctx).Raw("SELECT v FROM counter WHERE id = 1").Scan(&v).Error)
	assert.Equal(t, 0, v)

	// the engine keeps serving after a task error
	v2, err := db.Engine.Submit(ctx, "counter.inc", incrementAndRead).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v2)
}

func TestEngineRecoversFromTaskPanic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Engine.Submit(ctx, "panics", func(tx *gorm.DB) (any, error) {
		panic("bad task")
	}).Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	_, err = db.Engine.Checkpoint(ctx, CheckpointPassive)
	assert.NoError(t, err)
}

func TestEngineDrainsQueueOnClose(t *testing.T) {
	opts := testOptions(t)
	opts.QueueSize = 2048
	ctx := context.Background()
	db, err := Open(ctx, opts)
	require.NoError(t, err)
	createCounter(t, db.Engine)

	const n = 1000
	futs := make([]*Future, 0, n)
	for i := 0; i < n; i++ {
		futs = append(futs, db.Engine.Submit(ctx, "counter.inc", incrementAndRead))
	}
	require.NoError(t, db.Engine.Close())

	for _, f := range futs {
		select {
		case <-f.Done():
		default:
			t.Fatal("future still pending after Close returned")
		}
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}

	var v int
	require.NoError(t, db.Reader.DB(ctx).Raw("SELECT v FROM counter WHERE id = 1").Scan(&v).Error)
	assert.Equal(t, n, v)
	require.NoError(t, db.Reader.Close())

	_, err = db.Engine.Submit(ctx, "late", incrementAndRead).Wait(ctx)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineFailsFastWhenWriterCannotOpen(t *testing.T) {
	opts := testOptions(t)
	opts.Dial = func(Options) (*gorm.DB, error) { return nil, errors.New("disk gone") }
	eng := NewEngine(opts)
	defer eng.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := eng.Ready(ctx)
	require.ErrorIs(t, err, ErrEngineFailed)
	assert.ErrorIs(t, eng.Err(), ErrEngineFailed)

	_, err = eng.Submit(ctx, "x", incrementAndRead).Wait(ctx)
	assert.ErrorIs(t, err, ErrEngineFailed)
}

func TestEngineFailsWhenConnectionCannotBeReestablished(t *testing.T) {
	opts := testOptions(t)
	var dials int32
	opts.Dial = func(o Options) (*gorm.DB, error) {
		if atomic.AddInt32(&dials, 1) > 1 {
			return nil, errors.New("store unreachable")
		}
		return openWriter(o)
	}
	eng := NewEngine(opts)
	defer eng.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, eng.Ready(ctx))

	sqlDB, err := eng.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = eng.Submit(ctx, "after-loss", incrementAndRead).Wait(ctx)
	require.ErrorIs(t, err, ErrEngineFailed)

	// later submissions are rejected without being queued
	fut := eng.Submit(ctx, "rejected", incrementAndRead)
	select {
	case <-fut.Done():
	case <-time.After(time.Second):
		t.Fatal("submission after failure should resolve immediately")
	}
	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrEngineFailed)
}

func TestEngineUsesWALJournal(t *testing.T) {
	db := openTestDB(t)
	var mode string
	require.NoError(t, db.Reader.DB(context.Background()).Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)
}

func TestCheckpointModes(t *testing.T) {
	db := openTestDB(t)
	createCounter(t, db.Engine)
	ctx := context.Background()

	for _, raw := range []string{"passive", "FULL", "restart", ""} {
		mode, err := ParseCheckpointMode(raw)
		require.NoError(t, err)
		res, err := db.Engine.Checkpoint(ctx, mode)
		require.NoError(t, err)
		assert.Equal(t, mode, res.Mode)
	}
	_, err := ParseCheckpointMode("sideways")
	assert.Error(t, err)
}

func TestRetryOnlyRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	calls := 0
	err := Retry(ctx, 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	perm := errors.New("constraint failed")
	err = Retry(ctx, 5, func() error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}
