package bandit

import (
	"context"
	"errors"
	"sync"
	"time"

	"botfleet/internal/metrics"
	"botfleet/internal/store"
	"botfleet/internal/store/model"

	"gorm.io/gorm"
)

// ErrBatcherClosed is returned by Add after Close.
var ErrBatcherClosed = errors.New("history batcher closed")

// Sample is one reward observation kept for later analysis.
type Sample struct {
	Timestamp  time.Time
	Symbol     string
	ParamName  string
	ParamValue float64
	Reward     float64
}

// HistoryBatcher buffers reward samples in memory and persists them as one
// batched write task once the buffer reaches batchSize or every interval,
// whichever comes first. Buffered samples are not durable until flushed.
type HistoryBatcher struct {
	eng       *store.Engine
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	buf     []Sample
	closed  bool
	started bool

	stopCh   chan struct{}
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func NewHistoryBatcher(eng *store.Engine, batchSize int, interval time.Duration) *HistoryBatcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &HistoryBatcher{
		eng:       eng,
		batchSize: batchSize,
		interval:  interval,
		buf:       make([]Sample, 0, batchSize),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Start launches the interval ticker.
func (b *HistoryBatcher) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	go b.tickLoop()
}

func (b *HistoryBatcher) tickLoop() {
	defer close(b.loopDone)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.flushLocked(context.Background())
			b.mu.Unlock()
		case <-b.stopCh:
			return
		}
	}
}

// Add buffers s and submits a batch when the buffer is full. It never waits
// for the batch to commit.
func (b *HistoryBatcher) Add(ctx context.Context, s Sample) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBatcherClosed
	}
	b.buf = append(b.buf, s)
	if len(b.buf) >= b.batchSize {
		b.flushLocked(ctx)
	}
	return nil
}

// Pending reports how many samples are buffered.
func (b *HistoryBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Flush submits whatever is buffered and waits for it to commit.
func (b *HistoryBatcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	fut := b.flushLocked(ctx)
	b.mu.Unlock()
	if fut == nil {
		return nil
	}
	return fut.Err(ctx)
}

// flushLocked swaps the buffer out and submits it; b.mu must be held so
// batches enter the write queue in the order they were filled. The batch
// has already left the buffer, so its submission must not inherit the
// caller's cancellation.
func (b *HistoryBatcher) flushLocked(ctx context.Context) *store.Future {
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = make([]Sample, 0, b.batchSize)

	rows := make([]model.BanditHistoryModel, 0, len(batch))
	for _, s := range batch {
		rows = append(rows, model.BanditHistoryModel{
			Timestamp:  s.Timestamp.UnixMilli(),
			Symbol:     s.Symbol,
			ParamName:  s.ParamName,
			ParamValue: s.ParamValue,
			Reward:     s.Reward,
		})
	}
	fut := b.eng.Submit(context.WithoutCancel(ctx), "bandit.history.flush", func(tx *gorm.DB) (any, error) {
		return len(rows), tx.CreateInBatches(&rows, 200).Error
	})
	b.inflight.Add(1)
	go func(n int) {
		defer b.inflight.Done()
		if err := fut.Err(context.Background()); err != nil {
			log.Warnf("history flush of %d samples failed: %v", n, err)
			return
		}
		metrics.HistoryRowsFlushed.Add(float64(n))
	}(len(rows))
	return fut
}

// Close stops the ticker and synchronously drains the buffer so no sample
// accepted by Add is dropped.
func (b *HistoryBatcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	close(b.stopCh)
	if started {
		<-b.loopDone
	}

	b.mu.Lock()
	fut := b.flushLocked(ctx)
	b.mu.Unlock()
	var err error
	if fut != nil {
		err = fut.Err(context.WithoutCancel(ctx))
	}
	b.inflight.Wait()
	return err
}
