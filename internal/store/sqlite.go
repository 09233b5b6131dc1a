package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options 描述嵌入式存储的打开参数。
type Options struct {
	Path              string
	BusyTimeout       time.Duration
	Synchronous       string // OFF | NORMAL | FULL
	WALAutoCheckpoint int    // pages
	QueueSize         int
	ReadMaxConns      int

	// Dial opens the writer connection; nil uses openWriter. Tests swap it
	// to simulate an unreachable store.
	Dial func(Options) (*gorm.DB, error)
}

// OptionsFromConfig maps the store section onto Options.
func OptionsFromConfig(c config.StoreConfig) Options {
	return Options{
		Path:              c.Path,
		BusyTimeout:       time.Duration(c.BusyTimeoutMS) * time.Millisecond,
		Synchronous:       c.Synchronous,
		WALAutoCheckpoint: c.WALAutoCheckpoint,
		QueueSize:         c.QueueSize,
		ReadMaxConns:      c.ReadMaxConns,
	}
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	o.Synchronous = strings.ToUpper(strings.TrimSpace(o.Synchronous))
	if o.Synchronous == "" {
		o.Synchronous = "NORMAL"
	}
	if o.WALAutoCheckpoint <= 0 {
		o.WALAutoCheckpoint = 1000
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.ReadMaxConns <= 0 {
		o.ReadMaxConns = 4
	}
	if o.Dial == nil {
		o.Dial = openWriter
	}
	return o
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// openWriter opens the only connection allowed to mutate the store: one
// pooled connection, WAL journaling, relaxed sync, bounded auto-checkpoint.
func openWriter(o Options) (*gorm.DB, error) {
	path := strings.TrimSpace(o.Path)
	if path == "" {
		return nil, fmt.Errorf("store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=%s&_txlock=immediate",
		path, o.BusyTimeout.Milliseconds(), o.Synchronous)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA synchronous=%s", o.Synchronous),
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d", o.WALAutoCheckpoint),
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if err := db.Exec(p).Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	var mode string
	if err := db.Raw("PRAGMA journal_mode").Scan(&mode).Error; err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if !strings.EqualFold(mode, "wal") {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: journal_mode is %q, want wal", mode)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Reader is a pool of short-lived, query-only connections. Reads are not
// ordered relative to the write queue.
type Reader struct {
	db *gorm.DB
}

// OpenReader opens the read pool. The writer must have migrated the schema first.
func OpenReader(o Options) (*Reader, error) {
	o = o.withDefaults()
	path := strings.TrimSpace(o.Path)
	if path == "" {
		return nil, fmt.Errorf("store: 数据库路径不能为空")
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_query_only=true", path, o.BusyTimeout.Milliseconds())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(o.ReadMaxConns)
	sqlDB.SetMaxIdleConns(o.ReadMaxConns)
	sqlDB.SetConnMaxIdleTime(time.Minute)
	return &Reader{db: db}, nil
}

// DB returns a context-bound read handle.
func (r *Reader) DB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB bundles the write engine with the read pool.
type DB struct {
	Engine *Engine
	Reader *Reader
}

// Open starts the write engine, waits for the writer connection, then opens
// the read pool.
func Open(ctx context.Context, o Options) (*DB, error) {
	eng := NewEngine(o)
	if err := eng.Ready(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	rd, err := OpenReader(o)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	return &DB{Engine: eng, Reader: rd}, nil
}

// Close drains the write queue, then closes both handles.
func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	var firstErr error
	if d.Engine != nil {
		if err := d.Engine.Close(); err != nil {
			firstErr = err
		}
	}
	if d.Reader != nil {
		if err := d.Reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
