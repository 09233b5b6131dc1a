package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet/internal/bandit"
	brcfg "botfleet/internal/config"
	"botfleet/internal/logger"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"
	adminhttp "botfleet/internal/transport/http/admin"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：存储、写队列、supervisor、运维 HTTP 与维护任务。
type App struct {
	cfg        *brcfg.Config
	configPath string
	db         *store.DB
	history    *bandit.HistoryBatcher
	bandit     *bandit.Engine
	supervisor *supervisor.Supervisor
	http       *adminhttp.Server
	Summary    *StartupSummary

	closeOnce sync.Once
	closeErr  error
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *brcfg.Config, configPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, ConfigPath(configPath))
}

// Run 启动各后台任务，直到 ctx 取消；退出前停止所有 worker 并排空写队列。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.history.Start()
	a.watchConfig()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(gctx); err != nil {
			return fmt.Errorf("admin http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return a.supervisor.RunReconciler(gctx)
	})
	group.Go(func() error {
		return a.runCheckpoints(gctx)
	})

	err := group.Wait()
	if cerr := a.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// runCheckpoints periodically folds the WAL back into the database file.
// Failures are logged only.
func (a *App) runCheckpoints(ctx context.Context) error {
	interval := a.cfg.Store.CheckpointInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	mode, err := store.ParseCheckpointMode(a.cfg.Store.CheckpointMode)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if res, err := a.db.Engine.Checkpoint(ctx, mode); err == nil && res.Busy {
				logger.Debugf("checkpoint %s busy (%d/%d frames)", mode, res.Checkpointed, res.LogFrames)
			}
		}
	}
}

func (a *App) watchConfig() {
	if a.configPath == "" {
		return
	}
	w, err := brcfg.Watch(a.configPath, a.cfg)
	if err != nil {
		logger.Warnf("config hot reload disabled: %v", err)
		return
	}
	w.Subscribe(func(next *brcfg.Config) {
		if next.App.LogLevel != logger.Level() {
			logger.Infof("log level %s -> %s", logger.Level(), next.App.LogLevel)
			logger.SetLevel(next.App.LogLevel)
		}
	})
}

// Close stops every worker, drains the history buffer and the write queue,
// then closes the store. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var errs []error
		if err := a.supervisor.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
		if err := a.history.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
		if _, err := a.db.Engine.Checkpoint(ctx, store.CheckpointTruncate); err != nil {
			logger.Warnf("final checkpoint: %v", err)
		}
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		a.closeErr = errors.Join(errs...)
		logger.Infof("app stopped")
	})
	return a.closeErr
}

func (a *App) Supervisor() *supervisor.Supervisor {
	if a == nil {
		return nil
	}
	return a.supervisor
}

func (a *App) Store() *store.DB {
	if a == nil {
		return nil
	}
	return a.db
}
