package app

import (
	"context"
	"fmt"

	"botfleet/internal/bandit"
	brcfg "botfleet/internal/config"
	"botfleet/internal/logger"
	"botfleet/internal/quota"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"
	adminhttp "botfleet/internal/transport/http/admin"
)

type AppBuilder struct {
	cfg        *brcfg.Config
	configPath string

	storeFn    func(context.Context, store.Options) (*store.DB, error)
	launcherFn func(brcfg.SupervisorConfig) supervisor.Launcher
}

type AppBuilderOption func(*AppBuilder)

// WithLauncher replaces the exec launcher, e.g. with an in-process fake.
func WithLauncher(l supervisor.Launcher) AppBuilderOption {
	return func(b *AppBuilder) {
		b.launcherFn = func(brcfg.SupervisorConfig) supervisor.Launcher { return l }
	}
}

func NewAppBuilder(cfg *brcfg.Config, configPath string, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		configPath: configPath,
		storeFn:    store.Open,
		launcherFn: buildLauncher,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildLauncher(cfg brcfg.SupervisorConfig) supervisor.Launcher {
	return &supervisor.ExecLauncher{Bin: cfg.WorkerBin}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	db, err := b.storeFn(ctx, store.OptionsFromConfig(cfg.Store))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	history := bandit.NewHistoryBatcher(db.Engine, cfg.History.BatchSize, cfg.History.FlushInterval)
	sessions := store.NewSessions(db.Engine, db.Reader)
	trades := store.NewTrades(db.Engine, db.Reader)
	ledger := quota.NewLedger(db.Engine, db.Reader)
	banditEngine := bandit.New(db.Engine, db.Reader, history)

	sup := supervisor.New(
		supervisor.OptionsFromConfig(cfg.Supervisor, cfg.Worker, b.configPath),
		b.launcherFn(cfg.Supervisor),
		sessions,
		ledger,
	)

	api := &adminhttp.Router{
		Fleet:         sup,
		Engine:        db.Engine,
		Sessions:      sessions,
		Trades:        trades,
		Bandit:        banditEngine,
		Ledger:        ledger,
		DefaultDryRun: cfg.Worker.DryRun,
	}
	srv, err := adminhttp.NewServer(adminhttp.ServerConfig{Addr: cfg.App.HTTPAddr, API: api})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		configPath: b.configPath,
		db:         db,
		history:    history,
		bandit:     banditEngine,
		supervisor: sup,
		http:       srv,
		Summary:    newStartupSummary(cfg, b.configPath),
	}
	logger.Infof("app built (store=%s, worker=%s)", cfg.Store.Path, cfg.Supervisor.WorkerBin)
	return a, nil
}
