package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botfleet/internal/bandit"
	"botfleet/internal/config"
	"botfleet/internal/logger"
	"botfleet/internal/quota"
	"botfleet/internal/store"
	"botfleet/internal/worker"

	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	args, err := worker.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "botworker: %v\n", err)
		return worker.ExitConfig
	}

	cfg := config.Default()
	if args.ConfigPath != "" {
		if cfg, err = config.Load(args.ConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "botworker: 读取配置失败: %v\n", err)
			return worker.ExitConfig
		}
	}
	logger.SetLevel(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := store.Open(openCtx, store.OptionsFromConfig(cfg.Store))
	cancel()
	if err != nil {
		logger.Errorf("open store: %v", err)
		return worker.ExitFailed
	}
	defer db.Close()

	history := bandit.NewHistoryBatcher(db.Engine, cfg.History.BatchSize, cfg.History.FlushInterval)
	history.Start()
	defer func() {
		if err := history.Close(context.Background()); err != nil {
			logger.Warnf("history drain: %v", err)
		}
	}()

	var feed worker.PriceFeed
	if cfg.Worker.UseBinance() {
		feed = worker.NewBinanceFeed(cfg.Worker.BinanceBaseURL)
	} else {
		feed = worker.NewSimFeed(args.BotID, args.EntryPrice, 0.002, 0)
	}

	res, err := worker.Run(ctx, args, worker.Deps{
		Bandit:             bandit.New(db.Engine, db.Reader, history),
		Ledger:             quota.NewLedger(db.Engine, db.Reader),
		Trades:             store.NewTrades(db.Engine, db.Reader),
		Feed:               feed,
		Epsilon:            cfg.Bandit.Epsilon,
		StopLossCandidates: cfg.Worker.StopLossCandidates,
		MaxRuntime:         cfg.Worker.MaxRuntime,
	})
	if err != nil {
		logger.Errorf("bot %s failed: %v", args.BotID, err)
		if errors.Is(err, worker.ErrInvalidArgs) {
			return worker.ExitConfig
		}
		return worker.ExitFailed
	}
	logger.Infof("bot %s exit: %s (%.4f%%)", res.BotID, res.Reason, res.RealizedPct)
	return worker.ExitOK
}
