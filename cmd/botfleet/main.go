package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"botfleet/internal/app"
	brcfg "botfleet/internal/config"
	"botfleet/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfgPath := os.Getenv("BOTFLEET_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := brcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	if err := logger.SetupFile(logger.FileOptions{
		Path:       cfg.App.LogPath,
		MaxSizeMB:  cfg.App.LogMaxSizeMB,
		MaxBackups: cfg.App.LogMaxBackups,
		MaxAgeDays: cfg.App.LogMaxAgeDays,
		Compress:   true,
	}); err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	defer logger.Sync()
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，配置=%s）", cfg.App.Env, cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg, cfgPath)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		logger.Errorf("运行失败: %v", err)
		logger.Sync()
		os.Exit(1)
	}
}
