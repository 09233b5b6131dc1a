package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9992"
	defaultAppLogMaxSizeMB    = 50
	defaultAppLogMaxBackups   = 5
	defaultAppLogMaxAgeDays   = 14
	defaultStorePath          = "data/botfleet.db"
	defaultStoreBusyTimeoutMS = 5000
	defaultStoreSynchronous   = "NORMAL"
	defaultStoreAutoCkpt      = 1000
	defaultStoreQueueSize     = 4096
	defaultStoreReadConns     = 4
	defaultStoreCkptInterval  = 5 * time.Minute
	defaultStoreCkptMode      = "PASSIVE"
	defaultHistoryBatchSize   = 100
	defaultHistoryFlush       = 2 * time.Second
	defaultBanditEpsilon      = 0.1
	defaultWorkerBin          = "botworker"
	defaultGracePeriod        = 600 * time.Millisecond
	defaultStormWindow        = 60 * time.Second
	defaultStormMaxRestarts   = 5
	defaultRespawnDelay       = time.Second
	defaultRespawnMaxDelay    = 30 * time.Second
	defaultReconcileInterval  = 30 * time.Second
	defaultWorkerPriceSource  = "sim"
	defaultWorkerBinanceURL   = "https://api.binance.com"
	defaultWorkerPoll         = 5 * time.Second
)

var defaultStopLossCandidates = []float64{1, 2, 3}

// Default 返回仅包含默认值的配置，便于测试与 worker 在无配置文件时运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(keySet{})
	return cfg
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.History.applyDefaults(keys)
	c.Bandit.applyDefaults(keys)
	c.Supervisor.applyDefaults(keys)
	c.Worker.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultAppLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultAppLogMaxBackups),
		intFieldDefault("app.log_max_age_days", &a.LogMaxAgeDays, defaultAppLogMaxAgeDays),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		intFieldDefault("store.busy_timeout_ms", &s.BusyTimeoutMS, defaultStoreBusyTimeoutMS),
		stringFieldDefault("store.synchronous", &s.Synchronous, defaultStoreSynchronous),
		intFieldDefault("store.wal_autocheckpoint", &s.WALAutoCheckpoint, defaultStoreAutoCkpt),
		intFieldDefault("store.queue_size", &s.QueueSize, defaultStoreQueueSize),
		intFieldDefault("store.read_max_conns", &s.ReadMaxConns, defaultStoreReadConns),
		durationFieldDefault("store.checkpoint_interval", &s.CheckpointInterval, defaultStoreCkptInterval),
		stringFieldDefault("store.checkpoint_mode", &s.CheckpointMode, defaultStoreCkptMode),
	)
	s.Synchronous = strings.ToUpper(strings.TrimSpace(s.Synchronous))
	s.CheckpointMode = strings.ToUpper(strings.TrimSpace(s.CheckpointMode))
}

func (h *HistoryConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("history.batch_size", &h.BatchSize, defaultHistoryBatchSize),
		durationFieldDefault("history.flush_interval", &h.FlushInterval, defaultHistoryFlush),
	)
}

func (b *BanditConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "bandit.epsilon",
			need:  func() bool { return b.Epsilon <= 0 },
			apply: func() { b.Epsilon = defaultBanditEpsilon },
		},
	)
}

func (s *SupervisorConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("supervisor.worker_bin", &s.WorkerBin, defaultWorkerBin),
		durationFieldDefault("supervisor.grace_period", &s.GracePeriod, defaultGracePeriod),
		durationFieldDefault("supervisor.storm_window", &s.StormWindow, defaultStormWindow),
		intFieldDefault("supervisor.storm_max_restarts", &s.StormMaxRestarts, defaultStormMaxRestarts),
		durationFieldDefault("supervisor.respawn_delay", &s.RespawnDelay, defaultRespawnDelay),
		durationFieldDefault("supervisor.respawn_max_delay", &s.RespawnMaxDelay, defaultRespawnMaxDelay),
		durationFieldDefault("supervisor.reconcile_interval", &s.ReconcileInterval, defaultReconcileInterval),
	)
}

func (w *WorkerConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("worker.price_source", &w.PriceSource, defaultWorkerPriceSource),
		stringFieldDefault("worker.binance_base_url", &w.BinanceBaseURL, defaultWorkerBinanceURL),
		durationFieldDefault("worker.poll_interval", &w.PollInterval, defaultWorkerPoll),
		boolFieldDefault("worker.dry_run", &w.DryRun, true),
		fieldDefault{
			key:   "worker.stop_loss_candidates",
			need:  func() bool { return len(w.StopLossCandidates) == 0 },
			apply: func() { w.StopLossCandidates = append([]float64(nil), defaultStopLossCandidates...) },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
