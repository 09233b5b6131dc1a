package config

import (
	"strings"
	"time"
)

// Config 是 botfleet 的主配置载体。
type Config struct {
	App        AppConfig        `yaml:"app"`
	Store      StoreConfig      `yaml:"store"`
	History    HistoryConfig    `yaml:"history"`
	Bandit     BanditConfig     `yaml:"bandit"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
}

type AppConfig struct {
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"log_level"`
	HTTPAddr      string `yaml:"http_addr"`
	LogPath       string `yaml:"log_path"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

// StoreConfig 控制嵌入式 SQLite 与写队列。
type StoreConfig struct {
	Path               string        `yaml:"path"`
	BusyTimeoutMS      int           `yaml:"busy_timeout_ms"`
	Synchronous        string        `yaml:"synchronous"`        // OFF | NORMAL | FULL
	WALAutoCheckpoint  int           `yaml:"wal_autocheckpoint"` // pages
	QueueSize          int           `yaml:"queue_size"`
	ReadMaxConns       int           `yaml:"read_max_conns"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointMode     string        `yaml:"checkpoint_mode"`
}

// HistoryConfig 控制奖励样本的批量落库。
type HistoryConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type BanditConfig struct {
	Epsilon float64 `yaml:"epsilon"`
}

// SupervisorConfig 描述 worker 进程的拉起、终止与连续模式的重启策略。
type SupervisorConfig struct {
	WorkerBin         string        `yaml:"worker_bin"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	StormWindow       time.Duration `yaml:"storm_window"`
	StormMaxRestarts  int           `yaml:"storm_max_restarts"`
	RespawnDelay      time.Duration `yaml:"respawn_delay"`
	RespawnMaxDelay   time.Duration `yaml:"respawn_max_delay"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// WorkerConfig 为 worker 进程的默认参数。
type WorkerConfig struct {
	PriceSource        string        `yaml:"price_source"` // sim | binance
	BinanceBaseURL     string        `yaml:"binance_base_url"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	StopLossCandidates []float64     `yaml:"stop_loss_candidates"`
	MaxRuntime         time.Duration `yaml:"max_runtime"`
	DryRun             bool          `yaml:"dry_run"`
}

// UseBinance reports whether workers should poll the Binance REST ticker.
func (w WorkerConfig) UseBinance() bool {
	return strings.EqualFold(strings.TrimSpace(w.PriceSource), "binance")
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
