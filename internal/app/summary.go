package app

import (
	"fmt"
	"strings"

	brcfg "botfleet/internal/config"
)

type StartupSummary struct {
	ConfigPath string
	Store      brcfg.StoreConfig
	History    brcfg.HistoryConfig
	Bandit     brcfg.BanditConfig
	Supervisor brcfg.SupervisorConfig
	Worker     brcfg.WorkerConfig
	HTTPAddr   string
}

func newStartupSummary(cfg *brcfg.Config, path string) *StartupSummary {
	return &StartupSummary{
		ConfigPath: path,
		Store:      cfg.Store,
		History:    cfg.History,
		Bandit:     cfg.Bandit,
		Supervisor: cfg.Supervisor,
		Worker:     cfg.Worker,
		HTTPAddr:   cfg.App.HTTPAddr,
	}
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	line := strings.Repeat("=", 80)
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(&b, line)

	fmt.Fprintln(&b, "[存储 (STORE)]")
	fmt.Fprintf(&b, "  路径: %s\n", s.Store.Path)
	fmt.Fprintf(&b, "  journal=WAL synchronous=%s autocheckpoint=%d busy_timeout=%dms\n",
		s.Store.Synchronous, s.Store.WALAutoCheckpoint, s.Store.BusyTimeoutMS)
	fmt.Fprintf(&b, "  写队列: %d  读连接: %d  checkpoint: %s/%s\n",
		s.Store.QueueSize, s.Store.ReadMaxConns, s.Store.CheckpointMode, s.Store.CheckpointInterval)
	fmt.Fprintf(&b, "  history batch=%d flush=%s  epsilon=%.2f\n", s.History.BatchSize, s.History.FlushInterval, s.Bandit.Epsilon)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[进程管理 (SUPERVISOR)]")
	fmt.Fprintf(&b, "  worker: %s  config: %s\n", s.Supervisor.WorkerBin, orDash(s.ConfigPath))
	fmt.Fprintf(&b, "  grace=%s storm=%d/%s respawn=%s..%s reconcile=%s\n",
		s.Supervisor.GracePeriod, s.Supervisor.StormMaxRestarts, s.Supervisor.StormWindow,
		s.Supervisor.RespawnDelay, s.Supervisor.RespawnMaxDelay, s.Supervisor.ReconcileInterval)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "[Worker]")
	fmt.Fprintf(&b, "  行情: %s  轮询: %s  dry_run=%t\n", s.Worker.PriceSource, s.Worker.PollInterval, s.Worker.DryRun)
	fmt.Fprintf(&b, "  stop-loss 候选: %v\n", s.Worker.StopLossCandidates)
	fmt.Fprintf(&b, "  admin http: %s\n", s.HTTPAddr)
	fmt.Fprintln(&b, line)
	return b.String()
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
