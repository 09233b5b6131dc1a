package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.History.validate(); err != nil {
		return err
	}
	if err := c.Bandit.validate(); err != nil {
		return err
	}
	if err := c.Supervisor.validate(); err != nil {
		return err
	}
	if err := c.Worker.validate(); err != nil {
		return err
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	switch s.Synchronous {
	case "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("store.synchronous must be OFF, NORMAL or FULL (got %q)", s.Synchronous)
	}
	switch s.CheckpointMode {
	case "PASSIVE", "FULL", "RESTART", "TRUNCATE":
	default:
		return fmt.Errorf("store.checkpoint_mode must be PASSIVE, FULL, RESTART or TRUNCATE (got %q)", s.CheckpointMode)
	}
	if s.QueueSize <= 0 {
		return fmt.Errorf("store.queue_size must be > 0")
	}
	return nil
}

func (h *HistoryConfig) validate() error {
	if h.BatchSize <= 0 {
		return fmt.Errorf("history.batch_size must be > 0")
	}
	if h.FlushInterval <= 0 {
		return fmt.Errorf("history.flush_interval must be > 0")
	}
	return nil
}

func (b *BanditConfig) validate() error {
	if b.Epsilon < 0 || b.Epsilon > 1 {
		return fmt.Errorf("bandit.epsilon must be within [0,1]")
	}
	return nil
}

func (s *SupervisorConfig) validate() error {
	if strings.TrimSpace(s.WorkerBin) == "" {
		return fmt.Errorf("supervisor.worker_bin is required")
	}
	if s.StormMaxRestarts <= 0 {
		return fmt.Errorf("supervisor.storm_max_restarts must be > 0")
	}
	if s.StormWindow <= 0 {
		return fmt.Errorf("supervisor.storm_window must be > 0")
	}
	if s.RespawnMaxDelay > 0 && s.RespawnDelay > s.RespawnMaxDelay {
		return fmt.Errorf("supervisor.respawn_delay must not exceed respawn_max_delay")
	}
	return nil
}

func (w *WorkerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(w.PriceSource)) {
	case "sim", "binance":
	default:
		return fmt.Errorf("worker.price_source must be sim or binance (got %q)", w.PriceSource)
	}
	for _, c := range w.StopLossCandidates {
		if c <= 0 {
			return fmt.Errorf("worker.stop_loss_candidates must be positive (got %v)", c)
		}
	}
	return nil
}
