package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfleet/internal/metrics"
)

// ReconcileReport lists what one reconciliation pass cleaned up.
type ReconcileReport struct {
	OrphanSessions []string `json:"orphan_sessions"`
	KilledPIDs     []int    `json:"killed_pids"`
	ReleasedQuota  []string `json:"released_quota"`
}

func (r ReconcileReport) Empty() bool {
	return len(r.OrphanSessions) == 0 && len(r.KilledPIDs) == 0 && len(r.ReleasedQuota) == 0
}

func (s *Supervisor) liveIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.bots))
	for id := range s.bots {
		out[id] = struct{}{}
	}
	return out
}

// Reconcile is the single cleanup pass: running sessions without a tracked
// process are marked stopped (their process group is killed when it was
// started before this supervisor), and allocated quota whose bot is not live
// is released. Rows are read before the live set is taken, so a bot started
// concurrently is never mistaken for an orphan.
func (s *Supervisor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	running, err := s.sessions.ListRunning(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile: list sessions: %w", err)
	}
	allocs, err := s.ledger.ListAllocated(ctx, "")
	if err != nil {
		return report, fmt.Errorf("reconcile: list quota: %w", err)
	}
	live := s.liveIDs()

	var errs []error
	for _, sess := range running {
		if _, ok := live[sess.ID]; ok {
			continue
		}
		if sess.PID != nil && sess.StartTS.Before(s.bootTime) {
			if err := s.launcher.KillOrphan(*sess.PID); err != nil {
				log.Warnf("reconcile: kill orphan %s (pid %d): %v", sess.ID, *sess.PID, err)
			} else {
				report.KilledPIDs = append(report.KilledPIDs, *sess.PID)
			}
		}
		if err := s.sessions.MarkStopped(ctx, sess.ID, time.Now(), ExitOrphaned); err != nil {
			errs = append(errs, fmt.Errorf("mark %s stopped: %w", sess.ID, err))
			continue
		}
		report.OrphanSessions = append(report.OrphanSessions, sess.ID)
	}
	for _, rec := range allocs {
		if _, ok := live[rec.BotID]; ok {
			continue
		}
		if err := s.ledger.Release(ctx, rec.BotID); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", rec.BotID, err))
			continue
		}
		report.ReleasedQuota = append(report.ReleasedQuota, rec.BotID)
	}
	metrics.ReconciledOrphans.WithLabelValues("session").Add(float64(len(report.OrphanSessions)))
	metrics.ReconciledOrphans.WithLabelValues("pid").Add(float64(len(report.KilledPIDs)))
	metrics.ReconciledOrphans.WithLabelValues("quota").Add(float64(len(report.ReleasedQuota)))
	if !report.Empty() {
		log.Infof("reconcile: %d orphan sessions, %d killed, %d quota released",
			len(report.OrphanSessions), len(report.KilledPIDs), len(report.ReleasedQuota))
	}
	return report, errors.Join(errs...)
}

// RunReconciler reconciles once immediately and then every
// ReconcileInterval until ctx is done.
func (s *Supervisor) RunReconciler(ctx context.Context) error {
	if _, err := s.Reconcile(ctx); err != nil {
		log.Errorf("startup reconcile: %v", err)
	}
	if s.opts.ReconcileInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil {
				log.Errorf("reconcile: %v", err)
			}
		}
	}
}
