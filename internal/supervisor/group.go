package supervisor

import (
	"sync"
	"time"
)

type groupState int

const (
	groupActive groupState = iota
	groupRespawning
	groupStopped
)

func (s groupState) String() string {
	switch s {
	case groupActive:
		return "active"
	case groupRespawning:
		return "respawning"
	case groupStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// group is one ContinuousGroup: a chain of generations sharing a stop
// signal. state, currentID, generation and restarts are guarded by
// Supervisor.mu.
type group struct {
	id  string
	cfg BotConfig

	stopCh   chan struct{}
	stopOnce sync.Once

	state      groupState
	currentID  string
	generation int
	restarts   []time.Time
}

func newGroup(id string, cfg BotConfig) *group {
	return &group{id: id, cfg: cfg, stopCh: make(chan struct{}), state: groupActive}
}

// fire closes the stop signal; later calls are no-ops.
func (g *group) fire() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

func (g *group) fired() bool {
	select {
	case <-g.stopCh:
		return true
	default:
		return false
	}
}

// allowRespawn drops restarts older than window and records now when fewer
// than max remain.
func (g *group) allowRespawn(now time.Time, window time.Duration, max int) bool {
	cutoff := now.Add(-window)
	kept := g.restarts[:0]
	for _, ts := range g.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.restarts = kept
	if len(g.restarts) >= max {
		return false
	}
	g.restarts = append(g.restarts, now)
	return true
}
