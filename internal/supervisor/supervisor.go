// Package supervisor spawns bot workers as separate process groups, tracks
// their sessions and quota, and keeps continuous groups alive by respawning
// a fresh generation each time the previous one exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/logger"
	"botfleet/internal/metrics"
	"botfleet/internal/pkg/symbol"
	"botfleet/internal/pkg/targets"
	"botfleet/internal/quota"
	"botfleet/internal/store"
	"botfleet/internal/worker"

	"github.com/jpillora/backoff"
)

var (
	ErrUnknownBot    = errors.New("supervisor: unknown bot")
	ErrInvalidConfig = errors.New("supervisor: invalid bot config")
	ErrClosed        = errors.New("supervisor: closed")
)

// Exit reasons recorded on bot sessions.
const (
	ExitNormal   = "exited_normally"
	ExitError    = "exited_error"
	ExitKilled   = "killed"
	ExitOrphaned = "orphaned"
)

// bookkeepingAttempts bounds retries of session and quota writes that hit a
// busy store.
const bookkeepingAttempts = 3

var log = logger.With("supervisor")

// BotConfig is what an operator supplies to start a bot; the supervisor adds
// the bot id per generation.
type BotConfig struct {
	Symbol     string           `json:"symbol"`
	EntryPrice float64          `json:"entry_price"`
	Mode       string           `json:"mode"`
	Targets    []targets.Target `json:"targets"`
	Interval   time.Duration    `json:"interval"`
	Size       float64          `json:"size"`
	Funds      float64          `json:"funds"`
	DryRun     bool             `json:"dry_run"`
}

func (c BotConfig) workerArgs(botID, configPath string) worker.Args {
	return worker.Args{
		BotID:      botID,
		Symbol:     c.Symbol,
		EntryPrice: c.EntryPrice,
		Mode:       c.Mode,
		Targets:    c.Targets,
		Interval:   c.Interval,
		Size:       c.Size,
		Funds:      c.Funds,
		DryRun:     c.DryRun,
		ConfigPath: configPath,
	}
}

type Options struct {
	WorkerConfigPath  string
	DefaultInterval   time.Duration
	GracePeriod       time.Duration
	KillWait          time.Duration
	StormWindow       time.Duration
	StormMaxRestarts  int
	RespawnDelay      time.Duration
	RespawnMaxDelay   time.Duration
	ReconcileInterval time.Duration
}

// OptionsFromConfig maps the supervisor and worker sections onto Options.
func OptionsFromConfig(sc config.SupervisorConfig, wc config.WorkerConfig, configPath string) Options {
	return Options{
		WorkerConfigPath:  configPath,
		DefaultInterval:   wc.PollInterval,
		GracePeriod:       sc.GracePeriod,
		StormWindow:       sc.StormWindow,
		StormMaxRestarts:  sc.StormMaxRestarts,
		RespawnDelay:      sc.RespawnDelay,
		RespawnMaxDelay:   sc.RespawnMaxDelay,
		ReconcileInterval: sc.ReconcileInterval,
	}
}

func (o Options) withDefaults() Options {
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = 5 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 600 * time.Millisecond
	}
	if o.KillWait <= 0 {
		o.KillWait = 5 * time.Second
	}
	if o.StormWindow <= 0 {
		o.StormWindow = 60 * time.Second
	}
	if o.StormMaxRestarts <= 0 {
		o.StormMaxRestarts = 5
	}
	if o.RespawnDelay <= 0 {
		o.RespawnDelay = time.Second
	}
	if o.RespawnMaxDelay < o.RespawnDelay {
		o.RespawnMaxDelay = o.RespawnDelay
	}
	return o
}

// BotInfo describes a live worker.
type BotInfo struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Symbol     string    `json:"symbol"`
	Mode       string    `json:"mode"`
	Continuous bool      `json:"continuous"`
	GroupID    string    `json:"group_id,omitempty"`
	Generation int       `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
}

// GroupInfo describes a continuous group that has not stopped yet.
type GroupInfo struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	CurrentID      string `json:"current_id"`
	Generation     int    `json:"generation"`
	RecentRestarts int    `json:"recent_restarts"`
}

type bot struct {
	id         string
	cfg        BotConfig
	proc       Process
	group      *group
	generation int
	started    time.Time
	stopping   atomic.Bool

	finishOnce sync.Once
	finished   chan struct{}
	finishErr  error
}

func (b *bot) exited() bool {
	select {
	case <-b.proc.Done():
		return true
	default:
		return false
	}
}

type Supervisor struct {
	opts     Options
	launcher Launcher
	sessions *store.Sessions
	ledger   *quota.Ledger
	bootTime time.Time

	mu     sync.Mutex
	bots   map[string]*bot
	groups map[string]*group
	owner  map[string]*group
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options, launcher Launcher, sessions *store.Sessions, ledger *quota.Ledger) *Supervisor {
	return &Supervisor{
		opts:     opts.withDefaults(),
		launcher: launcher,
		sessions: sessions,
		ledger:   ledger,
		bootTime: time.Now(),
		bots:     make(map[string]*bot),
		groups:   make(map[string]*group),
		owner:    make(map[string]*group),
	}
}

func (s *Supervisor) normalize(cfg BotConfig) BotConfig {
	cfg.Symbol = symbol.Normalize(cfg.Symbol)
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = worker.ModeLong
	}
	if cfg.Interval <= 0 {
		cfg.Interval = s.opts.DefaultInterval
	}
	return cfg
}

// Start launches a worker and returns its bot id. With continuous set, the
// worker becomes generation 0 of a new group whose id equals that bot id.
func (s *Supervisor) Start(ctx context.Context, cfg BotConfig, continuous bool) (string, error) {
	cfg = s.normalize(cfg)
	if err := cfg.workerArgs("pending", "").Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	id := newBotID()
	var g *group
	if continuous {
		g = newGroup(id, cfg)
		s.mu.Lock()
		s.groups[g.id] = g
		s.mu.Unlock()
	}
	b, err := s.spawn(ctx, id, cfg, g, 0)
	if err != nil {
		if g != nil {
			g.fire()
			s.endGroup(g)
		}
		s.wg.Done()
		return "", err
	}
	if g != nil {
		go s.superviseGroup(g, b)
	} else {
		go s.watch(b)
	}
	log.Infof("started bot %s (%s %s, continuous=%t, pid=%d)", id, cfg.Symbol, cfg.Mode, continuous, b.proc.Pid())
	return id, nil
}

// spawn launches one generation, tracks it and records its session. The bot
// is tracked before its session row exists so reconciliation never treats
// it as an orphan.
func (s *Supervisor) spawn(ctx context.Context, id string, cfg BotConfig, g *group, gen int) (*bot, error) {
	proc, err := s.launcher.Launch(ctx, cfg.workerArgs(id, s.opts.WorkerConfigPath))
	if err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", id, err)
	}
	b := &bot{
		id:         id,
		cfg:        cfg,
		proc:       proc,
		group:      g,
		generation: gen,
		started:    time.Now(),
		finished:   make(chan struct{}),
	}

	s.mu.Lock()
	s.bots[id] = b
	if g != nil {
		// re-home the group's stop signal onto the new generation
		if g.currentID != "" {
			delete(s.owner, g.currentID)
		}
		s.owner[id] = g
		g.currentID = id
		g.generation = gen
		g.state = groupActive
	}
	live := len(s.bots)
	s.mu.Unlock()
	metrics.LiveBots.Set(float64(live))

	pid := proc.Pid()
	sess := store.BotSession{
		ID:         id,
		PID:        &pid,
		Symbol:     cfg.Symbol,
		Mode:       cfg.Mode,
		EntryPrice: cfg.EntryPrice,
		Targets:    cfg.Targets,
		Continuous: g != nil,
		Generation: gen,
		StartTS:    b.started,
	}
	if g != nil {
		sess.GroupID = g.id
	}
	if err := store.Retry(ctx, bookkeepingAttempts, func() error { return s.sessions.Insert(ctx, sess) }); err != nil {
		if terr := s.terminate(b); terr != nil {
			log.Errorf("bot %s: %v", id, terr)
		}
		s.untrack(b)
		return nil, fmt.Errorf("supervisor: record session %s: %w", id, err)
	}
	return b, nil
}

func (s *Supervisor) untrack(b *bot) {
	s.mu.Lock()
	if cur, ok := s.bots[b.id]; ok && cur == b {
		delete(s.bots, b.id)
	}
	if b.group == nil {
		delete(s.owner, b.id)
	}
	live := len(s.bots)
	s.mu.Unlock()
	metrics.LiveBots.Set(float64(live))
}

// exitReason classifies a finished process; exits caused by Stop count as
// killed whatever status the worker returned.
func (b *bot) exitReason() string {
	if b.stopping.Load() {
		return ExitKilled
	}
	err := b.proc.ExitErr()
	if err == nil {
		return ExitNormal
	}
	return fmt.Sprintf("%s (code %d): %v", ExitError, exitCode(err), err)
}

// finish records the end of b exactly once: session stopped, quota
// released, handle dropped. Every caller gets the same outcome.
func (s *Supervisor) finish(b *bot, reason string) error {
	b.finishOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		end := time.Now()
		if err := store.Retry(ctx, bookkeepingAttempts, func() error {
			return s.sessions.MarkStopped(ctx, b.id, end, reason)
		}); err != nil {
			errs = append(errs, fmt.Errorf("mark session stopped: %w", err))
		}
		if err := store.Retry(ctx, bookkeepingAttempts, func() error {
			return s.ledger.Release(ctx, b.id)
		}); err != nil {
			errs = append(errs, fmt.Errorf("release quota: %w", err))
		}
		s.untrack(b)
		b.finishErr = errors.Join(errs...)
		if b.finishErr != nil {
			log.Errorf("bot %s finished (%s) with bookkeeping errors: %v", b.id, reason, b.finishErr)
		} else {
			log.Infof("bot %s finished: %s", b.id, reason)
		}
		close(b.finished)
	})
	<-b.finished
	return b.finishErr
}

// terminate sends SIGINT to the worker group, waits GracePeriod, then
// escalates to SIGKILL.
func (s *Supervisor) terminate(b *bot) error {
	if b.exited() {
		return nil
	}
	if err := b.proc.Interrupt(); err != nil {
		log.Warnf("bot %s: interrupt failed: %v", b.id, err)
	}
	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()
	select {
	case <-b.proc.Done():
		return nil
	case <-grace.C:
	}
	log.Warnf("bot %s still alive after %v, killing", b.id, s.opts.GracePeriod)
	if err := b.proc.Kill(); err != nil {
		log.Warnf("bot %s: kill failed: %v", b.id, err)
	}
	wait := time.NewTimer(s.opts.KillWait)
	defer wait.Stop()
	select {
	case <-b.proc.Done():
		return nil
	case <-wait.C:
		return fmt.Errorf("supervisor: bot %s (pid %d) did not exit after SIGKILL", b.id, b.proc.Pid())
	}
}

// stopBot terminates b and records it as killed. A worker that outlives
// SIGKILL stays tracked until it does exit; the bookkeeping is handed to a
// goroutine so its session and quota are not held forever.
func (s *Supervisor) stopBot(b *bot) error {
	b.stopping.Store(true)
	if err := s.terminate(b); err != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-b.proc.Done()
			_ = s.finish(b, ExitKilled)
		}()
		return err
	}
	return s.finish(b, ExitKilled)
}

// watch waits for a one-shot worker to exit.
func (s *Supervisor) watch(b *bot) {
	defer s.wg.Done()
	<-b.proc.Done()
	_ = s.finish(b, b.exitReason())
}

// superviseGroup owns one continuous group until its stop signal fires.
func (s *Supervisor) superviseGroup(g *group, first *bot) {
	defer s.wg.Done()
	bo := &backoff.Backoff{Min: s.opts.RespawnDelay, Max: s.opts.RespawnMaxDelay, Factor: 2}
	cur := first
	for {
		if cur != nil {
			select {
			case <-cur.proc.Done():
				_ = s.finish(cur, cur.exitReason())
				if time.Since(cur.started) >= s.opts.StormWindow {
					bo.Reset()
				}
			case <-g.stopCh:
				if err := s.stopBot(cur); err != nil {
					log.Errorf("group %s: stopping %s: %v", g.id, cur.id, err)
				}
				s.endGroup(g)
				return
			}
		}
		if g.fired() {
			s.endGroup(g)
			return
		}

		s.mu.Lock()
		allowed := g.allowRespawn(time.Now(), s.opts.StormWindow, s.opts.StormMaxRestarts)
		if allowed {
			g.state = groupRespawning
		}
		nextGen := g.generation + 1
		s.mu.Unlock()
		if !allowed {
			metrics.StormCutoffs.Inc()
			log.Warnf("group %s exceeded %d restarts within %v, giving up", g.id, s.opts.StormMaxRestarts, s.opts.StormWindow)
			g.fire()
			s.endGroup(g)
			return
		}

		delay := time.NewTimer(bo.Duration())
		select {
		case <-delay.C:
		case <-g.stopCh:
			delay.Stop()
			s.endGroup(g)
			return
		}

		next, err := s.spawn(context.Background(), newBotID(), g.cfg, g, nextGen)
		if err != nil {
			log.Errorf("group %s: respawn failed: %v", g.id, err)
			cur = nil
			continue
		}
		metrics.Respawns.Inc()
		log.Infof("group %s respawned as %s (generation %d)", g.id, next.id, nextGen)
		cur = next
	}
}

func (s *Supervisor) endGroup(g *group) {
	s.mu.Lock()
	g.state = groupStopped
	delete(s.groups, g.id)
	if g.currentID != "" {
		delete(s.owner, g.currentID)
	}
	s.mu.Unlock()
	log.Infof("group %s stopped", g.id)
}

// Stop fires the owning group's stop signal, terminates the live process,
// marks the session stopped and releases its quota. id may name a bot or a
// continuous group; a group id stops whichever generation is current.
// Stopping a bot that has already ended succeeds; ErrUnknownBot is returned
// only for ids never seen.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	b := s.bots[id]
	g := s.owner[id]
	if b == nil && g == nil {
		// group id 在首次重启后就不再是任何存活 bot 的 id
		if grp, ok := s.groups[id]; ok {
			g = grp
			b = s.bots[grp.currentID]
		}
	}
	s.mu.Unlock()
	if g != nil {
		g.fire()
	}
	if b != nil {
		return s.stopBot(b)
	}

	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownBot, id)
	}
	var errs []error
	if err := s.sessions.MarkStopped(ctx, id, time.Now(), ExitKilled); err != nil {
		errs = append(errs, err)
	}
	if err := s.ledger.Release(ctx, id); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Supervisor) stopMany(bots []*bot) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, b := range bots {
		wg.Add(1)
		go func(b *bot) {
			defer wg.Done()
			if err := s.stopBot(b); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", b.id, err))
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StopAllContinuous stops every continuous group and returns how many there
// were.
func (s *Supervisor) StopAllContinuous(ctx context.Context) (int, error) {
	s.mu.Lock()
	groups := make([]*group, 0, len(s.groups))
	var live []*bot
	for _, g := range s.groups {
		groups = append(groups, g)
		if b := s.bots[g.currentID]; b != nil {
			live = append(live, b)
		}
	}
	s.mu.Unlock()
	for _, g := range groups {
		g.fire()
	}
	return len(groups), s.stopMany(live)
}

// StopAll stops every group and every one-shot worker.
func (s *Supervisor) StopAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	for _, g := range s.groups {
		g.fire()
	}
	live := make([]*bot, 0, len(s.bots))
	for _, b := range s.bots {
		live = append(live, b)
	}
	s.mu.Unlock()
	return len(live), s.stopMany(live)
}

// IsRunning reports whether id is tracked and its process has not exited.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	b := s.bots[id]
	s.mu.Unlock()
	return b != nil && !b.exited()
}

// List returns the live workers, oldest first.
func (s *Supervisor) List() []BotInfo {
	s.mu.Lock()
	out := make([]BotInfo, 0, len(s.bots))
	for _, b := range s.bots {
		if b.exited() {
			continue
		}
		info := BotInfo{
			ID:         b.id,
			PID:        b.proc.Pid(),
			Symbol:     b.cfg.Symbol,
			Mode:       b.cfg.Mode,
			Continuous: b.group != nil,
			Generation: b.generation,
			StartedAt:  b.started,
		}
		if b.group != nil {
			info.GroupID = b.group.id
		}
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Groups returns the continuous groups that have not stopped.
func (s *Supervisor) Groups() []GroupInfo {
	s.mu.Lock()
	out := make([]GroupInfo, 0, len(s.groups))
	now := time.Now()
	for _, g := range s.groups {
		recent := 0
		for _, ts := range g.restarts {
			if now.Sub(ts) < s.opts.StormWindow {
				recent++
			}
		}
		out = append(out, GroupInfo{
			ID:             g.id,
			State:          g.state.String(),
			CurrentID:      g.currentID,
			Generation:     g.generation,
			RecentRestarts: recent,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close rejects new starts, stops everything and waits for group loops.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	_, err := s.StopAll(ctx)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}
