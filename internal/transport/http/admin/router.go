package adminhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/bandit"
	"botfleet/internal/logger"
	"botfleet/internal/pkg/targets"
	"botfleet/internal/quota"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"

	"github.com/gin-gonic/gin"
)

// Fleet is the supervisor surface the admin API drives.
type Fleet interface {
	Start(ctx context.Context, cfg supervisor.BotConfig, continuous bool) (string, error)
	Stop(ctx context.Context, id string) error
	IsRunning(id string) bool
	List() []supervisor.BotInfo
	Groups() []supervisor.GroupInfo
	StopAllContinuous(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (supervisor.ReconcileReport, error)
}

type Router struct {
	Fleet         Fleet
	Engine        *store.Engine
	Sessions      *store.Sessions
	Trades        *store.Trades
	Bandit        *bandit.Engine
	Ledger        *quota.Ledger
	DefaultDryRun bool
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/bots", r.handleListBots)
	group.POST("/bots", r.handleStartBot)
	group.GET("/bots/:id", r.handleGetBot)
	group.DELETE("/bots/:id", r.handleStopBot)
	group.POST("/groups/stop", r.handleStopGroups)
	group.POST("/reconcile", r.handleReconcile)
	group.POST("/store/checkpoint", r.handleCheckpoint)
	group.GET("/sessions", r.handleSessions)
	group.GET("/bandit/symbols", r.handleBanditSymbols)
	group.GET("/bandit/stats", r.handleBanditStats)
	group.GET("/bandit/history", r.handleBanditHistory)
	group.GET("/quota/:asset", r.handleQuota)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvalidConfig),
		errors.Is(err, bandit.ErrInvalidArm),
		errors.Is(err, quota.ErrInvalidAllocation):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrUnknownBot):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrClosed),
		errors.Is(err, store.ErrEngineFailed),
		errors.Is(err, store.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		logger.Errorf("[api] %s failed ip=%s err=%v", op, c.ClientIP(), err)
	} else {
		logger.Warnf("[api] %s rejected ip=%s err=%v", op, c.ClientIP(), err)
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func queryLimit(c *gin.Context, def, max int) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return limit
}

func (r *Router) handleHealth(c *gin.Context) {
	if r.Engine != nil {
		if err := r.Engine.Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "failed", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleListBots(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"bots": r.Fleet.List(), "groups": r.Fleet.Groups()})
}

// StartRequest is the body of POST /api/bots.
type StartRequest struct {
	Symbol     string          `json:"symbol"`
	EntryPrice float64         `json:"entry_price"`
	Mode       string          `json:"mode"`
	Targets    json.RawMessage `json:"targets"`
	Interval   string          `json:"interval"`
	Size       float64         `json:"size"`
	Funds      float64         `json:"funds"`
	DryRun     *bool           `json:"dry_run"`
	Continuous bool            `json:"continuous"`
}

func (req StartRequest) botConfig(defaultDryRun bool) (supervisor.BotConfig, error) {
	cfg := supervisor.BotConfig{
		Symbol:     req.Symbol,
		EntryPrice: req.EntryPrice,
		Mode:       req.Mode,
		Size:       req.Size,
		Funds:      req.Funds,
		DryRun:     defaultDryRun,
	}
	if req.DryRun != nil {
		cfg.DryRun = *req.DryRun
	}
	if s := strings.TrimSpace(req.Interval); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return cfg, errors.Join(supervisor.ErrInvalidConfig, err)
		}
		cfg.Interval = d
	}
	raw := strings.TrimSpace(string(req.Targets))
	// targets may arrive as a JSON array or as the string form the worker takes
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(req.Targets, &s); err != nil {
			return cfg, errors.Join(supervisor.ErrInvalidConfig, err)
		}
		raw = s
	}
	if raw != "" && raw != "null" {
		ts, err := targets.Parse(raw)
		if err != nil {
			return cfg, errors.Join(supervisor.ErrInvalidConfig, err)
		}
		cfg.Targets = ts
	}
	return cfg, nil
}

func (r *Router) handleStartBot(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := req.botConfig(r.DefaultDryRun)
	if err != nil {
		fail(c, "start bot", err)
		return
	}
	id, err := r.Fleet.Start(c.Request.Context(), cfg, req.Continuous)
	if err != nil {
		fail(c, "start bot", err)
		return
	}
	logger.Infof("[api] started bot %s ip=%s continuous=%t", id, c.ClientIP(), req.Continuous)
	c.JSON(http.StatusCreated, gin.H{"id": id, "continuous": req.Continuous})
}

func (r *Router) handleGetBot(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	sess, err := r.Sessions.Get(ctx, id)
	if err != nil {
		fail(c, "get bot", err)
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	resp := gin.H{"session": sess, "running": r.Fleet.IsRunning(id)}
	if r.Trades != nil {
		trades, err := r.Trades.ListByBot(ctx, id, queryLimit(c, 100, 500))
		if err != nil {
			fail(c, "get bot trades", err)
			return
		}
		resp["trades"] = trades
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleStopBot(c *gin.Context) {
	id := c.Param("id")
	if err := r.Fleet.Stop(c.Request.Context(), id); err != nil {
		fail(c, "stop bot", err)
		return
	}
	logger.Infof("[api] stopped bot %s ip=%s", id, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"id": id, "stopped": true})
}

func (r *Router) handleStopGroups(c *gin.Context) {
	n, err := r.Fleet.StopAllContinuous(c.Request.Context())
	if err != nil {
		fail(c, "stop groups", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped_groups": n})
}

func (r *Router) handleReconcile(c *gin.Context) {
	report, err := r.Fleet.Reconcile(c.Request.Context())
	if err != nil {
		fail(c, "reconcile", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (r *Router) handleCheckpoint(c *gin.Context) {
	mode, err := store.ParseCheckpointMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := r.Engine.Checkpoint(c.Request.Context(), mode)
	if err != nil {
		fail(c, "checkpoint", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleSessions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		rows []store.BotSession
		err  error
	)
	if group := strings.TrimSpace(c.Query("group")); group != "" {
		rows, err = r.Sessions.ListByGroup(ctx, group)
	} else if c.Query("status") == "running" {
		rows, err = r.Sessions.ListRunning(ctx)
	} else {
		rows, err = r.Sessions.List(ctx, queryLimit(c, 100, 1000))
	}
	if err != nil {
		fail(c, "list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (r *Router) handleBanditSymbols(c *gin.Context) {
	syms, err := r.Bandit.Symbols(c.Request.Context())
	if err != nil {
		fail(c, "bandit symbols", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": syms})
}

func (r *Router) handleBanditStats(c *gin.Context) {
	sym, param := c.Query("symbol"), c.DefaultQuery("param", "stop_loss_pct")
	stats, err := r.Bandit.Stats(c.Request.Context(), sym, param)
	if err != nil {
		fail(c, "bandit stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": strings.ToUpper(sym), "param": param, "arms": stats})
}

func (r *Router) handleBanditHistory(c *gin.Context) {
	sym, param := c.Query("symbol"), c.DefaultQuery("param", "stop_loss_pct")
	hist, err := r.Bandit.History(c.Request.Context(), sym, param, queryLimit(c, 200, 5000))
	if err != nil {
		fail(c, "bandit history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": strings.ToUpper(sym), "param": param, "history": hist})
}

func (r *Router) handleQuota(c *gin.Context) {
	asset := strings.ToUpper(strings.TrimSpace(c.Param("asset")))
	ctx := c.Request.Context()
	total, err := r.Ledger.AllocatedQty(ctx, asset)
	if err != nil {
		fail(c, "quota", err)
		return
	}
	recs, err := r.Ledger.ListAllocated(ctx, asset)
	if err != nil {
		fail(c, "quota", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset, "allocated_qty": total, "allocations": recs})
}
