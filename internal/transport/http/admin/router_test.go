package adminhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"botfleet/internal/bandit"
	"botfleet/internal/quota"
	"botfleet/internal/store"
	"botfleet/internal/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFleet struct {
	mock.Mock
}

func (m *mockFleet) Start(ctx context.Context, cfg supervisor.BotConfig, continuous bool) (string, error) {
	args := m.Called(ctx, cfg, continuous)
	return args.String(0), args.Error(1)
}

func (m *mockFleet) Stop(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockFleet) IsRunning(id string) bool {
	return m.Called(id).Bool(0)
}

func (m *mockFleet) List() []supervisor.BotInfo {
	return m.Called().Get(0).([]supervisor.BotInfo)
}

func (m *mockFleet) Groups() []supervisor.GroupInfo {
	return m.Called().Get(0).([]supervisor.GroupInfo)
}

func (m *mockFleet) StopAllContinuous(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockFleet) Reconcile(ctx context.Context) (supervisor.ReconcileReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(supervisor.ReconcileReport), args.Error(1)
}

type fixture struct {
	fleet   *mockFleet
	handler http.Handler
	db      *store.DB
	router  *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := store.Open(ctx, store.Options{Path: filepath.Join(t.TempDir(), "admin.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fleet := &mockFleet{}
	r := &Router{
		Fleet:         fleet,
		Engine:        db.Engine,
		Sessions:      store.NewSessions(db.Engine, db.Reader),
		Trades:        store.NewTrades(db.Engine, db.Reader),
		Bandit:        bandit.New(db.Engine, db.Reader, nil),
		Ledger:        quota.NewLedger(db.Engine, db.Reader),
		DefaultDryRun: true,
	}
	srv, err := NewServer(ServerConfig{API: r})
	require.NoError(t, err)
	return &fixture{fleet: fleet, handler: srv.Handler(), db: db, router: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStartBotParsesRequest(t *testing.T) {
	f := newFixture(t)
	f.fleet.On("Start", mock.Anything, mock.MatchedBy(func(cfg supervisor.BotConfig) bool {
		return cfg.Symbol == "BTC-USDT" &&
			cfg.Interval == 2*time.Second &&
			len(cfg.Targets) == 2 &&
			cfg.DryRun
	}), true).Return("bot-abc", nil).Once()

	rec, body := f.do(t, http.MethodPost, "/api/bots", gin.H{
		"symbol":     "BTC-USDT",
		"mode":       "long",
		"targets":    "[[0.02,0.5],[0.01,0.5]]",
		"interval":   "2s",
		"size":       1,
		"continuous": true,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "bot-abc", body["id"])
	f.fleet.AssertExpectations(t)
}

func TestStartBotMapsConfigErrors(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/api/bots", gin.H{"symbol": "BTC-USDT", "interval": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.fleet.On("Start", mock.Anything, mock.Anything, false).Return("", supervisor.ErrInvalidConfig).Once()
	rec, body := f.do(t, http.MethodPost, "/api/bots", gin.H{"symbol": "BTC-USDT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "invalid bot config")
}

func TestStopBot(t *testing.T) {
	f := newFixture(t)
	f.fleet.On("Stop", mock.Anything, "bot-1").Return(nil).Twice()
	f.fleet.On("Stop", mock.Anything, "bot-x").Return(supervisor.ErrUnknownBot).Once()

	for i := 0; i < 2; i++ {
		rec, body := f.do(t, http.MethodDelete, "/api/bots/bot-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["stopped"])
	}
	rec, _ := f.do(t, http.MethodDelete, "/api/bots/bot-x", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	f.fleet.AssertExpectations(t)
}

func TestListBotsAndStopGroups(t *testing.T) {
	f := newFixture(t)
	f.fleet.On("List").Return([]supervisor.BotInfo{{ID: "bot-1", Symbol: "BTC-USDT"}})
	f.fleet.On("Groups").Return([]supervisor.GroupInfo{})
	f.fleet.On("StopAllContinuous", mock.Anything).Return(3, nil)

	rec, body := f.do(t, http.MethodGet, "/api/bots", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["bots"], 1)

	rec, body = f.do(t, http.MethodPost, "/api/groups/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["stopped_groups"])
}

func TestGetBotReturnsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.router.Sessions.Insert(ctx, store.BotSession{ID: "bot-1", Symbol: "ETH-USDT", Mode: "long"}))
	f.fleet.On("IsRunning", "bot-1").Return(true)

	rec, body := f.do(t, http.MethodGet, "/api/bots/bot-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["running"])
	sess := body["session"].(map[string]any)
	assert.Equal(t, "ETH-USDT", sess["symbol"])

	rec, _ = f.do(t, http.MethodGet, "/api/bots/bot-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckpointEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/api/store/checkpoint?mode=truncate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TRUNCATE", body["mode"])

	rec, _ = f.do(t, http.MethodPost, "/api/store/checkpoint?mode=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaAndBanditReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.router.Ledger.Allocate(ctx, "botA", "BTC-USDT", "BTC", 0.5, 0))
	require.NoError(t, f.router.Ledger.Allocate(ctx, "botB", "BTC-USDT", "BTC", 0.3, 0))
	require.NoError(t, f.router.Bandit.Update(ctx, "BTC-USDT", "stop_loss_pct", 2, 1.5))

	rec, body := f.do(t, http.MethodGet, "/api/quota/btc", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.8, body["allocated_qty"])
	assert.Len(t, body["allocations"], 2)

	rec, body = f.do(t, http.MethodGet, "/api/bandit/symbols", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"BTC-USDT"}, body["symbols"])

	rec, body = f.do(t, http.MethodGet, "/api/bandit/stats?symbol=BTC-USDT", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["arms"], 1)

	rec, _ = f.do(t, http.MethodGet, "/api/bandit/stats", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "botfleet_write_queue_depth")
}
