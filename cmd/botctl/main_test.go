package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requestLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *requestLog) add(s string) {
	l.mu.Lock()
	l.seen = append(l.seen, s)
	l.mu.Unlock()
}

func (l *requestLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

func fakeAdmin(t *testing.T) (*httptest.Server, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bots", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Method + " " + r.URL.Path)
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			var req map[string]any
			require.NoError(t, json.Unmarshal(body, &req))
			if req["symbol"] == "" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"symbol is required"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"bot-abc","continuous":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"bots":[{"id":"bot-abc","pid":4242,"symbol":"BTCUSDT","mode":"long","generation":2,"group_id":"grp-1","started_at":"2026-01-02T03:04:05Z"}],
			"groups":[{"id":"grp-1","state":"active","current_id":"bot-abc","generation":2,"recent_restarts":1}]}`))
	})
	mux.HandleFunc("/api/bots/", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Method + " " + r.URL.Path)
		if r.URL.Path == "/api/bots/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown bot"}`))
			return
		}
		_, _ = w.Write([]byte(`{"stopped":true}`))
	})
	mux.HandleFunc("/api/groups/stop", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Method + " " + r.URL.Path)
		_, _ = w.Write([]byte(`{"stopped_groups":3}`))
	})
	mux.HandleFunc("/api/store/checkpoint", func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"mode":"TRUNCATE","busy":false,"log_frames":12,"checkpointed_frames":12}`))
	})
	mux.HandleFunc("/api/quota/BTC", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"asset":"BTC","allocated_qty":0.8,"allocations":[{"bot_id":"bot-a","symbol":"BTCUSDT","qty":0.5},{"bot_id":"bot-b","symbol":"BTCUSDT","qty":0.3,"entry_price":100}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, seen
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestListRendersBotsAndGroups(t *testing.T) {
	srv, _ := fakeAdmin(t)
	code, out, _ := runCLI(t, "--addr", srv.URL, "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bot-abc")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "grp-1")
	assert.Contains(t, out, "active")
}

func TestListYAMLOutputKeepsFieldOrder(t *testing.T) {
	srv, _ := fakeAdmin(t)
	code, out, _ := runCLI(t, "--addr", srv.URL, "-o", "yaml", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bots:\n")
	assert.Contains(t, out, "id: bot-abc")
	assert.Contains(t, out, "pid: 4242")
	assert.Less(t, strings.Index(out, "bots:"), strings.Index(out, "groups:"))

	code, _, _ = runCLI(t, "--addr", srv.URL, "-o", "xml", "list")
	assert.Equal(t, 2, code)
}

func TestStartAndStop(t *testing.T) {
	srv, seen := fakeAdmin(t)
	code, out, _ := runCLI(t, "--addr", srv.URL, "start", "--symbol", "BTCUSDT", "--size", "0.1", "--continuous", "--targets", "[[1,1]]")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "started continuous bot bot-abc")

	code, out, _ = runCLI(t, "--addr", srv.URL, "stop", "bot-abc")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "stopped bot-abc")
	assert.Contains(t, seen.list(), "DELETE /api/bots/bot-abc")
}

func TestClientErrorsMapToExitCodes(t *testing.T) {
	srv, _ := fakeAdmin(t)
	code, _, errOut := runCLI(t, "--addr", srv.URL, "stop", "missing")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unknown bot")

	code, _, errOut = runCLI(t, "--addr", srv.URL, "start", "--symbol", "")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "symbol is required")

	code, _, _ = runCLI(t, "--addr", srv.URL, "no-such-command")
	assert.Equal(t, 2, code)
}

func TestStopGroupsCheckpointQuota(t *testing.T) {
	srv, seen := fakeAdmin(t)
	code, out, _ := runCLI(t, "--addr", srv.URL, "stop-groups")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "stopped 3 continuous group(s)")

	code, out, _ = runCLI(t, "--addr", srv.URL, "checkpoint")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "checkpoint TRUNCATE: done")
	assert.Contains(t, seen.list(), "POST /api/store/checkpoint?mode=TRUNCATE")

	code, out, _ = runCLI(t, "--addr", srv.URL, "quota", "BTC")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "bot-a")
	assert.Contains(t, out, "0.8")
}

func TestReportReadsStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	stmts := []string{
		`CREATE TABLE bot_sessions (id TEXT PRIMARY KEY, status TEXT, exit_reason TEXT, start_ts INTEGER)`,
		`CREATE TABLE quota_ledger (bot_id TEXT PRIMARY KEY, asset TEXT, qty REAL, status TEXT)`,
		`CREATE TABLE bandit_arms (id INTEGER PRIMARY KEY, symbol TEXT, param_name TEXT, param_value REAL, n INTEGER, mean_reward REAL)`,
		`INSERT INTO bot_sessions VALUES ('bot-1','stopped','exited_normally',1700000000000),('bot-2','stopped','killed',1700000001000),('bot-3','running','',1700000002000)`,
		`INSERT INTO quota_ledger VALUES ('bot-3','BTC',0.25,'allocated'),('bot-1','BTC',1,'released')`,
		`INSERT INTO bandit_arms (symbol,param_name,param_value,n,mean_reward) VALUES ('BTCUSDT','stop_loss_pct',2,5,1.5),('BTCUSDT','stop_loss_pct',3,0,0)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	require.NoError(t, db.Close())

	rdb, err := openReportDB(path)
	require.NoError(t, err)
	defer rdb.Close()
	var buf bytes.Buffer
	require.NoError(t, writeReport(context.Background(), rdb, &buf, 5))
	out := buf.String()
	assert.Contains(t, out, "exited_normally")
	assert.Contains(t, out, "killed")
	assert.Contains(t, out, "0.25")
	assert.Contains(t, out, "BTCUSDT")
	assert.Contains(t, out, "1.5")
}
