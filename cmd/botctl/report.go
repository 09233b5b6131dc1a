package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	_ "modernc.org/sqlite"
)

// cmdReport reads a store file directly, without a running daemon. The
// connection is opened read-only so a live writer is never blocked.
func cmdReport(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("report")
	path := fs.String("db", envOr("BOTFLEET_DB", "data/botfleet.db"), "path to the botfleet SQLite file")
	top := fs.Int("top", 10, "rows per section")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err != nil {
		return fmt.Errorf("store file: %w", err)
	}
	db, err := openReportDB(*path)
	if err != nil {
		return err
	}
	defer db.Close()
	return writeReport(ctx, db, env.out, *top)
}

func openReportDB(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=" + url.QueryEscape("busy_timeout(5000)")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

func writeReport(ctx context.Context, db *sql.DB, w io.Writer, top int) error {
	if top <= 0 {
		top = 10
	}
	if err := reportSessions(ctx, db, w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	if err := reportExitReasons(ctx, db, w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	if err := reportQuota(ctx, db, w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	return reportArms(ctx, db, w, top)
}

func reportSessions(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `
	SELECT status, COUNT(*), MIN(start_ts), MAX(start_ts)
	FROM bot_sessions GROUP BY status ORDER BY status`)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	defer rows.Close()
	t := newTable(w, "STATUS", "SESSIONS", "FIRST START", "LAST START")
	for rows.Next() {
		var (
			status      string
			n           int64
			first, last sql.NullInt64
		)
		if err := rows.Scan(&status, &n, &first, &last); err != nil {
			return err
		}
		t.AppendRow(table.Row{status, n, msTime(first), msTime(last)})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	t.SetTitle("Sessions")
	t.Render()
	return nil
}

func reportExitReasons(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `
	SELECT COALESCE(NULLIF(exit_reason, ''), '-'), COUNT(*)
	FROM bot_sessions WHERE status = 'stopped'
	GROUP BY 1 ORDER BY 2 DESC`)
	if err != nil {
		return fmt.Errorf("exit reasons: %w", err)
	}
	defer rows.Close()
	t := newTable(w, "EXIT REASON", "COUNT")
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return err
		}
		t.AppendRow(table.Row{reason, n})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	t.SetTitle("Exit reasons")
	t.Render()
	return nil
}

func reportQuota(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, `
	SELECT asset, COUNT(*), COALESCE(SUM(qty), 0)
	FROM quota_ledger WHERE status = 'allocated'
	GROUP BY asset ORDER BY asset`)
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	defer rows.Close()
	t := newTable(w, "ASSET", "ALLOCATIONS", "QTY")
	for rows.Next() {
		var asset string
		var n int64
		var qty float64
		if err := rows.Scan(&asset, &n, &qty); err != nil {
			return err
		}
		t.AppendRow(table.Row{asset, n, fmtFloat(qty)})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	t.SetTitle("Allocated quota")
	t.Render()
	return nil
}

func reportArms(ctx context.Context, db *sql.DB, w io.Writer, top int) error {
	rows, err := db.QueryContext(ctx, `
	SELECT symbol, param_name, param_value, n, mean_reward
	FROM bandit_arms WHERE n > 0
	ORDER BY mean_reward DESC, n DESC LIMIT ?`, top)
	if err != nil {
		return fmt.Errorf("bandit arms: %w", err)
	}
	defer rows.Close()
	t := newTable(w, "SYMBOL", "PARAM", "VALUE", "N", "MEAN REWARD")
	for rows.Next() {
		var sym, param string
		var value, mean float64
		var n int64
		if err := rows.Scan(&sym, &param, &value, &n, &mean); err != nil {
			return err
		}
		t.AppendRow(table.Row{sym, param, fmtFloat(value), n, fmtFloat(mean)})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	t.SetTitle("Best bandit arms")
	t.Render()
	return nil
}

func msTime(v sql.NullInt64) string {
	if !v.Valid || v.Int64 == 0 {
		return "-"
	}
	return time.UnixMilli(v.Int64).Local().Format("2006-01-02 15:04:05")
}
