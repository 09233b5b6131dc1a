package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/tidwall/gjson"
)

func cmdList(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := env.client.get(ctx, "/api/bots", nil)
	if err != nil {
		return err
	}
	if done, err := env.emitRaw(res); done {
		return err
	}
	bots := newTable(env.out, "ID", "PID", "SYMBOL", "MODE", "GROUP", "GEN", "STARTED")
	res.Get("bots").ForEach(func(_, b gjson.Result) bool {
		bots.AppendRow(table.Row{
			b.Get("id").String(), b.Get("pid").Int(), b.Get("symbol").String(),
			b.Get("mode").String(), dash(b.Get("group_id").String()),
			b.Get("generation").Int(), shortTime(b.Get("started_at").String()),
		})
		return true
	})
	bots.SetCaption("%d running bot(s)", len(res.Get("bots").Array()))
	bots.Render()

	groups := res.Get("groups").Array()
	if len(groups) == 0 {
		return nil
	}
	fmt.Fprintln(env.out)
	gt := newTable(env.out, "GROUP", "STATE", "CURRENT", "GEN", "RECENT RESTARTS")
	for _, g := range groups {
		gt.AppendRow(table.Row{
			g.Get("id").String(), g.Get("state").String(), dash(g.Get("current_id").String()),
			g.Get("generation").Int(), g.Get("recent_restarts").Int(),
		})
	}
	gt.Render()
	return nil
}

func cmdStart(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("start")
	symbol := fs.String("symbol", "", "trading pair, e.g. BTCUSDT")
	entry := fs.Float64("entry-price", 0, "entry price (0 = use market price)")
	mode := fs.String("mode", "long", "long | short")
	targets := fs.String("targets", "", `profit ladder, e.g. "[[1,0.5],[2,0.5]]"`)
	interval := fs.Duration("interval", 0, "price polling interval")
	size := fs.Float64("size", 0, "position size in base asset")
	funds := fs.Float64("funds", 0, "free balance to reserve against (0 = no check)")
	dryRun := fs.Bool("dry-run", true, "simulate fills")
	continuous := fs.Bool("continuous", false, "respawn after each cycle until stopped")
	if err := fs.Parse(args); err != nil {
		return err
	}
	body := map[string]any{
		"symbol":      *symbol,
		"entry_price": *entry,
		"mode":        *mode,
		"size":        *size,
		"funds":       *funds,
		"continuous":  *continuous,
	}
	if strings.TrimSpace(*targets) != "" {
		body["targets"] = *targets
	}
	if *interval > 0 {
		body["interval"] = interval.String()
	}
	if fs.Changed("dry-run") {
		body["dry_run"] = *dryRun
	}
	res, err := env.client.post(ctx, "/api/bots", nil, body)
	if err != nil {
		return err
	}
	kind := "one-shot"
	if res.Get("continuous").Bool() {
		kind = "continuous"
	}
	fmt.Fprintf(env.out, "started %s bot %s\n", kind, res.Get("id").String())
	return nil
}

func cmdStop(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("stop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: botctl stop <bot-id> [<bot-id>...]")
	}
	for _, id := range fs.Args() {
		if _, err := env.client.delete(ctx, "/api/bots/"+url.PathEscape(id)); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		fmt.Fprintf(env.out, "stopped %s\n", id)
	}
	return nil
}

func cmdStopGroups(ctx context.Context, env *cliEnv, args []string) error {
	if err := subFlags("stop-groups").Parse(args); err != nil {
		return err
	}
	res, err := env.client.post(ctx, "/api/groups/stop", nil, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out, "stopped %d continuous group(s)\n", res.Get("stopped_groups").Int())
	return nil
}

func cmdReconcile(ctx context.Context, env *cliEnv, args []string) error {
	if err := subFlags("reconcile").Parse(args); err != nil {
		return err
	}
	res, err := env.client.post(ctx, "/api/reconcile", nil, nil)
	if err != nil {
		return err
	}
	if done, err := env.emitRaw(res); done {
		return err
	}
	t := newTable(env.out, "KIND", "ITEMS")
	t.AppendRow(table.Row{"orphan sessions", joinArray(res.Get("orphan_sessions"))})
	t.AppendRow(table.Row{"killed pids", joinArray(res.Get("killed_pids"))})
	t.AppendRow(table.Row{"released quota", joinArray(res.Get("released_quota"))})
	t.Render()
	return nil
}

func cmdCheckpoint(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("checkpoint")
	mode := fs.String("mode", "TRUNCATE", "PASSIVE | FULL | RESTART | TRUNCATE")
	if err := fs.Parse(args); err != nil {
		return err
	}
	res, err := env.client.post(ctx, "/api/store/checkpoint", url.Values{"mode": {*mode}}, nil)
	if err != nil {
		return err
	}
	if done, err := env.emitRaw(res); done {
		return err
	}
	status := "done"
	if res.Get("busy").Bool() {
		status = "busy"
	}
	fmt.Fprintf(env.out, "checkpoint %s: %s (log=%d, checkpointed=%d)\n",
		res.Get("mode").String(), status, res.Get("log_frames").Int(), res.Get("checkpointed_frames").Int())
	return nil
}

func cmdSessions(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("sessions")
	group := fs.String("group", "", "only sessions of this continuous group")
	running := fs.Bool("running", false, "only sessions still marked running")
	limit := fs.Int("limit", 50, "max rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := url.Values{"limit": {strconv.Itoa(*limit)}}
	if *group != "" {
		q.Set("group", *group)
	}
	if *running {
		q.Set("status", "running")
	}
	res, err := env.client.get(ctx, "/api/sessions", q)
	if err != nil {
		return err
	}
	if done, err := env.emitRaw(res); done {
		return err
	}
	t := newTable(env.out, "ID", "SYMBOL", "MODE", "GROUP", "GEN", "STATUS", "EXIT", "START", "END")
	res.Get("sessions").ForEach(func(_, s gjson.Result) bool {
		t.AppendRow(table.Row{
			s.Get("id").String(), s.Get("symbol").String(), s.Get("mode").String(),
			dash(s.Get("group_id").String()), s.Get("generation").Int(), s.Get("status").String(),
			dash(s.Get("exit_reason").String()), shortTime(s.Get("start_ts").String()),
			shortTime(s.Get("end_ts").String()),
		})
		return true
	})
	t.Render()
	return nil
}

func cmdBandit(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("bandit")
	symbol := fs.String("symbol", "", "symbol to inspect (empty lists known symbols)")
	param := fs.String("param", "stop_loss_pct", "parameter name")
	history := fs.Bool("history", false, "show reward history instead of arm stats")
	limit := fs.Int("limit", 50, "history rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*symbol) == "" {
		res, err := env.client.get(ctx, "/api/bandit/symbols", nil)
		if err != nil {
			return err
		}
		if done, err := env.emitRaw(res); done {
			return err
		}
		for _, s := range res.Get("symbols").Array() {
			fmt.Fprintln(env.out, s.String())
		}
		return nil
	}
	q := url.Values{"symbol": {*symbol}, "param": {*param}}
	if *history {
		q.Set("limit", strconv.Itoa(*limit))
		res, err := env.client.get(ctx, "/api/bandit/history", q)
		if err != nil {
			return err
		}
		if done, err := env.emitRaw(res); done {
			return err
		}
		t := newTable(env.out, "TIME", "VALUE", "REWARD")
		res.Get("history").ForEach(func(_, h gjson.Result) bool {
			t.AppendRow(table.Row{shortTime(h.Get("timestamp").String()), h.Get("value").Float(), fmtFloat(h.Get("reward").Float())})
			return true
		})
		t.Render()
		return nil
	}
	res, err := env.client.get(ctx, "/api/bandit/stats", q)
	if err != nil {
		return err
	}
	if done, err := env.emitRaw(res); done {
		return err
	}
	t := newTable(env.out, "VALUE", "N", "MEAN REWARD")
	res.Get("arms").ForEach(func(_, a gjson.Result) bool {
		t.AppendRow(table.Row{a.Get("value").Float(), a.Get("n").Int(), fmtFloat(a.Get("mean_reward").Float())})
		return true
	})
	t.SetCaption("%s / %s", res.Get("symbol").String(), res.Get("param").String())
	t.Render()
	return nil
}

func cmdQuota(ctx context.Context, env *cliEnv, args []string) error {
	fs := subFlags("quota")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: botctl quota <asset>")
	}
	res, err := env.client.get(ctx, "/api/quota/"+url.PathEscape(fs.Arg(0)), nil)
	if err != nil {
		return err
	}
	if done, err := env.emitRaw(res); done {
		return err
	}
	t := newTable(env.out, "BOT", "SYMBOL", "QTY", "ENTRY", "SINCE")
	res.Get("allocations").ForEach(func(_, r gjson.Result) bool {
		entry := "-"
		if e := r.Get("entry_price"); e.Exists() {
			entry = fmtFloat(e.Float())
		}
		t.AppendRow(table.Row{r.Get("bot_id").String(), r.Get("symbol").String(), fmtFloat(r.Get("qty").Float()), entry, shortTime(r.Get("allocated_at").String())})
		return true
	})
	t.AppendFooter(table.Row{"", res.Get("asset").String(), fmtFloat(res.Get("allocated_qty").Float()), "", ""})
	t.Render()
	return nil
}
