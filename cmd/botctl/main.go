// Command botctl is the operator CLI for a running botfleet daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *cliEnv, args []string) error
}

var commands = []command{
	{"list", "list active bots and continuous groups", cmdList},
	{"start", "launch a bot (one-shot or continuous)", cmdStart},
	{"stop", "stop a bot by id", cmdStop},
	{"stop-groups", "stop every continuous group", cmdStopGroups},
	{"reconcile", "run a reconciliation pass now", cmdReconcile},
	{"checkpoint", "force a WAL checkpoint", cmdCheckpoint},
	{"sessions", "show recorded bot sessions", cmdSessions},
	{"bandit", "show bandit arms or reward history", cmdBandit},
	{"quota", "show allocated quantity for an asset", cmdQuota},
	{"report", "offline summary read straight from a store file", cmdReport},
}

type cliEnv struct {
	out    io.Writer
	output string
	client *apiClient
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(argv []string, stdout, stderr io.Writer) int {
	_ = godotenv.Load()

	global := flag.NewFlagSet("botctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	addr := global.String("addr", envOr("BOTFLEET_ADDR", "http://127.0.0.1:9992"), "admin API base URL")
	timeout := global.Duration("timeout", 30*time.Second, "request timeout")
	output := global.StringP("output", "o", "table", "table | json | yaml")
	global.SetInterspersed(false)
	global.Usage = func() { usage(stderr, global) }
	if err := global.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(stderr, global)
		return 2
	}
	switch *output {
	case "table", "json", "yaml":
	default:
		fmt.Fprintf(stderr, "unknown output format %q\n", *output)
		return 2
	}
	cmd, ok := lookup(rest[0])
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", rest[0])
		usage(stderr, global)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	env := &cliEnv{out: stdout, output: *output, client: newAPIClient(*addr, *timeout)}
	if err := cmd.run(ctx, env, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "botctl %s: %v\n", cmd.name, err)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return 2
		}
		return 1
	}
	return 0
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: botctl [--addr URL] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]command, len(commands))
	copy(names, commands)
	sort.Slice(names, func(i, j int) bool { return names[i].name < names[j].name })
	for _, c := range names {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "global flags:")
	fmt.Fprint(w, fs.FlagUsages())
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func subFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("botctl "+name, flag.ContinueOnError)
	fs.SortFlags = false
	return fs
}
