package worker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/pkg/symbol"
	"botfleet/internal/pkg/targets"

	"github.com/spf13/pflag"
)

// ErrInvalidArgs marks a launch that can never succeed; the worker exits
// with ExitConfig instead of 1 so the supervisor can tell them apart.
var ErrInvalidArgs = errors.New("worker: invalid arguments")

const (
	ModeLong  = "long"
	ModeShort = "short"
)

// Args is the launch contract between the supervisor and one worker
// generation.
type Args struct {
	BotID      string
	Symbol     string
	EntryPrice float64
	Mode       string
	Targets    []targets.Target
	Interval   time.Duration
	Size       float64
	Funds      float64
	DryRun     bool
	ConfigPath string
}

// Argv renders a as command-line flags understood by ParseArgs.
func (a Args) Argv() []string {
	argv := []string{
		"--bot-id", a.BotID,
		"--symbol", a.Symbol,
		"--entry-price", strconv.FormatFloat(a.EntryPrice, 'f', -1, 64),
		"--mode", a.Mode,
		"--targets", targets.Format(a.Targets),
		"--interval", a.Interval.String(),
		"--size", strconv.FormatFloat(a.Size, 'f', -1, 64),
		"--funds", strconv.FormatFloat(a.Funds, 'f', -1, 64),
		"--dry-run=" + strconv.FormatBool(a.DryRun),
	}
	if a.ConfigPath != "" {
		argv = append(argv, "--config", a.ConfigPath)
	}
	return argv
}

// ParseArgs parses argv (without the program name).
func ParseArgs(argv []string) (Args, error) {
	fs := pflag.NewFlagSet("botworker", pflag.ContinueOnError)
	var (
		a          Args
		rawTargets string
	)
	fs.StringVar(&a.BotID, "bot-id", "", "unique bot identifier")
	fs.StringVar(&a.Symbol, "symbol", "", "trading symbol, e.g. BTC-USDT")
	fs.Float64Var(&a.EntryPrice, "entry-price", 0, "entry price; 0 uses the first observed price")
	fs.StringVar(&a.Mode, "mode", ModeLong, "long | short")
	fs.StringVar(&rawTargets, "targets", "", "take-profit ladder as JSON [[threshold,fraction],...]")
	fs.DurationVar(&a.Interval, "interval", 5*time.Second, "price polling interval")
	fs.Float64Var(&a.Size, "size", 0, "position size in base asset")
	fs.Float64Var(&a.Funds, "funds", 0, "quote funds available to this bot")
	fs.BoolVar(&a.DryRun, "dry-run", true, "simulate fills")
	fs.StringVar(&a.ConfigPath, "config", "", "config file path")
	if err := fs.Parse(argv); err != nil {
		return Args{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	ts, err := targets.Parse(rawTargets)
	if err != nil {
		return Args{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	a.Targets = ts
	a.Symbol = symbol.Normalize(a.Symbol)
	a.Mode = strings.ToLower(strings.TrimSpace(a.Mode))
	if err := a.Validate(); err != nil {
		return Args{}, err
	}
	return a, nil
}

func (a Args) Validate() error {
	switch {
	case strings.TrimSpace(a.BotID) == "":
		return fmt.Errorf("%w: bot-id is required", ErrInvalidArgs)
	case !symbol.IsValid(a.Symbol):
		return fmt.Errorf("%w: symbol %q", ErrInvalidArgs, a.Symbol)
	case a.Mode != ModeLong && a.Mode != ModeShort:
		return fmt.Errorf("%w: mode %q", ErrInvalidArgs, a.Mode)
	case a.EntryPrice < 0:
		return fmt.Errorf("%w: entry-price must be >= 0", ErrInvalidArgs)
	case a.Interval <= 0:
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidArgs)
	case a.Size <= 0 && a.Funds <= 0:
		return fmt.Errorf("%w: size or funds is required", ErrInvalidArgs)
	case a.Size < 0 || a.Funds < 0:
		return fmt.Errorf("%w: size and funds must be >= 0", ErrInvalidArgs)
	}
	if err := targets.Validate(a.Targets); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return nil
}
