package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	levelVar   = zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerMu   sync.RWMutex
	baseLogger *zap.SugaredLogger
	rotator    *lumberjack.Logger
)

// FileOptions 描述滚动日志文件的参数，Path 为空时只输出到控制台。
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func init() {
	baseLogger = newLogger(zapcore.AddSync(os.Stdout))
}

func encoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func newLogger(writers ...zapcore.WriteSyncer) *zap.SugaredLogger {
	cores := make([]zapcore.Core, 0, len(writers))
	for _, w := range writers {
		if w == nil {
			continue
		}
		cores = append(cores, zapcore.NewCore(encoder(), w, levelVar))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder(), zapcore.AddSync(os.Stdout), levelVar))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// SetOutput replaces every sink with w.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	baseLogger = newLogger(zapcore.AddSync(w))
	loggerMu.Unlock()
}

// SetupFile tees console output into a lumberjack-rotated file.
func SetupFile(opts FileOptions) error {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	loggerMu.Lock()
	if rotator != nil {
		_ = rotator.Close()
	}
	rotator = lj
	baseLogger = newLogger(zapcore.AddSync(os.Stdout), zapcore.AddSync(lj))
	loggerMu.Unlock()
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndexAny(path, `/\`)
	if idx <= 0 {
		return "."
	}
	return path[:idx]
}

func SetLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		levelVar.SetLevel(zap.DebugLevel)
	case "info":
		levelVar.SetLevel(zap.InfoLevel)
	case "warn", "warning":
		levelVar.SetLevel(zap.WarnLevel)
	case "error":
		levelVar.SetLevel(zap.ErrorLevel)
	default:
		levelVar.SetLevel(zap.InfoLevel)
	}
}

// Level reports the active level name.
func Level() string {
	return levelVar.Level().String()
}

func activeLogger() *zap.SugaredLogger {
	loggerMu.RLock()
	l := baseLogger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if baseLogger == nil {
		baseLogger = newLogger(zapcore.AddSync(os.Stdout))
	}
	return baseLogger
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = activeLogger().Sync()
	loggerMu.Lock()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
	loggerMu.Unlock()
}

func Debugf(format string, v ...any) {
	activeLogger().Debugf(format, v...)
}

func Infof(format string, v ...any) {
	activeLogger().Infof(format, v...)
}

func Warnf(format string, v ...any) {
	activeLogger().Warnf(format, v...)
}

func Errorf(format string, v ...any) {
	activeLogger().Errorf(format, v...)
}

// Component is a logger bound to a fixed "component" field.
type Component struct {
	name string
}

// With returns a component-scoped logger; the sink is resolved per call so
// later SetOutput/SetupFile calls still apply.
func With(name string) Component {
	return Component{name: name}
}

func (c Component) Debugf(format string, v ...any) {
	activeLogger().With("component", c.name).Debugf(format, v...)
}

func (c Component) Infof(format string, v ...any) {
	activeLogger().With("component", c.name).Infof(format, v...)
}

func (c Component) Warnf(format string, v ...any) {
	activeLogger().With("component", c.name).Warnf(format, v...)
}

func (c Component) Errorf(format string, v ...any) {
	activeLogger().With("component", c.name).Errorf(format, v...)
}

func InfoBlock(block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	for _, line := range strings.Split(block, "\n") {
		Infof("%s", line)
	}
}
