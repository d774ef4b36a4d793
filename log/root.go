package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Module names used across the repository.
const (
	Disasm   = "disasm"
	Analysis = "analysis"
	Emu      = "emu"
	Snapshot = "snapshot"
	Loader   = "loader"
	Console  = "console"
	CLI      = "cli"
)

var knownModules = []string{Disasm, Analysis, Emu, Snapshot, Loader, Console, CLI}

var root atomic.Value

func init() {
	root.Store(NewLogger(DiscardHandler()))
}

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

// Init installs a root logger writing to w. format is "text" or "json".
// At trace or debug level every known module is enabled.
func Init(level, format string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", format)
	}

	SetDefault(NewLogger(NewHandler(w, lvl, format)))
	if lvl <= LevelDebug {
		for _, m := range knownModules {
			EnableModule(m)
		}
	}
	return nil
}

// SetDefault sets the default global logger.
func SetDefault(l Logger) {
	root.Store(l)
}

// Root returns the root logger.
func Root() Logger {
	return root.Load().(Logger)
}

var (
	modulesMu     sync.RWMutex
	moduleEnabled = map[string]bool{}
)

// EnableModule enables trace and debug logging for the specified module.
func EnableModule(module string) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	moduleEnabled[module] = true
}

// DisableModule disables trace and debug logging for the specified module.
func DisableModule(module string) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	moduleEnabled[module] = false
}

func isModuleEnabled(module string) bool {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	return moduleEnabled[module]
}

// Trace logs a message at the trace level for a specific module.
func Trace(module string, msg string, ctx ...any) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(LevelTrace, module, msg, ctx...)
}

// Debug logs a message at the debug level for a specific module.
func Debug(module string, msg string, ctx ...any) {
	if !isModuleEnabled(module) {
		return
	}
	Root().Write(slog.LevelDebug, module, msg, ctx...)
}

// Info, Warn and Error do not filter on module.
func Info(module string, msg string, ctx ...any) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...any) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...any) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

// New returns a child of the root logger carrying ctx.
func New(ctx ...any) Logger {
	return Root().With(ctx...)
}
