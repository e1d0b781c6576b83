// Package logging provides structured JSON logging for the checkpoint
// engine, built on log/slog. Call Init once per process with the
// repository root and a session identifier; every subsequent Debug/
// Info/Warn/Error call picks session/component/agent fields out of the
// context automatically so call sites don't thread a logger through
// every function signature.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelEnvVar is the environment variable that overrides the log level.
const LevelEnvVar = "STEPVAULT_LOG_LEVEL"

// LogsDir is the directory logs are written under, relative to the
// repository root.
const LogsDir = ".stepvault/logs"

var (
	mu           sync.RWMutex
	logger       *slog.Logger
	logFile      *os.File
	logBufWriter *bufio.Writer
	sessionID    string
)

// Init opens a session log file at <repoRoot>/.stepvault/logs/<sessionID>.log
// and directs every subsequent package-level log call there. If the log
// directory or file can't be created, logging falls back to stderr
// rather than failing the caller — a logging failure must never block a
// checkpoint write.
func Init(repoRoot, id string) error {
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("logging: invalid session id %q", id)
	}

	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	level := parseLevel(os.Getenv(LevelEnvVar))

	logsPath := filepath.Join(repoRoot, LogsDir)
	if err := os.MkdirAll(logsPath, 0o750); err != nil {
		logger = newLogger(os.Stderr, level)
		return nil //nolint:nilerr // fall back to stderr rather than fail the caller
	}

	f, err := os.OpenFile(filepath.Join(logsPath, id+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logger = newLogger(os.Stderr, level)
		return nil //nolint:nilerr
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = newLogger(logBufWriter, level)
	sessionID = id
	return nil
}

// Close flushes and closes the current log file, if any. Safe to call
// multiple times or without a prior Init.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	sessionID = ""
}

func currentLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func currentSessionID() string {
	mu.RLock()
	defer mu.RUnlock()
	return sessionID
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs at DEBUG level, pulling session/component/agent fields out
// of ctx.
func Debug(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelDebug, msg, attrs...) }

// Info logs at INFO level, pulling session/component/agent fields out
// of ctx.
func Info(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelInfo, msg, attrs...) }

// Warn logs at WARN level, pulling session/component/agent fields out
// of ctx.
func Warn(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelWarn, msg, attrs...) }

// Error logs at ERROR level, pulling session/component/agent fields out
// of ctx.
func Error(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelError, msg, attrs...) }

// LogDuration logs msg at level with a duration_ms attribute measured
// from start. Meant for use with defer:
//
//	defer logging.LogDuration(ctx, slog.LevelDebug, "wrote checkpoint", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	allAttrs := make([]any, 0, len(attrs)+1)
	allAttrs = append(allAttrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	allAttrs = append(allAttrs, attrs...)
	log(ctx, level, msg, allAttrs...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	var allAttrs []any

	if id := currentSessionID(); id != "" {
		allAttrs = append(allAttrs, slog.String("session_id", id))
	} else if id := stringFromContext(ctx, sessionIDKey); id != "" {
		allAttrs = append(allAttrs, slog.String("session_id", id))
	}
	if wt := stringFromContext(ctx, worktreeIDKey); wt != "" {
		allAttrs = append(allAttrs, slog.String("worktree_id", wt))
	}
	if c := stringFromContext(ctx, componentKey); c != "" {
		allAttrs = append(allAttrs, slog.String("component", c))
	}
	if a := stringFromContext(ctx, agentKey); a != "" {
		allAttrs = append(allAttrs, slog.String("agent", a))
	}

	allAttrs = append(allAttrs, attrs...)
	currentLogger().Log(ctx, level, msg, allAttrs...)
}
