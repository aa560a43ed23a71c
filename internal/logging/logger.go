// Package logging provides config-driven categorized file-based logging for
// the analysis core. Logs are written to <output_dir>/logs/ with separate
// files per category. Logging is controlled by GCODECHECK_DEBUG - when unset,
// no logs are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup/initialization
	CategoryParser   Category = "parser"   // G-code tokenization, encoding fallback
	CategoryDetect   Category = "detect"   // Slicer/firmware/equipment detection
	CategorySegments Category = "segments" // Motion replay, segment extraction
	CategorySummary  Category = "summary"  // Comprehensive summary passes
	CategoryRules    Category = "rules"    // Rule engine detections
	CategoryWorkflow Category = "workflow" // Orchestrator node transitions
	CategoryAPI      Category = "api"      // LLM API calls
	CategoryStore    Category = "store"    // Filesystem analysis store
	CategoryProgress Category = "progress" // Progress tracker updates
	CategoryPatch    Category = "patch"    // Patch planning and application
	CategoryLimiter  Category = "limiter"  // Rate limiter decisions
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
)

// Initialize sets up the logging directory. Should be called once at startup
// with the output directory. When GCODECHECK_DEBUG is not set this is a
// silent no-op and every logging call becomes free.
func Initialize(outputDir string) error {
	if outputDir == "" {
		return fmt.Errorf("output directory required")
	}

	enabled = os.Getenv("GCODECHECK_DEBUG") != ""
	switch strings.ToLower(os.Getenv("GCODECHECK_LOG_LEVEL")) {
	case "debug":
		logLevel = LevelDebug
	case "warn":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	if !enabled {
		return nil
	}

	logsDir = filepath.Join(outputDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== gcodecheck logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	return nil
}

// Enabled reports whether debug logging is active.
func Enabled() bool {
	return enabled
}

// Get returns (creating if needed) the logger for a category.
func Get(cat Category) *Logger {
	loggersMu.RLock()
	l, ok := loggers[cat]
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}

	l = &Logger{category: cat}
	if enabled && logsDir != "" {
		path := filepath.Join(logsDir, string(cat)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[cat] = l
	return l
}

func (l *Logger) write(level int, levelName, format string, args ...interface{}) {
	if !enabled || l.logger == nil || level < logLevel {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s", ts, levelName, l.category, msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Close flushes and closes all open log files.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
			l.file = nil
			l.logger = nil
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience helpers for the hot categories, mirroring call sites that
// don't want to hold a logger.

// Parser logs to the parser category at info level.
func Parser(format string, args ...interface{}) { Get(CategoryParser).Info(format, args...) }

// Segments logs to the segments category at info level.
func Segments(format string, args ...interface{}) { Get(CategorySegments).Info(format, args...) }

// Workflow logs to the workflow category at info level.
func Workflow(format string, args ...interface{}) { Get(CategoryWorkflow).Info(format, args...) }

// API logs to the api category at info level.
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIDebug logs to the api category at debug level.
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }

// Store logs to the store category at info level.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// Rules logs to the rules category at info level.
func Rules(format string, args ...interface{}) { Get(CategoryRules).Info(format, args...) }

// Limiter logs to the limiter category at info level.
func Limiter(format string, args ...interface{}) { Get(CategoryLimiter).Info(format, args...) }
