// Package log is origin's structured logger. Warnings go to stderr; with a
// debug directory configured, every record also goes to a daily JSONL file.
//
// Records about one packet carry the same verification_id (orchestrator) or
// message_id (streaming verifier), and a long-running verifier tags all of
// its records with instance_id, so one packet's path through the pipeline
// can be pulled out of the debug files with a single filter.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Attribute keys shared by the packages that log about packets.
const (
	KeyInstance     = "instance_id"
	KeyVerification = "verification_id"
	KeyMessage      = "message_id"
	KeyProcess      = "process"
	KeySlot         = "slot"
	KeyTopic        = "topic"
)

var (
	// base is the handler chain without the instance tag.
	base       slog.Handler
	logger     *slog.Logger
	fileWriter *FileWriter
)

// Options configures the logger.
type Options struct {
	// Verbose sends debug and info records to stderr as well.
	Verbose bool
	// JSONFormat writes stderr records as JSON instead of text.
	JSONFormat bool
	// DebugDir holds the daily debug files. Empty disables them.
	DebugDir string
	// RetentionDays removes debug files older than this many days (0 keeps all).
	RetentionDays int
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Init installs the logger described by opts as the process default.
func Init(opts Options) error {
	handlers := []slog.Handler{stderrHandler(opts)}

	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}
		fw, err := NewFileWriter(opts.DebugDir)
		if err != nil {
			return err
		}
		fileWriter = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	install(&fanout{handlers: handlers})
	return nil
}

func stderrHandler(opts Options) slog.Handler {
	w := opts.Stderr
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	ho := &slog.HandlerOptions{Level: level}
	if opts.JSONFormat {
		return slog.NewJSONHandler(w, ho)
	}
	return slog.NewTextHandler(w, ho)
}

func install(h slog.Handler) {
	base = h
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// Close flushes and closes the debug file, if any.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

func Debug(msg string, args ...any) { logger.Debug(msg, args...) }
func Info(msg string, args ...any)  { logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { logger.Warn(msg, args...) }
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// Verification returns the logger for one run of the verification pipeline.
func Verification(verificationID, processID string, slot uint64) *slog.Logger {
	return logger.With(KeyVerification, verificationID, KeyProcess, processID, KeySlot, slot)
}

// Message returns the logger for one message taken off the ingest topic.
func Message(messageID, topic string) *slog.Logger {
	return logger.With(KeyMessage, messageID, KeyTopic, topic)
}

// SetInstanceID tags every later record with instance_id. A second call
// replaces the tag; an empty id removes it.
func SetInstanceID(instanceID string) {
	h := base
	if instanceID != "" {
		h = base.WithAttrs([]slog.Attr{slog.String(KeyInstance, instanceID)})
	}
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// SetOutput sends every record, at any level, to w as text (for testing).
func SetOutput(w io.Writer) {
	install(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Printf adapts the logger to libraries that take a printf-style logger,
// such as kafka-go's Writer.Logger and Writer.ErrorLogger.
type Printf slog.Level

// Printf logs a formatted message at the adapter's level.
func (p Printf) Printf(format string, args ...any) {
	logger.Log(context.Background(), slog.Level(p), fmt.Sprintf(format, args...))
}

func init() {
	install(slog.Default().Handler())
}
