// Package main - debug.go
//
// This file implements logging and the diagnostic archive.
//
// Major Components:
//
// 1. Logging System:
//    - log/slog records, JSON to a rotating file (lumberjack), text to stderr
//    - File receives DEBUG and above, console WARN and above
//    - Global logger accessible via LogDebug/LogInfo/LogWarn/LogError
//    - Logging before InitLogger is a no-op
//
// 2. Diagnostic Archive:
//    - Written when a skin is confirmed
//    - <archive_dir>/skin_<creature>_<unixmilli>.png holds the sprite raster
//    - A .yaml file with the same stem holds the triggering DetectionSignal
//    - Read by a human, never by the bot
//
// Logging Levels:
//   - DEBUG: Tick trace (stage outcomes, distances, timings)
//   - INFO: State transitions, startup, catalogue loads
//   - WARN: Narrowed stages, skipped catalogue entries, dispatch failures
//   - ERROR: Problems that need the operator (archive write failure, fatal config)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vcaesar/imgo"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// multiHandler dispatches log records to the console and the log file.
type multiHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.console.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.file.Enabled(ctx, r.Level) {
		if err := h.file.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if h.console.Enabled(ctx, r.Level) {
		return h.console.Handle(ctx, r)
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &multiHandler{console: h.console.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	return &multiHandler{console: h.console.WithGroup(name), file: h.file.WithGroup(name)}
}

var (
	loggerMu     sync.RWMutex
	globalLogger *slog.Logger
	logFile      *lumberjack.Logger
)

// InitLogger initializes the global logger writing to path (rotated at 10MB, 3 backups)
func InitLogger(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		LocalTime:  true,
	}

	handler := &multiHandler{
		console: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		file:    slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}

	loggerMu.Lock()
	globalLogger = slog.New(handler)
	logFile = lj
	loggerMu.Unlock()

	LogInfo("Logger initialized (%s)", path)
	return nil
}

// CloseLogger flushes and closes the log file
func CloseLogger() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	globalLogger = nil
}

// Logger returns the structured logger; it discards records until InitLogger runs
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return globalLogger
}

func logf(level slog.Level, format string, v ...interface{}) {
	loggerMu.RLock()
	l := globalLogger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

// LogDebug is a convenience function for debug logging
func LogDebug(format string, v ...interface{}) {
	logf(slog.LevelDebug, format, v...)
}

// LogInfo is a convenience function for info logging
func LogInfo(format string, v ...interface{}) {
	logf(slog.LevelInfo, format, v...)
}

// LogWarn is a convenience function for warning logging
func LogWarn(format string, v ...interface{}) {
	logf(slog.LevelWarn, format, v...)
}

// LogError is a convenience function for error logging
func LogError(format string, v ...interface{}) {
	logf(slog.LevelError, format, v...)
}

// Archiver stores the evidence of a confirmed skin and returns where it went.
type Archiver interface {
	Archive(sig DetectionSignal) (string, error)
}

// DiagnosticArchive writes skin evidence below a directory.
type DiagnosticArchive struct {
	dir string
}

// NewDiagnosticArchive creates an archive rooted at dir
func NewDiagnosticArchive(dir string) *DiagnosticArchive {
	return &DiagnosticArchive{dir: dir}
}

// archiveRecord is the sidecar written next to the archived raster
type archiveRecord struct {
	Creature      string    `yaml:"creature"`
	Seq           uint64    `yaml:"seq"`
	CapturedAt    time.Time `yaml:"captured_at"`
	OCRConfidence float64   `yaml:"ocr_confidence"`
	HashDistance  *float64  `yaml:"hash_distance,omitempty"`
	SSIM          *float64  `yaml:"ssim,omitempty"`
	IsSkin        bool      `yaml:"is_skin"`
	Issues        []string  `yaml:"issues,omitempty"`
}

// ArchiveName returns the deterministic file stem for a creature and capture time
func ArchiveName(creature string, capturedAt time.Time) string {
	creature = SanitizeFileName(creature)
	if creature == "" {
		creature = "unknown"
	}
	return fmt.Sprintf("skin_%s_%d", creature, capturedAt.UnixMilli())
}

// Archive writes the sprite raster and the signal sidecar. Returns the raster path.
func (a *DiagnosticArchive) Archive(sig DetectionSignal) (string, error) {
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	capturedAt := sig.At
	if sig.Sprite != nil && !sig.Sprite.CapturedAt.IsZero() {
		capturedAt = sig.Sprite.CapturedAt
	}
	stem := filepath.Join(a.dir, ArchiveName(sig.Name(), capturedAt))

	imgPath := ""
	if sig.Sprite != nil && sig.Sprite.Image != nil {
		imgPath = stem + ".png"
		if err := imgo.Save(imgPath, sig.Sprite.Image); err != nil {
			return "", fmt.Errorf("save sprite %s: %w", imgPath, err)
		}
	}

	rec := archiveRecord{
		Creature:      sig.Name(),
		Seq:           sig.Seq,
		CapturedAt:    capturedAt,
		OCRConfidence: sig.OCRConfidence,
		HashDistance:  sig.HashDistance,
		SSIM:          sig.SSIM,
		IsSkin:        sig.Skin(),
	}
	for _, issue := range sig.Issues {
		rec.Issues = append(rec.Issues, issue.Error())
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return imgPath, err
	}
	if err := os.WriteFile(stem+".yaml", data, 0644); err != nil {
		return imgPath, fmt.Errorf("write signal record: %w", err)
	}

	if imgPath == "" {
		imgPath = stem + ".yaml"
	}
	LogInfo("Archived skin evidence: %s", imgPath)
	return imgPath, nil
}

// SanitizeFileName keeps letters, digits, '-' and '_' so creature names are safe in paths
func SanitizeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
