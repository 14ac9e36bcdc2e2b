package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FilePrefix names every log file: agent-mascot-YYYY-MM-DD.log.
const FilePrefix = "agent-mascot-"

// DefaultKeepDays is how many daily files are kept when none is configured.
const DefaultKeepDays = 7

const dateLayout = "2006-01-02"

// DailyRotator is an io.Writer over one log file per calendar day. Opening a
// new day's file deletes the oldest files so at most keepDays remain.
type DailyRotator struct {
	mu       sync.Mutex
	dir      string
	keepDays int
	day      string
	file     *os.File
	now      func() time.Time
}

// NewDailyRotator writes to dir. A non-positive keepDays uses DefaultKeepDays.
func NewDailyRotator(dir string, keepDays int) *DailyRotator {
	if keepDays <= 0 {
		keepDays = DefaultKeepDays
	}
	return &DailyRotator{dir: dir, keepDays: keepDays, now: time.Now}
}

// SetNow replaces the time source. Used in tests only.
func (r *DailyRotator) SetNow(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

// Path returns the file a record written on day t goes to.
func (r *DailyRotator) Path(t time.Time) string {
	return filepath.Join(r.dir, FilePrefix+t.Format(dateLayout)+".log")
}

func (r *DailyRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if day := now.Format(dateLayout); day != r.day || r.file == nil {
		if err := r.open(now); err != nil {
			return 0, err
		}
	}
	return r.file.Write(p)
}

func (r *DailyRotator) open(now time.Time) error {
	f, err := os.OpenFile(r.Path(now), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.day = now.Format(dateLayout)
	r.prune()
	return nil
}

// prune keeps the newest keepDays files. Names that do not parse as a date
// are left alone.
func (r *DailyRotator) prune() {
	matches, err := filepath.Glob(filepath.Join(r.dir, FilePrefix+"*.log"))
	if err != nil {
		return
	}
	var days []string
	for _, m := range matches {
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), FilePrefix), ".log")
		if _, err := time.Parse(dateLayout, day); err == nil {
			days = append(days, m)
		}
	}
	if len(days) <= r.keepDays {
		return
	}
	slices.Sort(days)
	for _, old := range days[:len(days)-r.keepDays] {
		os.Remove(old)
	}
}

// Close closes the current file. A later Write reopens it.
func (r *DailyRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// InitConfig holds configuration for Init.
type InitConfig struct {
	LogDir   string
	LogLevel string
	// Format is "text" (default) or "json".
	Format string
	// KeepDays bounds how many daily files are kept.
	KeepDays int
	// Echo copies every record to stderr as well as the log file.
	Echo bool
}

// Init points slog.Default and the stdlib log package at a daily-rotating
// file in cfg.LogDir, optionally echoed to stderr. The caller closes the
// returned io.Closer on exit.
func Init(cfg InitConfig) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	rotator := NewDailyRotator(cfg.LogDir, cfg.KeepDays)
	var out io.Writer = rotator
	if cfg.Echo {
		out = io.MultiWriter(rotator, os.Stderr)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(out)
	log.SetFlags(0)
	return logger, rotator, nil
}

// ParseLevel converts a level string to slog.Level. Defaults to LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
