package applog_test

import (
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zsprackett/agent-mascot/internal/applog"
)

func day(d int) func() time.Time {
	return func() time.Time { return time.Date(2026, 1, d, 12, 0, 0, 0, time.UTC) }
}

func TestDailyRotator_KeepsNewestDays(t *testing.T) {
	dir := t.TempDir()
	// Files that only look like logs must survive pruning.
	stray := filepath.Join(dir, applog.FilePrefix+"notes.log")
	os.WriteFile(stray, []byte("keep"), 0644)

	r := applog.NewDailyRotator(dir, 3)
	for d := 1; d <= 5; d++ {
		r.SetNow(day(d))
		if _, err := r.Write([]byte("entry\n")); err != nil {
			t.Fatal(err)
		}
	}
	r.Close()

	for d := 1; d <= 5; d++ {
		_, err := os.Stat(r.Path(day(d)()))
		if kept := d >= 3; kept != (err == nil) {
			t.Errorf("day %d: kept=%v, stat err=%v", d, kept, err)
		}
	}
	if _, err := os.Stat(stray); err != nil {
		t.Errorf("non-date file was pruned: %v", err)
	}
}

func TestDailyRotator_DefaultKeepDays(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, 0)
	for d := 1; d <= applog.DefaultKeepDays+2; d++ {
		r.SetNow(day(d))
		r.Write([]byte("x\n"))
	}
	r.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, applog.FilePrefix+"*.log"))
	if len(matches) != applog.DefaultKeepDays {
		t.Errorf("got %d files, want %d", len(matches), applog.DefaultKeepDays)
	}
}

func TestDailyRotator_WriteAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	r := applog.NewDailyRotator(dir, 3)
	r.SetNow(day(1))
	r.Write([]byte("before\n"))
	r.Close()
	if _, err := r.Write([]byte("after\n")); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	r.Close()

	data, _ := os.ReadFile(r.Path(day(1)()))
	if string(data) != "before\nafter\n" {
		t.Errorf("file contents: %q", data)
	}
}

func TestInit_TextEchoAndStdlibLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "newlogs")
	logger, closer, err := applog.Init(applog.InitConfig{LogDir: dir, LogLevel: "debug", Echo: true})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Debug("echo-marker", "session_id", 7)
	log.Print("stdlib-log-marker")

	name := filepath.Join(dir, applog.FilePrefix+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"echo-marker", "session_id=7", "stdlib-log-marker"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("%q missing from log file: %q", want, data)
		}
	}
}

func TestInit_JSONFormat(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := applog.Init(applog.InitConfig{LogDir: dir, Format: "json"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Info("monitor: session put to sleep", "session_id", 3)
	logger.Debug("filtered")

	name := filepath.Join(dir, applog.FilePrefix+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record at info level, got %q", data)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "monitor: session put to sleep" || rec["session_id"] != float64(3) {
		t.Errorf("record: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := applog.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v want %v", in, got, want)
		}
	}
}
