package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files.
// If OutputPath is empty and Dir is set, child output goes to
// Dir/<name>.output.log. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir"`                 // base directory for child output logs
	OutputPath string `mapstructure:"output" json:"output"`           // explicit child output path overrides Dir
	AppPath    string `mapstructure:"app" json:"app"`                 // simctl's own log file (optional)
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"` // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"` // gzip rotated files
}

// Config is the unified logging configuration.
type Config struct {
	Level  string     `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string     `mapstructure:"format" json:"format"` // text or json
	Color  bool       `mapstructure:"color" json:"color"`   // ANSI level colors for text output
	File   FileConfig `mapstructure:"file" json:"file"`
}

// ProcessWriter returns a rotating writer for the merged output of the child
// run called name, or nil when no destination is configured.
func (c Config) ProcessWriter(name string) io.WriteCloser {
	path := c.File.OutputPath
	if path == "" && c.File.Dir != "" {
		path = filepath.Join(c.File.Dir, fmt.Sprintf("%s.output.log", name))
	}
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		_ = os.MkdirAll(dir, 0o750)
	}
	return c.File.rotating(path)
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewLogger builds the application logger writing to w and, when
// File.AppPath is set, to a rotated file as well. The returned closer
// releases the file and is never nil.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var closer io.Closer = nopCloser{}
	if c.File.AppPath != "" {
		fw := c.File.rotating(c.File.AppPath)
		closer = fw
		w = io.MultiWriter(w, fw)
	}
	var h slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		h = slog.NewJSONHandler(w, opts)
	case c.Color && c.File.AppPath == "":
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
