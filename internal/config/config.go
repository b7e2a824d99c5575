package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gonum.org/v1/plot/vg"

	"github.com/loykin/simctl/internal/chart"
	"github.com/loykin/simctl/internal/env"
	"github.com/loykin/simctl/internal/logger"
	"github.com/loykin/simctl/internal/pipeline"
	"github.com/loykin/simctl/internal/process"
	tlsconf "github.com/loykin/simctl/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. SIMCTL_SIMULATOR_PATH.
const EnvPrefix = "SIMCTL"

// Config represents the top-level TOML structure.
type Config struct {
	Simulator SimulatorConfig `toml:"simulator" mapstructure:"simulator"`
	Charts    ChartsConfig    `toml:"charts" mapstructure:"charts"`
	Log       LogConfig       `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`

	path string // file the config was read from, if any
}

type SimulatorConfig struct {
	Path           string        `toml:"path" mapstructure:"path"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	N              int           `toml:"n" mapstructure:"n"`
	Marker         string        `toml:"marker" mapstructure:"marker"`
	CSV            string        `toml:"csv" mapstructure:"csv"`
	Env            []string      `toml:"env" mapstructure:"env"`
	EnvFiles       []string      `toml:"env_files" mapstructure:"env_files"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
	StopTimeout    time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
}

type ChartsConfig struct {
	Dir    string  `toml:"dir" mapstructure:"dir"`
	Width  float64 `toml:"width_in" mapstructure:"width_in"`
	Height float64 `toml:"height_in" mapstructure:"height_in"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	Output     string `toml:"output" mapstructure:"output"`
	App        string `toml:"app" mapstructure:"app"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// HistoryConfig lists run history destinations. DSN may hold several
// comma-separated sink DSNs.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string         `toml:"listen" mapstructure:"listen"`
	BasePath string         `toml:"base_path" mapstructure:"base_path"`
	TLS      tlsconf.Config `toml:"tls" mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"` // standalone /metrics listener for `run`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("simulator.path", "")
	v.SetDefault("simulator.workdir", "")
	v.SetDefault("simulator.n", pipeline.DefaultN)
	v.SetDefault("simulator.marker", process.DefaultMarker)
	v.SetDefault("simulator.csv", pipeline.DefaultCSV)
	v.SetDefault("simulator.env", []string{})
	v.SetDefault("simulator.env_files", []string{})
	v.SetDefault("simulator.sample_interval", time.Second)
	v.SetDefault("simulator.stop_timeout", 3*time.Second)
	v.SetDefault("charts.dir", "")
	v.SetDefault("charts.width_in", 10.0)
	v.SetDefault("charts.height_in", 6.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.output", "")
	v.SetDefault("log.app", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.valid_days", 0)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
}

// Load reads the TOML file at path, if any, applies SIMCTL_* environment
// overrides and validates the result. An empty path yields defaults plus
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.path = path
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// resolvePaths makes file locations relative to the config file's directory.
// Bare executable names are left for PATH lookup.
func (c *Config) resolvePaths() {
	if c.path == "" {
		return
	}
	base := filepath.Dir(c.path)
	rel := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	if strings.ContainsRune(c.Simulator.Path, '/') || strings.ContainsRune(c.Simulator.Path, filepath.Separator) {
		c.Simulator.Path = rel(c.Simulator.Path)
	}
	c.Simulator.WorkDir = rel(c.Simulator.WorkDir)
	for i, f := range c.Simulator.EnvFiles {
		c.Simulator.EnvFiles[i] = rel(f)
	}
	c.Log.Dir = rel(c.Log.Dir)
	c.Log.Output = rel(c.Log.Output)
	c.Log.App = rel(c.Log.App)
	c.Server.TLS.CertFile = rel(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = rel(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = rel(c.Server.TLS.Dir)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Simulator.N < 0 {
		errs = append(errs, fmt.Errorf("simulator.n must not be negative, got %d", c.Simulator.N))
	}
	if strings.TrimSpace(c.Simulator.Marker) == "" {
		errs = append(errs, errors.New("simulator.marker must not be empty"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Charts.Width < 0 || c.Charts.Height < 0 {
		errs = append(errs, errors.New("charts size must not be negative"))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Logger returns the logging configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			OutputPath: c.Log.Output,
			AppPath:    c.Log.App,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// Renderer returns the chart renderer at the configured size.
func (c *Config) Renderer() chart.Renderer {
	return chart.Renderer{
		Width:  vg.Length(c.Charts.Width) * vg.Inch,
		Height: vg.Length(c.Charts.Height) * vg.Inch,
	}
}

// Params returns the default run parameters.
func (c *Config) Params() pipeline.Params { return pipeline.Params{N: c.Simulator.N} }

// SimulatorEnv merges env files in order and then the inline env list.
func (c *Config) SimulatorEnv() (env.Vars, error) {
	vars := env.Vars{}
	for _, f := range c.Simulator.EnvFiles {
		m, err := loadEnvFile(f)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			vars[k] = v
		}
	}
	for k, v := range env.Parse(c.Simulator.Env) {
		vars[k] = v
	}
	return vars, nil
}

// Pipeline builds the orchestrator configuration.
func (c *Config) Pipeline() (pipeline.Config, error) {
	vars, err := c.SimulatorEnv()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Executable:     c.Simulator.Path,
		WorkDir:        c.Simulator.WorkDir,
		Env:            vars,
		Marker:         c.Simulator.Marker,
		CSV:            c.Simulator.CSV,
		ChartsDir:      c.Charts.Dir,
		Log:            c.Logger(),
		SampleInterval: c.Simulator.SampleInterval,
		StopTimeout:    c.Simulator.StopTimeout,
	}, nil
}

// HistoryDSNs splits History.DSN into individual sink DSNs. It returns nil
// when history is disabled.
func (c *Config) HistoryDSNs() []string {
	if !c.History.Enabled {
		return nil
	}
	var out []string
	for _, d := range strings.Split(c.History.DSN, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
