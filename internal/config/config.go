// Package config loads the flight monitor's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flight_monitor/internal/algo"
	"flight_monitor/internal/monitor"
	"flight_monitor/internal/notify"
	"flight_monitor/internal/storage"
)

// Config is the whole configuration file.
type Config struct {
	Postgres   Database      `yaml:"postgres"`
	Replay     Replay        `yaml:"replay"`
	ClickHouse Archive       `yaml:"clickhouse"`
	NATS       NATS          `yaml:"nats"`
	Mail       Mail          `yaml:"mail"`
	API        API           `yaml:"api"`
	Monitor    Monitor       `yaml:"monitor"`
	Bounds     []BoundsCheck `yaml:"bounds_checks"`
	Cals       []CalCheck    `yaml:"calibration_checks"`
}

// Database holds connection settings shared by PostgreSQL and ClickHouse.
type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Replay selects a recorded SQLite flight instead of the live server.
type Replay struct {
	Path  string        `yaml:"path"`
	Start time.Time     `yaml:"start"`
	For   time.Duration `yaml:"for"` // source-clock run length; zero replays one flight
}

// Archive enables the ClickHouse flight archive.
type Archive struct {
	Enabled  bool `yaml:"enabled"`
	Database `yaml:",inline"`
}

// NATS publishes landing events and mirrors the flight log. An empty URL disables it.
type NATS struct {
	URL        string `yaml:"url"`
	ClientName string `yaml:"client_name"`
}

// Mail sends the data file after landing. An empty host disables it.
type Mail struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// API serves the status endpoints and /metrics.
type API struct {
	Enabled     bool     `yaml:"enabled"`
	Addr        string   `yaml:"addr"`
	AuthEnabled bool     `yaml:"auth"`
	APIKeys     []string `yaml:"api_keys"`
}

// Monitor controls the flight state machine.
type Monitor struct {
	Variables    []string      `yaml:"variables"`
	WaitInterval time.Duration `yaml:"wait_interval"`
	Grace        time.Duration `yaml:"grace"`
	Backfill     time.Duration `yaml:"backfill"`
	OutputDir    string        `yaml:"output_dir"`
	OutputPath   string        `yaml:"output_path"`
	Header       bool          `yaml:"header"`
	RecentRows   int           `yaml:"recent_rows"`
	SpeedWait    float64       `yaml:"speed_wait"`
}

// BoundsCheck attaches a bounds check. Missing limits use the ±32767 defaults.
type BoundsCheck struct {
	Variable string   `yaml:"variable"`
	Lower    *float64 `yaml:"lower"`
	Upper    *float64 `yaml:"upper"`
}

// CalCheck attaches a calibration check.
type CalCheck struct {
	Variable  string        `yaml:"variable"`
	Label     string        `yaml:"label"`
	Threshold float64       `yaml:"threshold"`
	Early     time.Duration `yaml:"early"`
	Late      time.Duration `yaml:"late"`
}

// Default returns the settings used on the aircraft network.
func Default() *Config {
	db := storage.DefaultConfig()
	return &Config{
		Postgres: Database(db.Postgres),
		ClickHouse: Archive{
			Database: Database(db.ClickHouse),
		},
		NATS: NATS{ClientName: "flight-monitor"},
		Mail: Mail{Port: 587},
		API:  API{Addr: ":8080"},
		Monitor: Monitor{
			WaitInterval: monitor.DefaultWaitInterval,
			Grace:        monitor.DefaultGrace,
			Backfill:     monitor.DefaultBackfill,
			RecentRows:   monitor.DefaultRecentRows,
			SpeedWait:    1,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the file for settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Replay.Path == "" && c.Postgres.Database == "" {
		errs = append(errs, errors.New("postgres.database is required"))
	}
	if c.Monitor.SpeedWait < 0 {
		errs = append(errs, errors.New("monitor.speed_wait must not be negative"))
	}
	if c.Mail.Host != "" && len(c.Mail.To) == 0 {
		errs = append(errs, errors.New("mail.to is required when mail.host is set"))
	}
	if c.API.AuthEnabled && len(c.API.APIKeys) == 0 {
		errs = append(errs, errors.New("api.api_keys is required when api.auth is set"))
	}
	for i, b := range c.Bounds {
		if b.Variable == "" {
			errs = append(errs, fmt.Errorf("bounds_checks[%d]: variable is required", i))
			continue
		}
		lo, hi := b.Limits()
		if lo > hi {
			errs = append(errs, fmt.Errorf("bounds_checks[%d]: lower %g is above upper %g", i, lo, hi))
		}
	}
	for i, cal := range c.Cals {
		if cal.Variable == "" {
			errs = append(errs, fmt.Errorf("calibration_checks[%d]: variable is required", i))
		}
	}
	return errors.Join(errs...)
}

// Limits returns the check's bounds with defaults filled in.
func (b BoundsCheck) Limits() (lower, upper float64) {
	lower, upper = algo.DefaultLowerBound, algo.DefaultUpperBound
	if b.Lower != nil {
		lower = *b.Lower
	}
	if b.Upper != nil {
		upper = *b.Upper
	}
	return lower, upper
}

// Calibration converts the entry for the algorithm package.
func (c CalCheck) Calibration() algo.CalibrationConfig {
	return algo.CalibrationConfig{
		Variable:  c.Variable,
		Label:     c.Label,
		Threshold: c.Threshold,
		Early:     c.Early,
		Late:      c.Late,
	}
}

func (d Database) PostgresConfig() storage.PostgresConfig { return storage.PostgresConfig(d) }

func (d Database) ClickHouseConfig() storage.ClickHouseConfig { return storage.ClickHouseConfig(d) }

func (r Replay) SQLiteConfig() storage.SQLiteConfig {
	return storage.SQLiteConfig{Path: r.Path, Start: r.Start}
}

func (n NATS) NATSConfig() notify.NATSConfig { return notify.NATSConfig(n) }

func (m Mail) MailConfig() notify.MailConfig { return notify.MailConfig(m) }

// MonitorConfig converts the monitor section. Variables are lower-cased and
// an empty list tracks every server variable.
func (m Monitor) MonitorConfig() monitor.Config {
	var vars []string
	for _, v := range m.Variables {
		if v = strings.TrimSpace(v); v != "" {
			vars = append(vars, strings.ToLower(v))
		}
	}
	return monitor.Config{
		Variables:    vars,
		WaitInterval: m.WaitInterval,
		Grace:        m.Grace,
		Backfill:     m.Backfill,
		OutputPath:   m.OutputPath,
		OutputDir:    m.OutputDir,
		Header:       m.Header,
		RecentRows:   m.RecentRows,
	}
}
