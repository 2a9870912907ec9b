// Package main runs the flight monitor.
//
// The monitor watches the aircraft's real-time database, follows each flight
// from takeoff to landing, runs the configured checks on the incoming data and
// writes a data file when the aircraft lands.
//
// Usage:
//
//	flight_monitor [options]
//
// Options:
//
//	-config PATH        YAML configuration file (env: FLIGHT_MONITOR_CONFIG)
//	-pg-host HOST       PostgreSQL host (env: POSTGRES_HOST)
//	-pg-port PORT       PostgreSQL port (env: POSTGRES_PORT)
//	-pg-database DB     PostgreSQL database or aircraft (C130, GV) (env: POSTGRES_DATABASE)
//	-pg-user USER       PostgreSQL user (env: POSTGRES_USER)
//	-pg-password PASS   PostgreSQL password (env: POSTGRES_PASSWORD)
//	-replay PATH        replay a recorded SQLite flight instead of the live server
//	-replay-for DUR     replay length on the replay clock (default: to the last sample)
//	-vars LIST          comma-separated variables to track (default: all)
//	-output-dir DIR     directory for data files
//	-header             write the database structure at the top of data files
//	-flights N          stop after N flights of the live server (default: run until interrupted)
//	-speed X            multiply the ground polling interval
//	-nats-url URL       publish landing events and the flight log (env: NATS_URL)
//	-archive            archive flights to ClickHouse
//	-api                serve the status API and /metrics
//	-api-addr ADDR      status API listen address
//	-log-level LEVEL    debug, info, warn or error
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"flight_monitor/internal/api"
	"flight_monitor/internal/config"
	"flight_monitor/internal/flightlog"
	"flight_monitor/internal/metrics"
	"flight_monitor/internal/monitor"
	"flight_monitor/internal/notify"
	"flight_monitor/internal/storage"
	"flight_monitor/internal/telemetry"
)

func main() {
	configPath := flag.String("config", envOrDefault("FLIGHT_MONITOR_CONFIG", ""), "YAML configuration file")

	// PostgreSQL connection flags. Empty values keep the configuration file's.
	pgHost := flag.String("pg-host", envOrDefault("POSTGRES_HOST", ""), "PostgreSQL host")
	pgPort := flag.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 0), "PostgreSQL port")
	pgDB := flag.String("pg-database", envOrDefault("POSTGRES_DATABASE", ""), "PostgreSQL database")
	pgUser := flag.String("pg-user", envOrDefault("POSTGRES_USER", ""), "PostgreSQL user")
	pgPassword := flag.String("pg-password", envOrDefault("POSTGRES_PASSWORD", ""), "PostgreSQL password")

	replay := flag.String("replay", "", "Replay a recorded SQLite flight")
	replayFor := flag.Duration("replay-for", 0, "Replay length on the replay clock")

	vars := flag.String("vars", "", "Comma-separated variables to track")
	outputDir := flag.String("output-dir", "", "Directory for data files")
	header := flag.Bool("header", false, "Write the database structure at the top of data files")
	flights := flag.Int("flights", 0, "Stop after this many flights")
	speed := flag.Float64("speed", 0, "Ground polling interval multiplier")

	natsURL := flag.String("nats-url", envOrDefault("NATS_URL", ""), "NATS server URL")
	archive := flag.Bool("archive", false, "Archive flights to ClickHouse")
	apiEnabled := flag.Bool("api", false, "Serve the status API")
	apiAddr := flag.String("api-addr", "", "Status API listen address")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level")

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	setString(&cfg.Postgres.Host, *pgHost)
	setString(&cfg.Postgres.Database, *pgDB)
	setString(&cfg.Postgres.User, *pgUser)
	setString(&cfg.Postgres.Password, *pgPassword)
	if *pgPort > 0 {
		cfg.Postgres.Port = *pgPort
	}
	setString(&cfg.Replay.Path, *replay)
	if *replayFor > 0 {
		cfg.Replay.For = *replayFor
	}
	if *vars != "" {
		cfg.Monitor.Variables = strings.Split(*vars, ",")
	}
	setString(&cfg.Monitor.OutputDir, *outputDir)
	cfg.Monitor.Header = cfg.Monitor.Header || *header
	if *speed > 0 {
		cfg.Monitor.SpeedWait = *speed
	}
	setString(&cfg.NATS.URL, *natsURL)
	cfg.ClickHouse.Enabled = cfg.ClickHouse.Enabled || *archive
	cfg.API.Enabled = cfg.API.Enabled || *apiEnabled
	setString(&cfg.API.Addr, *apiAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *flights, logger); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, flights int, logger *slog.Logger) error {
	src, closeSrc, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSrc()

	mt := metrics.New()
	opts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithMetrics(mt),
	}

	if cfg.ClickHouse.Enabled {
		ch, err := storage.OpenClickHouse(ctx, cfg.ClickHouse.ClickHouseConfig())
		if err != nil {
			return err
		}
		defer ch.Close()
		if err := ch.CreateSchema(ctx); err != nil {
			return err
		}
		opts = append(opts, monitor.WithArchive(ch))
		logger.Info("archiving flights to clickhouse", "host", cfg.ClickHouse.Host)
	}

	var notifiers notify.Multi
	if cfg.NATS.URL != "" {
		nc, err := notify.ConnectNATS(cfg.NATS.NATSConfig(), logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifiers = append(notifiers, nc)
		opts = append(opts,
			monitor.WithPrintFunc(flightlog.Tee(flightlog.SlogPrinter(logger), nc.PrintFunc())),
			monitor.WithTakeoffHook(func(id string, meta telemetry.Metadata) {
				nc.SetProject(meta.Project())
			}),
		)
	}
	if cfg.Mail.Host != "" {
		notifiers = append(notifiers, notify.NewMail(cfg.Mail.MailConfig()))
	}
	if len(notifiers) > 0 {
		opts = append(opts, monitor.WithNotifier(notifiers))
	}

	m := monitor.New(src, cfg.Monitor.MonitorConfig(), opts...)
	m.SpeedWait(cfg.Monitor.SpeedWait)
	for _, b := range cfg.Bounds {
		lo, hi := b.Limits()
		if err := m.AttachBoundsCheck(b.Variable, lo, hi); err != nil {
			logger.Warn("could not attach bounds check", "variable", b.Variable, "error", err)
		}
	}
	for _, c := range cfg.Cals {
		if err := m.AttachCalibrationCheck(c.Calibration()); err != nil {
			logger.Warn("could not attach calibration check", "variable", c.Variable, "error", err)
		}
	}

	if cfg.API.Enabled {
		server := api.NewServer(m, mt.Handler(), api.Config{
			Addr:        cfg.API.Addr,
			AuthEnabled: cfg.API.AuthEnabled,
			APIKeys:     cfg.API.APIKeys,
		}, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
	}

	logger.Info("flight monitor starting", "monitor", m.String(), "replay", cfg.Replay.Path != "")

	switch {
	case cfg.Replay.Path != "" && cfg.Replay.For > 0:
		return m.RunFor(ctx, cfg.Replay.For)
	case cfg.Replay.Path != "":
		return runReplay(ctx, m, src)
	case flights > 0:
		return m.RunFlights(ctx, flights)
	default:
		return m.Watch(ctx)
	}
}

// runReplay runs until the recording's last sample. A flight still airborne
// there is landed.
func runReplay(ctx context.Context, m *monitor.Monitor, src telemetry.Source) error {
	rec, ok := src.(*storage.SQLiteSource)
	if !ok {
		return fmt.Errorf("replay source is %T, not a recording", src)
	}
	last, err := rec.LastSampleTime(ctx)
	if err != nil {
		return fmt.Errorf("replay end: %w", err)
	}
	return m.RunUntil(ctx, last)
}

func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (telemetry.Source, func(), error) {
	if cfg.Replay.Path != "" {
		src, err := storage.OpenSQLite(ctx, cfg.Replay.SQLiteConfig(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open replay: %w", err)
		}
		return src, func() { _ = src.Close() }, nil
	}

	src, err := storage.OpenPostgres(ctx, cfg.Postgres.PostgresConfig(), nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open real-time database: %w", err)
	}
	return src, src.Close, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
