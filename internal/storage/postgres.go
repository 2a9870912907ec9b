package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flight_monitor/internal/clock"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

func (c PostgresConfig) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, DatabaseName(c.Database))
}

// PostgresSource reads the aircraft's real-time PostgreSQL database.
type PostgresSource struct {
	*sqlSource
	cfg  PostgresConfig
	pool *pgxpool.Pool
}

// OpenPostgres connects to the real-time database and loads the variable
// list, missing values and flight metadata. A nil clock means the wall clock.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, clk clock.Clock, logger *slog.Logger) (*PostgresSource, error) {
	if cfg.Database == "" {
		return nil, fmt.Errorf("open postgres: database must be specified")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &PostgresSource{cfg: cfg}
	p.sqlSource = &sqlSource{
		query:     p.queryRows,
		reconnect: p.Reconnect,
		dialect: dialect{
			placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
			timeArg:     func(t time.Time) any { return t },
			columnsSQL: "SELECT column_name FROM information_schema.columns " +
				"WHERE table_name = '" + samplesTable + "' ORDER BY ordinal_position",
		},
		clock: clk,
		// A simulated clock replays a finished flight kept on the server.
		bounded: isSimulated(clk),
		logger:  logger.With("source", "postgres", "database", DatabaseName(cfg.Database)),
	}

	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	if err := p.load(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func isSimulated(clk clock.Clock) bool {
	_, ok := clk.(*clock.Sim)
	return ok
}

func (p *PostgresSource) connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(p.cfg.connString())
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}

	p.pool = pool
	return nil
}

// Reconnect replaces the pool. The ground station swaps in a fresh database
// between flights and an old connection does not see the change.
func (p *PostgresSource) Reconnect(ctx context.Context) error {
	old := p.pool
	if err := p.connect(ctx); err != nil {
		return err
	}
	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresSource) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresSource) queryRows(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]any, error) {
		return row.Values()
	})
}

// DatabaseStructure describes every table except the sample table itself: its
// columns, primary key and contents. The result is written as the data file
// header so the flight's configuration travels with the data.
func (p *PostgresSource) DatabaseStructure(ctx context.Context) (string, error) {
	tables, err := p.queryRows(ctx, `SELECT table_name FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_name`)
	if err != nil {
		return "", wrap("list tables", err)
	}

	keys, err := p.queryRows(ctx, `SELECT t.table_name, k.column_name
		FROM information_schema.table_constraints t
		JOIN information_schema.key_column_usage k ON t.constraint_name = k.constraint_name
		WHERE t.constraint_type = 'PRIMARY KEY'
		ORDER BY t.table_name, k.ordinal_position`)
	if err != nil {
		return "", wrap("list constraints", err)
	}
	primary := make(map[string]string, len(keys))
	for _, k := range keys {
		primary[asString(k[0])] = asString(k[1])
	}

	var out []string
	for _, t := range tables {
		table := asString(t[0])
		cols, err := p.queryRows(ctx, `SELECT column_name, data_type, is_nullable,
			character_maximum_length, udt_name
			FROM information_schema.columns WHERE table_name = $1
			ORDER BY ordinal_position`, table)
		if err != nil {
			return "", wrap("describe "+table, err)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%s=('COLUMNS',", table)
		for i, c := range cols {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "('%s','%s','%s')", asString(c[0]), columnType(c), nullability(c[2]))
		}
		b.WriteString(")")
		if key, ok := primary[table]; ok {
			fmt.Fprintf(&b, ";('CONSTRAINT','%s')", key)
		}
		b.WriteString("%")

		if table != samplesTable {
			data, err := p.queryRows(ctx, "SELECT * FROM "+quoteIdent(table))
			if err != nil {
				return "", wrap("dump "+table, err)
			}
			b.WriteString(formatTuples(data))
		}
		out = append(out, b.String())
	}
	return strings.Join(out, "\n"), nil
}

// columnType rebuilds the declared type; information_schema reports arrays
// as ARRAY and drops character lengths.
func columnType(c []any) string {
	base := asString(c[1])
	switch asString(c[4]) {
	case "_int4":
		base = "integer[]"
	case "_float8":
		base = "double precision[]"
	}
	if c[3] != nil {
		return fmt.Sprintf("%s(%s)", base, asString(c[3]))
	}
	return base
}

func nullability(v any) string {
	if asString(v) == "NO" {
		return "NOT NULL"
	}
	return ""
}

func formatTuples(rows [][]any) string {
	if len(rows) == 0 {
		return ""
	}
	parts := make([]string, len(rows))
	for i, r := range rows {
		vals := make([]string, len(r))
		for j, v := range r {
			if f, ok := asFloat(v); ok {
				vals[j] = fmt.Sprint(f)
				continue
			}
			vals[j] = "'" + strings.ReplaceAll(asString(v), "'", "''") + "'"
		}
		parts[i] = "(" + strings.Join(vals, ", ") + ")"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
