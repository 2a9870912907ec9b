// Package storage connects the flight monitor to its databases: the aircraft's
// real-time PostgreSQL server, recorded SQLite replays of past flights, and a
// ClickHouse archive of completed flights.
package storage

import (
	"fmt"
	"strings"
)

// Config holds connection settings for every backend.
type Config struct {
	Postgres   PostgresConfig
	SQLite     SQLiteConfig
	ClickHouse ClickHouseConfig
}

// DefaultConfig returns the settings used on the aircraft network.
func DefaultConfig() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:     "eol-rt-data.guest.ucar.edu",
			Port:     5432,
			Database: "real-time",
			User:     "ads",
			Password: "",
		},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "flights",
			User:     "default",
			Password: "",
		},
	}
}

// Tables and columns of the real-time schema.
const (
	samplesTable    = "raf_lrt"
	attributesTable = "global_attributes"
	variablesTable  = "variable_list"
	timeColumn      = "datetime"
)

// DatabaseName expands the aircraft shorthands used on the ground station.
func DatabaseName(name string) string {
	switch strings.ToUpper(name) {
	case "C130", "GV":
		return "real-time-" + strings.ToUpper(name)
	}
	return name
}

// quoteIdent quotes an SQL identifier. Variable names come from the server's
// own column list, but are quoted regardless.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnList(vars []string) string {
	cols := make([]string, 0, len(vars)+1)
	cols = append(cols, timeColumn)
	for _, v := range vars {
		cols = append(cols, quoteIdent(v))
	}
	return strings.Join(cols, ", ")
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
