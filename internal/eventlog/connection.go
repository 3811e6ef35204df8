// Package eventlog implements the durable, append-only mirror of
// published messages used as the correctness-path replay source once
// a channel's ring buffer has rolled past a client's cursor
// (spec §4.7).
package eventlog

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds Postgres connection configuration, validated the same
// way the teacher validates its own DB config to keep connection
// strings free of injectable fields.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
	identRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func validateConfig(cfg Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("eventlog: database host cannot be empty")
	}
	if net.ParseIP(cfg.Host) == nil && !hostnameRegex.MatchString(cfg.Host) {
		return fmt.Errorf("eventlog: invalid database host: %s", cfg.Host)
	}

	if cfg.Port == "" {
		return fmt.Errorf("eventlog: database port cannot be empty")
	}
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("eventlog: invalid database port: %s", cfg.Port)
	}

	if cfg.User == "" || !identRegex.MatchString(cfg.User) {
		return fmt.Errorf("eventlog: invalid database user: %s", cfg.User)
	}
	if cfg.DBName == "" || !identRegex.MatchString(cfg.DBName) {
		return fmt.Errorf("eventlog: invalid database name: %s", cfg.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if cfg.SSLMode != "" && !contains(validSSLModes, cfg.SSLMode) {
		return fmt.Errorf("eventlog: invalid SSL mode: %s (must be one of: %s)", cfg.SSLMode, strings.Join(validSSLModes, ", "))
	}
	return nil
}

func contains(vals []string, v string) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Connect opens a pooled Postgres connection for the durable event
// log, matching the teacher's pool tuning (internal/db/database.go).
func Connect(cfg Config) (*sql.DB, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("eventlog: failed to ping database: %w", err)
	}
	return db, nil
}

// Schema is the DDL for the persisted event log row shape from spec §3
// and §6: unique on id, indexed on (channel, cursorTimestamp,
// cursorSequence).
const Schema = `
CREATE TABLE IF NOT EXISTS event_log (
	id               UUID PRIMARY KEY,
	channel          TEXT NOT NULL,
	cursor           TEXT NOT NULL,
	cursor_timestamp BIGINT NOT NULL,
	cursor_sequence  BIGINT NOT NULL,
	message          JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (channel, cursor_timestamp, cursor_sequence)
);
CREATE INDEX IF NOT EXISTS idx_event_log_channel_cursor
	ON event_log (channel, cursor_timestamp, cursor_sequence);
`

// Migrate creates the event_log table and its indexes if absent.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
