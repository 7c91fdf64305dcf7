package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used

	// StatementTimeout bounds every query server-side. Zero means 60s.
	StatementTimeout time.Duration
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// dsn returns the connection string with a statement_timeout appended,
// unless the caller already set one. Handles URL and key=value forms.
func (c *Config) dsn() string {
	dsn := c.ConnectionString()
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	timeout := c.StatementTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	param := "statement_timeout=" + strconv.FormatInt(timeout.Milliseconds(), 10)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&" + param
		}
		return dsn + "?" + param
	}
	return dsn + " " + param
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 25
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// NewWithClient wraps an existing connection without touching the schema.
// Used by tests and tooling that manage the connection themselves.
func NewWithClient(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "report_scheduler"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	if err := createCoreTables(db); err != nil {
		return err
	}
	if err := createIndexes(db); err != nil {
		return err
	}
	return setupNotifyTriggers(db)
}

// ScheduleChangesChannel is the LISTEN channel signalled when a schedule's
// timing or pause state changes
const ScheduleChangesChannel = "schedules_changed"

// setupNotifyTriggers wakes listening schedulers when next_run_at or the
// pause state changes, so edits take effect before the next poll
func setupNotifyTriggers(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_schedules_changed()
		RETURNS TRIGGER AS $$
		BEGIN
		  IF TG_OP = 'INSERT'
		     OR NEW.next_run_at IS DISTINCT FROM OLD.next_run_at
		     OR NEW.is_paused IS DISTINCT FROM OLD.is_paused
		     OR NEW.is_active IS DISTINCT FROM OLD.is_active THEN
		    PERFORM pg_notify('` + ScheduleChangesChannel + `', NEW.id::text);
		  END IF;
		  RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify_schedules_changed function: %w", err)
	}

	_, err = db.Exec(`
		DROP TRIGGER IF EXISTS trigger_notify_schedules_changed ON schedules;
		CREATE TRIGGER trigger_notify_schedules_changed
		  AFTER INSERT OR UPDATE ON schedules
		  FOR EACH ROW
		  EXECUTE FUNCTION notify_schedules_changed();
	`)
	if err != nil {
		return fmt.Errorf("failed to create schedules_changed trigger: %w", err)
	}

	return nil
}

func createCoreTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id UUID PRIMARY KEY,
			owner_user_id UUID NOT NULL,
			tenant_id UUID NOT NULL,
			analytics_property_id TEXT NOT NULL,
			report_kind TEXT NOT NULL CHECK (report_kind IN ('weekly_summary', 'monthly_report', 'quarterly_review')),
			cron_pattern TEXT NOT NULL,
			recipient_emails TEXT[] NOT NULL,
			branding_config JSONB,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_paused BOOLEAN NOT NULL DEFAULT FALSE,
			pause_reason TEXT,
			consecutive_failures INTEGER NOT NULL DEFAULT 0 CHECK (consecutive_failures >= 0),
			last_run_at TIMESTAMPTZ,
			next_run_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle', 'processing', 'active', 'error', 'paused')),
			processing_started_at TIMESTAMPTZ,
			locked_by TEXT,
			locked_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schedules table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_attempts (
			id UUID PRIMARY KEY,
			schedule_id UUID NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL CHECK (attempt_number >= 1),
			started_at TIMESTAMPTZ NOT NULL,
			failed_at TIMESTAMPTZ NOT NULL,
			error_code TEXT NOT NULL,
			error_message TEXT NOT NULL,
			retry_after TIMESTAMPTZ,
			can_retry BOOLEAN NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create execution_attempts table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			user_id UUID PRIMARY KEY,
			encrypted_access_token TEXT NOT NULL,
			encrypted_refresh_token TEXT,
			expires_at TIMESTAMPTZ NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}

	// No foreign key: archived artifacts outlive a deleted schedule for audit.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS rendered_reports (
			id UUID PRIMARY KEY,
			schedule_id UUID NOT NULL,
			execution_timestamp TIMESTAMPTZ NOT NULL,
			html_blob_ref TEXT NOT NULL,
			pdf_blob_ref TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (schedule_id, execution_timestamp)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create rendered_reports table: %w", err)
	}

	return nil
}

func createIndexes(db *sql.DB) error {
	indexes := []struct {
		name string
		ddl  string
	}{
		{
			name: "idx_schedules_due",
			ddl:  `CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(next_run_at) WHERE is_active AND NOT is_paused`,
		},
		{
			name: "idx_schedules_tenant",
			ddl:  `CREATE INDEX IF NOT EXISTS idx_schedules_tenant ON schedules(tenant_id, created_at DESC)`,
		},
		{
			name: "idx_schedules_processing",
			ddl:  `CREATE INDEX IF NOT EXISTS idx_schedules_processing ON schedules(processing_started_at) WHERE status = 'processing'`,
		},
		{
			name: "idx_execution_attempts_failed_at",
			ddl:  `CREATE INDEX IF NOT EXISTS idx_execution_attempts_failed_at ON execution_attempts(failed_at DESC)`,
		},
		{
			name: "idx_execution_attempts_schedule",
			ddl:  `CREATE INDEX IF NOT EXISTS idx_execution_attempts_schedule ON execution_attempts(schedule_id, failed_at DESC)`,
		},
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx.ddl); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// execute runs fn inside a transaction, committing only when fn succeeds.
func (db *DB) execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Serialise converts data to JSON string representation.
// It is named with British English spelling for consistency.
func Serialise(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps a nil pointer to SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
