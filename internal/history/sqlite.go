package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is the default Backend, a single-file database with serialized writes
type SQLite struct {
	conn    *sql.DB
	writeMu sync.Mutex // SQLite has one writer; appends, pruning and stats upserts share it
}

// Connect opens a SQLite database with WAL mode enabled
func Connect(dbPath string) (*SQLite, error) {
	dsn := dbPath + "?_journal=WAL&_fk=1&_busy_timeout=5000"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Warn().Err(err).Str("pragma", pragma).Msg("Failed to apply pragma")
		}
	}

	log.Info().Str("path", dbPath).Msg("Connected to SQLite history store")
	return &SQLite{conn: conn}, nil
}

// Close closes the database connection
func (db *SQLite) Close() error {
	return db.conn.Close()
}

// EnsureSchema creates tables and indexes if they don't exist
func (db *SQLite) EnsureSchema(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append implements Store
func (db *SQLite) Append(ctx context.Context, rec Record) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO stop_time_observations (
			observation_id, trip_id, stop_id, service_date, observed_time, recorded_at_utc
		) VALUES (?, ?, ?, ?, ?, ?)
	`,
		uuid.New().String(),
		rec.TripID,
		rec.StopID,
		rec.ServiceDate.Format(DateLayout),
		rec.ObservedTime,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append observation: %w", err)
	}
	return nil
}

// Average implements Store
func (db *SQLite) Average(ctx context.Context, tripID, stopID string) (int64, error) {
	var count, sum int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(observed_time), 0)
		FROM stop_time_observations
		WHERE trip_id = ? AND stop_id = ?
	`, tripID, stopID).Scan(&count, &sum)
	if err != nil {
		return 0, fmt.Errorf("failed to query average: %w", err)
	}
	return average(count, sum)
}

// Prune deletes observations and delay aggregates older than before
func (db *SQLite) Prune(ctx context.Context, before time.Time) (int64, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	queries := []struct {
		name  string
		query string
		arg   interface{}
	}{
		{"observations", "DELETE FROM stop_time_observations WHERE observed_time < ?", before.Unix()},
		{"delay_stats", "DELETE FROM stats_delay_hourly WHERE hour_bucket < ?", before.UTC().Format(time.RFC3339)},
	}

	var total int64
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, q.query, q.arg)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", q.name, err)
		}
		rows, _ := result.RowsAffected()
		total += rows
	}

	if total > 0 {
		log.Info().Int64("deleted", total).Time("before", before).Msg("Pruned history")
	}
	return total, nil
}
