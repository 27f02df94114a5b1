package history

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema_postgres.sql
var schemaPostgresSQL string

// Postgres is a Backend on a PostgreSQL connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// ConnectPostgres creates a pool for databaseURL and verifies it
func ConnectPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Msg("Connected to PostgreSQL history store")
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// EnsureSchema creates tables and indexes if they don't exist
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaPostgresSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Append implements Store
func (p *Postgres) Append(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO stop_time_observations (observation_id, trip_id, stop_id, service_date, observed_time)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), rec.TripID, rec.StopID, rec.ServiceDate.Format(DateLayout), rec.ObservedTime)
	if err != nil {
		return fmt.Errorf("failed to append observation: %w", err)
	}
	return nil
}

// Average implements Store
func (p *Postgres) Average(ctx context.Context, tripID, stopID string) (int64, error) {
	var count, sum int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(observed_time), 0)::BIGINT
		FROM stop_time_observations
		WHERE trip_id = $1 AND stop_id = $2
	`, tripID, stopID).Scan(&count, &sum)
	if err != nil {
		return 0, fmt.Errorf("failed to query average: %w", err)
	}
	return average(count, sum)
}

// Prune deletes observations and delay aggregates older than before
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int64, error) {
	obs, err := p.pool.Exec(ctx, "DELETE FROM stop_time_observations WHERE observed_time < $1", before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune observations: %w", err)
	}
	stats, err := p.pool.Exec(ctx, "DELETE FROM stats_delay_hourly WHERE hour_bucket < $1", before.UTC())
	if err != nil {
		return obs.RowsAffected(), fmt.Errorf("failed to prune delay_stats: %w", err)
	}
	return obs.RowsAffected() + stats.RowsAffected(), nil
}

// RecordDelays folds observations into the hourly aggregate of their route
func (p *Postgres) RecordDelays(ctx context.Context, at time.Time, observations []DelayObservation) error {
	byRoute := groupByRoute(observations)
	if len(byRoute) == 0 {
		return nil
	}
	bucket := hourBucket(at)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for routeID, delays := range byRoute {
		var agg hourlyAggregate
		err := tx.QueryRow(ctx, `
			SELECT observation_count, delay_mean_seconds, delay_m2,
				delayed_count, on_time_count, max_delay_seconds
			FROM stats_delay_hourly
			WHERE route_id = $1 AND hour_bucket = $2
			FOR UPDATE
		`, routeID, bucket).Scan(
			&agg.stats.Count, &agg.stats.Mean, &agg.stats.M2,
			&agg.delayedCount, &agg.onTimeCount, &agg.maxDelay,
		)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to read delay stats for %s: %w", routeID, err)
		}

		for _, d := range delays {
			agg.add(d)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stats_delay_hourly (route_id, hour_bucket, observation_count,
				delay_mean_seconds, delay_m2, delayed_count, on_time_count, max_delay_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (route_id, hour_bucket) DO UPDATE SET
				observation_count = EXCLUDED.observation_count,
				delay_mean_seconds = EXCLUDED.delay_mean_seconds,
				delay_m2 = EXCLUDED.delay_m2,
				delayed_count = EXCLUDED.delayed_count,
				on_time_count = EXCLUDED.on_time_count,
				max_delay_seconds = EXCLUDED.max_delay_seconds
		`, routeID, bucket, agg.stats.Count, agg.stats.Mean, agg.stats.M2,
			agg.delayedCount, agg.onTimeCount, agg.maxDelay)
		if err != nil {
			return fmt.Errorf("failed to upsert delay stats for %s: %w", routeID, err)
		}
	}

	return tx.Commit(ctx)
}

// DelayStats returns hourly aggregates since the given time, optionally for a single route
func (p *Postgres) DelayStats(ctx context.Context, routeID string, since time.Time) ([]DelayStat, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT route_id, hour_bucket, observation_count, delay_mean_seconds, delay_m2,
			delayed_count, on_time_count, max_delay_seconds
		FROM stats_delay_hourly
		WHERE hour_bucket >= $1 AND ($2 = '' OR route_id = $2)
		ORDER BY route_id, hour_bucket
	`, hourBucket(since), routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delay stats: %w", err)
	}
	defer rows.Close()

	stats := []DelayStat{}
	for rows.Next() {
		var route string
		var hour time.Time
		var agg hourlyAggregate
		if err := rows.Scan(&route, &hour, &agg.stats.Count, &agg.stats.Mean, &agg.stats.M2,
			&agg.delayedCount, &agg.onTimeCount, &agg.maxDelay); err != nil {
			return nil, err
		}
		stats = append(stats, agg.toStat(route, hour.UTC()))
	}
	return stats, rows.Err()
}
