package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/SWT-Forschungsprojekt/tup/internal/metrics"
)

// DelayThresholdSeconds is the lateness above which a vehicle counts as delayed (5 minutes)
const DelayThresholdSeconds = 300

// DelayObservation is one predicted lateness for a route
type DelayObservation struct {
	RouteID      string
	DelaySeconds int
}

// DelayStat is the hourly lateness aggregate of a route
type DelayStat struct {
	RouteID          string    `json:"routeId"`
	HourBucket       time.Time `json:"hourBucket"`
	ObservationCount int       `json:"observationCount"`
	MeanDelaySeconds float64   `json:"meanDelaySeconds"`
	StdDevSeconds    float64   `json:"stdDevSeconds"`
	DelayedCount     int       `json:"delayedCount"`
	OnTimeCount      int       `json:"onTimeCount"`
	MaxDelaySeconds  int       `json:"maxDelaySeconds"`
}

// hourlyAggregate is the stored row, folded with new observations in Go
type hourlyAggregate struct {
	stats        metrics.Welford
	delayedCount int
	onTimeCount  int
	maxDelay     int
}

func (a *hourlyAggregate) add(delaySec int) {
	a.stats.Add(float64(delaySec))

	absDelay := int(math.Abs(float64(delaySec)))
	if absDelay > DelayThresholdSeconds {
		a.delayedCount++
	} else {
		a.onTimeCount++
	}
	if absDelay > a.maxDelay {
		a.maxDelay = absDelay
	}
}

func groupByRoute(observations []DelayObservation) map[string][]int {
	byRoute := make(map[string][]int)
	for _, obs := range observations {
		if obs.RouteID == "" {
			continue
		}
		byRoute[obs.RouteID] = append(byRoute[obs.RouteID], obs.DelaySeconds)
	}
	return byRoute
}

func hourBucket(at time.Time) time.Time {
	return at.UTC().Truncate(time.Hour)
}

// RecordDelays folds observations into the hourly aggregate of their route
func (db *SQLite) RecordDelays(ctx context.Context, at time.Time, observations []DelayObservation) error {
	byRoute := groupByRoute(observations)
	if len(byRoute) == 0 {
		return nil
	}
	bucket := hourBucket(at).Format(time.RFC3339)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for routeID, delays := range byRoute {
		var agg hourlyAggregate
		err := tx.QueryRowContext(ctx, `
			SELECT observation_count, delay_mean_seconds, delay_m2,
				delayed_count, on_time_count, max_delay_seconds
			FROM stats_delay_hourly
			WHERE route_id = ? AND hour_bucket = ?
		`, routeID, bucket).Scan(
			&agg.stats.Count, &agg.stats.Mean, &agg.stats.M2,
			&agg.delayedCount, &agg.onTimeCount, &agg.maxDelay,
		)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read delay stats for %s: %w", routeID, err)
		}

		for _, d := range delays {
			agg.add(d)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stats_delay_hourly (route_id, hour_bucket, observation_count,
				delay_mean_seconds, delay_m2, delayed_count, on_time_count, max_delay_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (route_id, hour_bucket) DO UPDATE SET
				observation_count = excluded.observation_count,
				delay_mean_seconds = excluded.delay_mean_seconds,
				delay_m2 = excluded.delay_m2,
				delayed_count = excluded.delayed_count,
				on_time_count = excluded.on_time_count,
				max_delay_seconds = excluded.max_delay_seconds
		`, routeID, bucket, agg.stats.Count, agg.stats.Mean, agg.stats.M2,
			agg.delayedCount, agg.onTimeCount, agg.maxDelay)
		if err != nil {
			return fmt.Errorf("failed to upsert delay stats for %s: %w", routeID, err)
		}
	}

	return tx.Commit()
}

// DelayStats returns hourly aggregates since the given time, optionally for a single route
func (db *SQLite) DelayStats(ctx context.Context, routeID string, since time.Time) ([]DelayStat, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT route_id, hour_bucket, observation_count, delay_mean_seconds, delay_m2,
			delayed_count, on_time_count, max_delay_seconds
		FROM stats_delay_hourly
		WHERE hour_bucket >= ? AND (? = '' OR route_id = ?)
		ORDER BY route_id, hour_bucket
	`, hourBucket(since).Format(time.RFC3339), routeID, routeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delay stats: %w", err)
	}
	defer rows.Close()

	stats := []DelayStat{}
	for rows.Next() {
		var bucket string
		var agg hourlyAggregate
		var route string
		if err := rows.Scan(&route, &bucket, &agg.stats.Count, &agg.stats.Mean, &agg.stats.M2,
			&agg.delayedCount, &agg.onTimeCount, &agg.maxDelay); err != nil {
			return nil, err
		}
		hour, err := time.Parse(time.RFC3339, bucket)
		if err != nil {
			return nil, fmt.Errorf("invalid hour bucket %q: %w", bucket, err)
		}
		stats = append(stats, agg.toStat(route, hour))
	}
	return stats, rows.Err()
}

func (a hourlyAggregate) toStat(routeID string, hour time.Time) DelayStat {
	return DelayStat{
		RouteID:          routeID,
		HourBucket:       hour,
		ObservationCount: a.stats.Count,
		MeanDelaySeconds: a.stats.Mean,
		StdDevSeconds:    a.stats.StdDev(),
		DelayedCount:     a.delayedCount,
		OnTimeCount:      a.onTimeCount,
		MaxDelaySeconds:  a.maxDelay,
	}
}
