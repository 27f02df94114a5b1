// Package history persists observed stop arrivals and answers average
// arrival queries for the historic-average strategy.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoData is returned by Average when no record matches the trip and stop.
var ErrNoData = errors.New("no historic data")

// DateLayout is the service date format stored with every record
const DateLayout = "2006-01-02"

// Record is a single observed arrival. Records are append-only.
type Record struct {
	TripID       string
	StopID       string
	ServiceDate  time.Time
	ObservedTime int64 // unix seconds
}

// Store is the append-only historic arrival log
type Store interface {
	Append(ctx context.Context, rec Record) error
	// Average returns the truncated mean observed time over every service date,
	// or ErrNoData when nothing was recorded for the trip and stop.
	Average(ctx context.Context, tripID, stopID string) (int64, error)
}

// Backend is a Store with the maintenance and delay statistics operations
// shared by the SQLite and PostgreSQL implementations.
type Backend interface {
	Store
	Prune(ctx context.Context, before time.Time) (int64, error)
	RecordDelays(ctx context.Context, at time.Time, observations []DelayObservation) error
	DelayStats(ctx context.Context, routeID string, since time.Time) ([]DelayStat, error)
	Close() error
}

// Open connects to the configured backend and ensures its schema
func Open(ctx context.Context, driver, dsn string) (Backend, error) {
	switch driver {
	case "", "sqlite":
		db, err := Connect(dsn)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	case "postgres":
		pg, err := ConnectPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}

func average(count, sum int64) (int64, error) {
	if count == 0 {
		return 0, ErrNoData
	}
	return sum / count, nil
}

// Observer is notified of every successful append
type Observer interface {
	HistoricAppendInc()
}

type observedStore struct {
	Store
	obs Observer
}

// WithObserver wraps a store so obs sees every successful append
func WithObserver(s Store, obs Observer) Store {
	if obs == nil {
		return s
	}
	return &observedStore{Store: s, obs: obs}
}

func (o *observedStore) Append(ctx context.Context, rec Record) error {
	if err := o.Store.Append(ctx, rec); err != nil {
		return err
	}
	o.obs.HistoricAppendInc()
	return nil
}
