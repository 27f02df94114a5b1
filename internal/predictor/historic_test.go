package predictor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/history"
)

func TestHistoricAverageObservesAndPredicts(t *testing.T) {
	now := at(8, 10, 0)
	store := &memoryStore{}
	h := NewHistoricAverage(fakeTimetable{"T1": lineTrip()}, store, Options{Now: fixedClock(now), Location: time.UTC})
	out := feed.New(now)

	require.NoError(t, h.Predict(context.Background(), out, vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.01})))

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "T1", rec.TripID)
	assert.Equal(t, "S2", rec.StopID)
	assert.Equal(t, now.Unix(), rec.ObservedTime)
	assert.Equal(t, "2024-03-20", rec.ServiceDate.Format(history.DateLayout))

	stus := stopTimeUpdates(out, "T1")
	require.Len(t, stus, 1)
	assert.Equal(t, "S2", stus[0].GetStopId())
	assert.Equal(t, now.Unix(), stus[0].GetDeparture().GetTime())
	assert.Nil(t, stus[0].GetArrival())
}

func TestHistoricAverageUsesMeanOfPastObservations(t *testing.T) {
	now := at(8, 5, 0)
	store := &memoryStore{}
	for _, ts := range []int64{1000, 2000, 4001} {
		require.NoError(t, store.Append(context.Background(), history.Record{TripID: "T1", StopID: "S3", ObservedTime: ts}))
	}
	h := NewHistoricAverage(fakeTimetable{"T1": lineTrip()}, store, Options{Now: fixedClock(now)})
	out := feed.New(now)

	// Out of range of every stop but nearest to S3
	require.NoError(t, h.Predict(context.Background(), out, vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.017})))

	assert.Len(t, store.records, 3)
	stus := stopTimeUpdates(out, "T1")
	require.Len(t, stus, 1)
	assert.Equal(t, "S3", stus[0].GetStopId())
	assert.Equal(t, int64(2333), stus[0].GetDeparture().GetTime())
}

func TestHistoricAverageWithoutDataEmitsNothing(t *testing.T) {
	now := at(8, 5, 0)
	h := NewHistoricAverage(fakeTimetable{"T1": lineTrip()}, &memoryStore{}, Options{Now: fixedClock(now)})
	out := feed.New(now)
	feed.SetTripUpdate(out, feed.StopEvent{TripID: "old", StopID: "S1", Time: 1}, now)

	require.NoError(t, h.Predict(context.Background(), out, vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.005})))

	assert.Empty(t, out.Entity)
	assert.Equal(t, uint64(now.Unix()), out.GetHeader().GetTimestamp())
}

func TestHistoricAverageWithSQLite(t *testing.T) {
	store, err := history.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tt := fakeTimetable{"T1": lineTrip()}
	vehicles := vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.0})

	out := feed.New(at(8, 0, 0))
	for _, now := range []time.Time{at(8, 0, 0), at(8, 1, 40)} {
		h := NewHistoricAverage(tt, store, Options{Now: fixedClock(now)})
		require.NoError(t, h.Predict(context.Background(), out, vehicles))
	}

	avg, err := store.Average(context.Background(), "T1", "S1")
	require.NoError(t, err)
	assert.Equal(t, at(8, 0, 50).Unix(), avg)

	stus := stopTimeUpdates(out, "T1")
	require.Len(t, stus, 1)
	assert.Equal(t, avg, stus[0].GetDeparture().GetTime())
}
