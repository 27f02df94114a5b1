package predictor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
)

func TestProximityCreatesTripUpdate(t *testing.T) {
	now := at(8, 10, 5)
	p := NewProximity(fakeTimetable{"T1": lineTrip()}, Options{Now: fixedClock(now)})
	out := feed.New(now)

	err := p.Predict(context.Background(), out, vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.01}))
	require.NoError(t, err)

	require.Len(t, out.Entity, 1)
	tu := out.Entity[0].GetTripUpdate()
	assert.Equal(t, "T1", tu.GetTrip().GetTripId())
	assert.Equal(t, "R1", tu.GetTrip().GetRouteId())
	assert.Equal(t, "V1", tu.GetVehicle().GetId())
	assert.Equal(t, uint64(now.Unix()), tu.GetTimestamp())

	require.Len(t, tu.StopTimeUpdate, 1)
	assert.Equal(t, "S2", tu.StopTimeUpdate[0].GetStopId())
	assert.Equal(t, now.Unix(), tu.StopTimeUpdate[0].GetArrival().GetTime())
}

func TestProximityArrivalNeverRegresses(t *testing.T) {
	tests := []struct {
		name   string
		first  time.Time
		second time.Time
	}{
		{"clock advances", at(8, 10, 0), at(8, 10, 30)},
		{"clock goes back", at(8, 10, 30), at(8, 10, 0)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := tc.first
			p := NewProximity(fakeTimetable{"T1": lineTrip()}, Options{Now: func() time.Time { return clock }})
			out := feed.New(clock)
			vehicles := vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.01})

			require.NoError(t, p.Predict(context.Background(), out, vehicles))
			clock = tc.second
			require.NoError(t, p.Predict(context.Background(), out, vehicles))

			stus := stopTimeUpdates(out, "T1")
			require.Len(t, stus, 1)
			want := tc.first.Unix()
			if tc.second.After(tc.first) {
				want = tc.second.Unix()
			}
			assert.Equal(t, want, stus[0].GetArrival().GetTime())
		})
	}
}

func TestProximityGarbageCollectsStaleTrips(t *testing.T) {
	now := at(8, 10, 0)
	tt := fakeTimetable{"T1": lineTrip(), "T2": lineTrip()}
	p := NewProximity(tt, Options{Now: fixedClock(now)})
	out := feed.New(now)

	both := vehicleFeed(
		position{"T1", "R1", "V1", 41.0, 2.01},
		position{"T2", "R1", "V2", 41.0, 2.00},
	)
	require.NoError(t, p.Predict(context.Background(), out, both))
	require.Equal(t, 2, feed.TripUpdateCount(out))

	// T2 disappears, T1 is away from every stop but still reported
	onlyT1 := vehicleFeed(position{"T1", "R1", "V1", 41.0, 2.005})
	require.NoError(t, p.Predict(context.Background(), out, onlyT1))

	require.Equal(t, 1, feed.TripUpdateCount(out))
	assert.Len(t, stopTimeUpdates(out, "T1"), 1)
	assert.Nil(t, stopTimeUpdates(out, "T2"))
}

func TestProximitySkipsUnknownTrips(t *testing.T) {
	now := at(8, 0, 0)
	p := NewProximity(fakeTimetable{"T1": lineTrip()}, Options{Now: fixedClock(now)})
	out := feed.New(now)

	vehicles := vehicleFeed(
		position{"UNKNOWN", "R9", "V9", 41.0, 2.01},
		position{"T1", "R1", "V1", 41.0, 2.00},
	)
	require.NoError(t, p.Predict(context.Background(), out, vehicles))

	require.Equal(t, 1, feed.TripUpdateCount(out))
	stus := stopTimeUpdates(out, "T1")
	require.Len(t, stus, 1)
	assert.Equal(t, "S1", stus[0].GetStopId())
}

func TestProximityThreshold(t *testing.T) {
	now := at(8, 0, 0)
	tt := fakeTimetable{"T1": lineTrip()}
	// 0.001 degrees of latitude is about 111 m
	vehicles := vehicleFeed(position{"T1", "R1", "V1", 41.001, 2.00})

	out := feed.New(now)
	require.NoError(t, NewProximity(tt, Options{Now: fixedClock(now)}).Predict(context.Background(), out, vehicles))
	assert.Zero(t, feed.TripUpdateCount(out))

	out = feed.New(now)
	require.NoError(t, NewProximity(tt, Options{Now: fixedClock(now), Threshold: 150}).Predict(context.Background(), out, vehicles))
	assert.Equal(t, 1, feed.TripUpdateCount(out))
}
