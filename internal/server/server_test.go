package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/history"
)

var now = time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)

type loopStatus bool

func (s loopStatus) Running() bool { return bool(s) }

type fakeHistory struct {
	averages map[string]int64
	stats    []history.DelayStat
	err      error
	route    string
	since    time.Time
}

func (f *fakeHistory) Average(_ context.Context, tripID, stopID string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	avg, ok := f.averages[tripID+"/"+stopID]
	if !ok {
		return 0, history.ErrNoData
	}
	return avg, nil
}

func (f *fakeHistory) DelayStats(_ context.Context, routeID string, since time.Time) ([]history.DelayStat, error) {
	f.route, f.since = routeID, since
	return f.stats, f.err
}

func publishedHandle() *feed.Handle {
	h := feed.NewHandle(now)
	msg := h.Working()
	feed.SetTripUpdate(msg, feed.StopEvent{TripID: "T1", StopID: "S1", Time: now.Unix()}, now)
	h.Publish(msg)
	return h
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	router := NewRouter(Deps{Feed: publishedHandle(), Status: loopStatus(true)})

	rec := get(t, router, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Running)
	assert.Equal(t, 1, body.TripUpdates)
	assert.True(t, now.Equal(body.FeedTimestamp))

	stopped := NewRouter(Deps{Feed: publishedHandle(), Status: loopStatus(false)})
	rec = get(t, stopped, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTripUpdatesProtobuf(t *testing.T) {
	router := NewRouter(Deps{Feed: publishedHandle()})

	rec := get(t, router, "/gtfs-rt/trip-updates")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-protobuf", rec.Header().Get("Content-Type"))

	msg := &gtfs.FeedMessage{}
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), msg))
	assert.Equal(t, feed.Version, msg.GetHeader().GetGtfsRealtimeVersion())
	assert.Equal(t, 1, feed.TripUpdateCount(msg))
}

func TestTripUpdatesJSON(t *testing.T) {
	router := NewRouter(Deps{Feed: publishedHandle()})

	for _, target := range []string{"/gtfs-rt/trip-updates?format=json", "/gtfs-rt/trip-updates.json"} {
		rec := get(t, router, target)
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		msg := &gtfs.FeedMessage{}
		require.NoError(t, protojson.Unmarshal(rec.Body.Bytes(), msg))
		assert.Equal(t, "T1", msg.GetEntity()[0].GetTripUpdate().GetTrip().GetTripId())
	}
}

func TestHistoryAverage(t *testing.T) {
	store := &fakeHistory{averages: map[string]int64{"T1/S1": 150}}
	router := NewRouter(Deps{Feed: publishedHandle(), History: store})

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"found", "/api/history/average?trip_id=T1&stop_id=S1", http.StatusOK},
		{"no data", "/api/history/average?trip_id=unknown&stop_id=S1", http.StatusNotFound},
		{"missing stop", "/api/history/average?trip_id=T1", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, router, tc.target)
			assert.Equal(t, tc.status, rec.Code)
		})
	}

	rec := get(t, router, "/api/history/average?trip_id=T1&stop_id=S1")
	var body AverageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, int64(150), body.Average)
	assert.Equal(t, "T1", body.TripID)
	assert.Equal(t, "S1", body.StopID)
}

func TestHistoryErrors(t *testing.T) {
	noStore := NewRouter(Deps{Feed: publishedHandle()})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, noStore, "/api/history/average?trip_id=T1&stop_id=S1").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, noStore, "/api/delays/stats").Code)

	broken := NewRouter(Deps{Feed: publishedHandle(), History: &fakeHistory{err: errors.New("disk gone")}})
	for _, target := range []string{"/api/history/average?trip_id=T1&stop_id=S1", "/api/delays/stats"} {
		rec := get(t, broken, target)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body.Error)
		assert.Nil(t, body.Details)
		assert.NotContains(t, rec.Body.String(), "disk gone")
	}
}

func TestDelayStats(t *testing.T) {
	store := &fakeHistory{stats: []history.DelayStat{{RouteID: "R1", ObservationCount: 4, MeanDelaySeconds: 90}}}
	router := NewRouter(Deps{Feed: publishedHandle(), History: store})

	before := time.Now()
	rec := get(t, router, "/api/delays/stats?route_id=R1&period=48h")
	require.Equal(t, http.StatusOK, rec.Code)

	var body DelayStatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "R1", body.HourlyStats[0].RouteID)

	assert.Equal(t, "R1", store.route)
	assert.WithinDuration(t, before.Add(-48*time.Hour), store.since, time.Minute)
}

func TestNotFoundIsJSON(t *testing.T) {
	router := NewRouter(Deps{Feed: publishedHandle()})

	rec := get(t, router, "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Not found", body.Error)
}

func TestStaticDirAndMetrics(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(\"tup\")"), 0o644))

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("tup_up 1\n"))
	})
	router := NewRouter(Deps{Feed: publishedHandle(), StaticDir: dir, Metrics: metrics})

	rec := get(t, router, "/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "console.log")

	rec = get(t, router, "/metrics")
	assert.Equal(t, "tup_up 1\n", rec.Body.String())
}

func TestStaticDirMissingFileIsJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(\"tup\")"), 0o644))
	router := NewRouter(Deps{Feed: publishedHandle(), StaticDir: dir})

	for _, target := range []string{"/nope", "/assets/missing.css"} {
		t.Run(target, func(t *testing.T) {
			rec := get(t, router, target)
			require.Equal(t, http.StatusNotFound, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "Not found", body.Error)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	router := NewRouter(Deps{Feed: publishedHandle()})

	req := httptest.NewRequest(http.MethodOptions, "/gtfs-rt/trip-updates", nil)
	req.Header.Set("Origin", "http://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", NewRouter(Deps{Feed: publishedHandle()}))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
