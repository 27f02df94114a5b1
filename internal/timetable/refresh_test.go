package timetable

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsStaleOrMissing_MissingFile(t *testing.T) {
	if !isStaleOrMissing(filepath.Join(t.TempDir(), "gtfs.zip"), time.Hour) {
		t.Error("isStaleOrMissing should return true for missing file")
	}
}

func TestIsStaleOrMissing_FreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	os.WriteFile(path, []byte("zip"), 0644)

	if isStaleOrMissing(path, 24*time.Hour) {
		t.Error("isStaleOrMissing should return false for fresh file")
	}
}

func TestIsStaleOrMissing_StaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	os.WriteFile(path, []byte("zip"), 0644)

	old := time.Now().Add(-10 * 24 * time.Hour)
	os.Chtimes(path, old, old)

	if !isStaleOrMissing(path, 7*24*time.Hour) {
		t.Error("isStaleOrMissing should return true for stale file")
	}
}

func TestIsStaleOrMissing_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gtfs.zip")
	os.WriteFile(path, nil, 0644)

	if !isStaleOrMissing(path, 24*time.Hour) {
		t.Error("isStaleOrMissing should return true for empty file")
	}
}

func TestEnsureFresh_Downloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new-zip"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "cache", "gtfs.zip")
	written, err := EnsureFresh(context.Background(), srv.Client(), srv.URL, path, time.Hour)
	if err != nil {
		t.Fatalf("EnsureFresh returned error: %v", err)
	}
	if !written {
		t.Error("EnsureFresh should report a download for a missing file")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "new-zip" {
		t.Errorf("downloaded content = %q, expected %q", data, "new-zip")
	}
}

func TestEnsureFresh_KeepsFileOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "gtfs.zip")
	os.WriteFile(path, []byte("old-zip"), 0644)
	old := time.Now().Add(-48 * time.Hour)
	os.Chtimes(path, old, old)

	if _, err := EnsureFresh(context.Background(), srv.Client(), srv.URL, path, time.Hour); err == nil {
		t.Error("EnsureFresh should return an error for a failed download")
	}

	data, _ := os.ReadFile(path)
	if string(data) != "old-zip" {
		t.Errorf("existing timetable was replaced: %q", data)
	}
}

func TestEnsureFresh_NoURL(t *testing.T) {
	written, err := EnsureFresh(context.Background(), http.DefaultClient, "", filepath.Join(t.TempDir(), "gtfs.zip"), time.Hour)
	if err != nil || written {
		t.Errorf("EnsureFresh without url = %v, %v; expected false, nil", written, err)
	}
}
