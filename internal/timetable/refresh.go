package timetable

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// EnsureFresh downloads the GTFS zip at url into path when the local copy is
// missing or older than maxAge. A failed download keeps the existing file.
// It reports whether a new file was written.
func EnsureFresh(ctx context.Context, client *http.Client, url, path string, maxAge time.Duration) (bool, error) {
	if url == "" {
		return false, nil
	}
	if !isStaleOrMissing(path, maxAge) {
		log.Debug().Str("path", path).Msg("Timetable is fresh, skipping download")
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}

	log.Info().Str("url", url).Msg("Downloading timetable")
	if err := download(ctx, client, url, path); err != nil {
		return false, err
	}
	return true, nil
}

func isStaleOrMissing(path string, maxAge time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if info.Size() == 0 {
		return true
	}
	return time.Since(info.ModTime()) > maxAge
}

func download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download timetable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("timetable download returned status %d", resp.StatusCode)
	}

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write timetable: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dest)
}
