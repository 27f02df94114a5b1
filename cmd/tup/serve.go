package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/urfave/cli/v2"

	"github.com/SWT-Forschungsprojekt/tup/internal/config"
	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/history"
	"github.com/SWT-Forschungsprojekt/tup/internal/metrics"
	"github.com/SWT-Forschungsprojekt/tup/internal/predictor"
	"github.com/SWT-Forschungsprojekt/tup/internal/publisher"
	"github.com/SWT-Forschungsprojekt/tup/internal/realtime"
	"github.com/SWT-Forschungsprojekt/tup/internal/server"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("strategy", cfg.Strategy).
		Dur("poll_interval", cfg.PollInterval).
		Float64("threshold_m", cfg.ProximityThreshold).
		Msg("Starting trip update predictor")

	// Phase 1: static timetable
	client := &http.Client{Timeout: 5 * time.Minute}
	maxAge := time.Duration(cfg.TimetableRefreshDays) * 24 * time.Hour
	if _, err := timetable.EnsureFresh(ctx, client, cfg.TimetableURL, cfg.TimetablePath, maxAge); err != nil {
		log.Warn().Err(err).Msg("Timetable refresh failed, using existing file")
	}

	gtfs, err := timetable.Load(cfg.TimetablePath)
	if err != nil {
		return fmt.Errorf("failed to load timetable: %w", err)
	}
	tt := timetable.NewReloadable(gtfs)

	// Phase 2: historic store
	collector := metrics.NewCollector(cfg.Strategy, cfg.PollInterval)

	var (
		backend history.Backend
		store   history.Store
		delays  predictor.DelayRecorder
		reader  server.HistoryReader
	)
	if cfg.NeedsHistory() || cfg.HistoryPath != "" {
		backend, err = history.Open(ctx, cfg.HistoryDriver, cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("failed to open historic store: %w", err)
		}
		defer backend.Close()

		store = history.WithObserver(backend, collector)
		delays = backend
		reader = backend
	}

	// Phase 3: prediction strategy
	p, err := predictor.New(cfg, tt, store, delays, predictor.Options{Location: gtfs.Location()})
	if err != nil {
		return err
	}

	// Phase 4: refresh loop
	options := []realtime.Option{realtime.WithMetrics(collector)}
	if backend != nil {
		options = append(options, realtime.WithPruner(backend))
	}
	if cfg.NATSURL != "" {
		pub, err := publisher.NewNATS(cfg.NATSURL, cfg.NATSSubject, collector)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, continuing without fan-out")
		} else {
			defer pub.Close()
			options = append(options, realtime.WithPublisher(pub))
		}
	}

	handle := feed.NewHandle(time.Now())
	updater := realtime.New(realtime.Options{
		URL:       cfg.VehiclePositionsURL,
		Interval:  cfg.PollInterval,
		Timeout:   cfg.DownloadTimeout,
		Retries:   cfg.DownloadRetries,
		Retention: time.Duration(cfg.HistoryRetentionDays) * 24 * time.Hour,
	}, p, handle, options...)

	if err := updater.Start(ctx); err != nil {
		return err
	}
	defer updater.Stop()

	var background conc.WaitGroup
	defer background.Wait()
	background.Go(func() {
		refreshTimetable(ctx, cfg, client, maxAge, tt)
	})

	// Phase 5: HTTP
	router := server.NewRouter(server.Deps{
		Feed:      handle,
		Status:    updater,
		History:   reader,
		Metrics:   collector.Handler(),
		StaticDir: cfg.StaticDir,
	})
	if err := server.Serve(ctx, cfg.Addr(), router); err != nil {
		stop()
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	log.Info().Msg("Shutting down")
	return nil
}

// refreshTimetable re-checks the timetable once a day and swaps in a newer file
func refreshTimetable(ctx context.Context, cfg *config.Config, client *http.Client, maxAge time.Duration, tt *timetable.Reloadable) {
	if cfg.TimetableURL == "" {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updated, err := timetable.EnsureFresh(ctx, client, cfg.TimetableURL, cfg.TimetablePath, maxAge)
			if err != nil {
				log.Warn().Err(err).Msg("Daily timetable refresh failed")
				continue
			}
			if !updated {
				continue
			}

			next, err := timetable.Load(cfg.TimetablePath)
			if err != nil {
				log.Error().Err(err).Msg("Downloaded timetable is unusable, keeping the current one")
				continue
			}
			tt.Swap(next)
			log.Info().Msg("Timetable reloaded")
		case <-ctx.Done():
			return
		}
	}
}
