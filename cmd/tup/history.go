package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/SWT-Forschungsprojekt/tup/internal/history"
)

func historyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "driver",
			Value:   "sqlite",
			Usage:   "history backend (sqlite or postgres)",
			EnvVars: []string{"HISTORY_DRIVER"},
		},
		&cli.StringFlag{
			Name:     "history",
			Usage:    "SQLite file or PostgreSQL DSN",
			EnvVars:  []string{"HISTORY_PATH"},
			Required: true,
		},
	}
}

func openHistory(c *cli.Context) (history.Backend, error) {
	return history.Open(c.Context, c.String("driver"), c.String("history"))
}

func average(c *cli.Context) error {
	store, err := openHistory(c)
	if err != nil {
		return err
	}
	defer store.Close()

	avg, err := store.Average(c.Context, c.String("trip"), c.String("stop"))
	if errors.Is(err, history.ErrNoData) {
		fmt.Fprintln(c.App.Writer, "no data")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%d (%s)\n", avg, time.Unix(avg, 0).UTC().Format(time.RFC3339))
	return nil
}

func prune(c *cli.Context) error {
	days := c.Int("days")
	if days <= 0 {
		return fmt.Errorf("--days must be positive, got %d", days)
	}

	store, err := openHistory(c)
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Prune(c.Context, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}

	log.Info().Int64("removed", removed).Int("days", days).Msg("Pruned historic observations")
	return nil
}
