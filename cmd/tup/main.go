package main

import (
	"os"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("tup failed")
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Usage:   "YAML configuration file",
		EnvVars: []string{"CONFIG_FILE"},
	}

	return &cli.App{
		Name:  "tup",
		Usage: "predict GTFS-RT trip updates from vehicle positions",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the refresh loop and serve the trip update feed",
				Action: serve,
			},
			{
				Name:  "average",
				Usage: "print the historic average observation time for a trip and stop",
				Flags: append(historyFlags(),
					&cli.StringFlag{Name: "trip", Required: true},
					&cli.StringFlag{Name: "stop", Required: true},
				),
				Action: average,
			},
			{
				Name:  "prune",
				Usage: "delete historic observations older than the given number of days",
				Flags: append(historyFlags(),
					&cli.IntFlag{Name: "days", Required: true},
				),
				Action: prune,
			},
		},
		DefaultCommand: "serve",
	}
}

// setupLogging applies the configured level and output format
func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}
