package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/crush/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

// quantFlags are the settings shared by quantize and tune when no recipe
// file is given.
type quantFlags struct {
	bits       int64
	groupSize  int64
	scheme     string
	dtype      string
	fullRange  bool
	searchClip bool
}

func (q *quantFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "bits",
			Aliases:     []string{"b"},
			Usage:       "quantization bit width (0 leaves tensors untouched)",
			Value:       4,
			Destination: &q.bits,
		},
		&cli.Int64Flag{
			Name:        "group-size",
			Aliases:     []string{"g"},
			Usage:       "columns per quantization group (-1 for whole rows)",
			Value:       -1,
			Destination: &q.groupSize,
		},
		&cli.StringFlag{
			Name:        "scheme",
			Usage:       "uniform grid scheme (asym, sym)",
			Value:       "asym",
			Destination: &q.scheme,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "target data type (int, nf4, fp4, fp4_e2m1)",
			Value:       "int",
			Destination: &q.dtype,
		},
		&cli.BoolFlag{
			Name:        "full-range",
			Usage:       "use the full signed range for symmetric scales",
			Destination: &q.fullRange,
		},
		&cli.BoolFlag{
			Name:        "search-clip",
			Usage:       "grid-search the clip ratio per tensor",
			Destination: &q.searchClip,
		},
	}
}
