package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/crush/internal/absorb"
	"github.com/samcharles93/crush/internal/api"
	"github.com/samcharles93/crush/internal/tuning"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		runsPath    string
		tracePath   string
		ops         string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve tuning runs and absorption reports over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "runs",
				Usage:       "tuning runs JSON file to serve",
				Destination: &runsPath,
			},
			&cli.StringFlag{
				Name:        "trace",
				Usage:       "trace JSON file to analyze and serve",
				Destination: &tracePath,
			},
			&cli.StringFlag{
				Name:        "ops",
				Usage:       "comma-separated module types for the absorption report",
				Value:       "Linear",
				Destination: &ops,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig(), nil, &addr)
			log := buildLogger()

			store := tuning.NewStore()
			if runsPath != "" {
				if err := store.Load(runsPath); err != nil {
					return err
				}
				log.Info("loaded tuning runs", "path", runsPath, "runs", store.Len())
			}

			var report *api.AbsorptionReport
			if tracePath != "" {
				g, tree, err := absorb.LoadTrace(tracePath)
				if err != nil {
					return err
				}
				opTypes := strings.Split(ops, ",")
				for i := range opTypes {
					opTypes[i] = strings.TrimSpace(opTypes[i])
				}
				absorbToLayer, noAbsorb := absorb.NewAnalyzer(log).Layers(g, tree, opTypes)
				report = &api.AbsorptionReport{
					AbsorbToLayer: absorbToLayer,
					NoAbsorb:      noAbsorb,
				}
				log.Info("analyzed trace", "path", tracePath,
					"absorbers", len(absorbToLayer), "no_absorb", len(noAbsorb))
			}

			server := api.NewServer(store, report)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
