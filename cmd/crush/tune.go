package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/crush/internal/safetensors"
	"github.com/samcharles93/crush/internal/tuning"
	"github.com/samcharles93/crush/pkg/recipe"
)

func tuneCmd() *cli.Command {
	var (
		input      string
		recipePath string
		runsPath   string
		qf         quantFlags
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Search clip ratios without writing a checkpoint",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input .safetensors file",
				Required:    true,
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "recipe",
				Aliases:     []string{"r"},
				Usage:       "recipe file with per-tensor rules",
				Destination: &recipePath,
			},
			&cli.StringFlag{
				Name:        "runs",
				Usage:       "write runs to this JSON file",
				Value:       "runs.json",
				Destination: &runsPath,
			},
		}, qf.flags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig(), &recipePath, nil)
			log := buildLogger()

			var rec *recipe.Recipe
			if recipePath != "" {
				var err error
				if rec, err = recipe.Load(recipePath); err != nil {
					return err
				}
			}
			base, err := qf.config()
			if err != nil {
				return err
			}

			f, err := safetensors.Open(input)
			if err != nil {
				return err
			}
			store := tuning.NewStore()
			for _, name := range f.Names() {
				info, _ := f.Tensor(name)
				if len(info.Shape) != 2 {
					continue
				}
				cfg := base
				if rec != nil {
					var searchClip bool
					if cfg, searchClip, err = rec.Resolve(name); err != nil {
						return fmt.Errorf("resolve %s: %w", name, err)
					}
					if !searchClip || cfg.Bits <= 0 {
						continue
					}
				} else if cfg.Bits <= 0 {
					continue
				}

				m, err := f.Matrix(name)
				if err != nil {
					return err
				}
				run, err := tuning.Tune(name, &m, cfg)
				if err != nil {
					return err
				}
				store.Add(run)
				log.Info("tuned", "tensor", name, "ratio", run.ClipRatio, "mse", run.MSE)
			}

			if store.Len() == 0 {
				log.Warn("no tensors tuned, nothing written")
				return nil
			}
			if err := store.Save(runsPath); err != nil {
				return err
			}
			log.Info("saved tuning runs", "path", runsPath, "runs", store.Len())
			return nil
		},
	}
}
