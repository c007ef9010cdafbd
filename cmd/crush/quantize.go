package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/crush/internal/quant"
	"github.com/samcharles93/crush/internal/safetensors"
	"github.com/samcharles93/crush/internal/tensor"
	"github.com/samcharles93/crush/internal/tuning"
	"github.com/samcharles93/crush/pkg/recipe"
)

func quantizeCmd() *cli.Command {
	var (
		input      string
		output     string
		recipePath string
		runsPath   string
		qf         quantFlags
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Fake-quantize a safetensors checkpoint",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input .safetensors file",
				Required:    true,
				Destination: &input,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors file",
				Required:    true,
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "recipe",
				Aliases:     []string{"r"},
				Usage:       "recipe file with per-tensor rules (overrides the flag settings)",
				Destination: &recipePath,
			},
			&cli.StringFlag{
				Name:        "runs",
				Usage:       "write clip search runs to this JSON file",
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
			out := make(map[string]tensor.Mat, len(f.Tensors))
			store := tuning.NewStore()
			for _, name := range f.Names() {
				info, _ := f.Tensor(name)
				m, err := f.Matrix(name)
				if err != nil {
					return err
				}

				cfg, searchClip := base, qf.searchClip
				if rec != nil {
					if cfg, searchClip, err = rec.Resolve(name); err != nil {
						return fmt.Errorf("resolve %s: %w", name, err)
					}
				}
				if len(info.Shape) != 2 || cfg.Bits <= 0 {
					out[name] = m
					log.Debug("tensor passed through", "tensor", name, "shape", info.Shape)
					continue
				}

				if searchClip {
					run, err := tuning.Tune(name, &m, cfg)
					if err != nil {
						return err
					}
					cfg.Quantile = run.ClipRatio
					store.Add(run)
					log.Info("clip search", "tensor", name, "ratio", run.ClipRatio, "mse", run.MSE)
				}
				st, err := quant.Quantize(&m, cfg)
				if err != nil {
					return fmt.Errorf("quantize %s: %w", name, err)
				}
				out[name] = st.Weight
				log.Info("quantized", "tensor", name,
					"bits", cfg.Bits, "group_size", cfg.GroupSize,
					"scheme", cfg.Scheme.String(), "dtype", cfg.DType.String())
			}

			if err := safetensors.WriteF32(output, out); err != nil {
				return err
			}
			log.Info("wrote checkpoint", "path", output, "tensors", len(out))
			if runsPath != "" && store.Len() > 0 {
				if err := store.Save(runsPath); err != nil {
					return err
				}
				log.Info("saved tuning runs", "path", runsPath, "runs", store.Len())
			}
			return nil
		},
	}
}

func (q *quantFlags) config() (quant.Config, error) {
	scheme, err := quant.ParseScheme(q.scheme)
	if err != nil {
		return quant.Config{}, err
	}
	dtype, err := quant.ParseDType(q.dtype)
	if err != nil {
		return quant.Config{}, err
	}
	cfg := quant.DefaultConfig()
	cfg.Bits = int(q.bits)
	cfg.GroupSize = int(q.groupSize)
	cfg.Scheme = scheme
	cfg.DType = dtype
	cfg.FullRange = q.fullRange
	return cfg, cfg.Validate()
}
