package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/crush/internal/safetensors"
	"github.com/samcharles93/crush/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		input string
		stats bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List the tensors of a safetensors checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "input .safetensors file",
				Required:    true,
				Destination: &input,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "also print per-tensor min/max (reads every payload)",
				Destination: &stats,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := safetensors.Open(input)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d tensors\n", input, len(f.Tensors))
			for _, name := range f.Names() {
				info, _ := f.Tensor(name)
				fmt.Printf("  %-48s %-5s %v", name, info.DType, info.Shape)
				if stats && len(info.Shape) <= 2 {
					data, _, err := f.Float32(name)
					if err != nil {
						return err
					}
					lo, hi := tensor.MinMax(data)
					fmt.Printf("  min=%.6g max=%.6g", lo, hi)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
