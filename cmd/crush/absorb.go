package main

import (
	"context"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/crush/internal/absorb"
	"github.com/samcharles93/crush/internal/api"
)

func absorbCmd() *cli.Command {
	var (
		tracePath string
		output    string
		ops       string
	)

	return &cli.Command{
		Name:  "absorb",
		Usage: "Analyze a traced graph for scale-absorption pairs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "trace",
				Aliases:     []string{"t"},
				Usage:       "trace JSON file exported from the model",
				Required:    true,
				Destination: &tracePath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write the report to this file instead of stdout",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "ops",
				Usage:       "comma-separated module types to analyze",
				Value:       "Linear",
				Destination: &ops,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := buildLogger()
			opTypes := strings.Split(ops, ",")
			for i := range opTypes {
				opTypes[i] = strings.TrimSpace(opTypes[i])
			}

			g, tree, err := absorb.LoadTrace(tracePath)
			if err != nil {
				return err
			}
			absorbToLayer, noAbsorb := absorb.NewAnalyzer(log).Layers(g, tree, opTypes)

			report := api.AbsorptionReport{
				AbsorbToLayer: absorbToLayer,
				NoAbsorb:      noAbsorb,
			}
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			data = append(data, '\n')
			if output == "" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			log.Info("wrote absorption report", "path", output,
				"absorbers", len(absorbToLayer), "no_absorb", len(noAbsorb))
			return nil
		},
	}
}
