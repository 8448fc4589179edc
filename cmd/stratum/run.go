package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/stratum-ml/stratum/internal/inference"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		steps         int64
		temp          float64
		topK          int64
		topP          float64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for a prompt",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate (-1 = until EOS)",
				Value:       -1,
				Destination: &steps,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling shortlist",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "nucleus sampling cutoff",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "repeat-last-n",
				Usage:       "penalty window length",
				Value:       64,
				Destination: &repeatLastN,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (-1 = time-based)",
				Value:       -1,
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(cmd, cfg)
			applyRunConfig(cmd, cfg, &temp, &topK, &topP, &repeatPenalty, &steps, &seed)

			if err := requireModel(); err != nil {
				return err
			}
			opts, err := loadOptions()
			if err != nil {
				return err
			}

			log := newLogger()
			engine, err := inference.Load(modelPath, opts, log)
			if err != nil {
				return err
			}
			defer func() { _ = engine.Close() }()

			if seed < 0 {
				seed = time.Now().UnixNano()
			}

			res, err := engine.Generate(ctx, inference.Request{
				Prompt:        prompt,
				MaxTokens:     int(steps),
				Seed:          seed,
				Temperature:   float32(temp),
				TopK:          int(topK),
				TopP:          float32(topP),
				RepeatPenalty: float32(repeatPenalty),
				RepeatLastN:   int(repeatLastN),
			}, func(piece string) {
				fmt.Print(piece)
			})
			if err != nil {
				return err
			}
			fmt.Println()

			fmt.Fprintf(os.Stderr, "\n%d prompt + %d generated tokens in %s (%.1f tok/s)\n",
				res.Stats.PromptTokens, res.Stats.TokensGenerated,
				res.Stats.Duration.Round(time.Millisecond), res.Stats.TPS)
			return nil
		},
	}
}
