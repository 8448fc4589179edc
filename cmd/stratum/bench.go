package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/stratum-ml/stratum/internal/inference"
	"github.com/stratum-ml/stratum/internal/model"
)

func benchCmd() *cli.Command {
	var (
		prefill int64
		decode  int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure prefill and decode throughput with synthetic tokens",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.Int64Flag{
				Name:        "prefill",
				Usage:       "number of synthetic prompt tokens",
				Value:       64,
				Destination: &prefill,
			},
			&cli.Int64Flag{
				Name:        "decode",
				Usage:       "number of decode steps",
				Value:       64,
				Destination: &decode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(cmd, cfg)
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

			t := engine.Model()
			vocab := t.Config.VocabSize
			pos := 0

			// warm up page cache and worker pool
			t.Reset()
			if _, err := t.Forward(0, pos, model.FlagUpdateKVOnly); err != nil {
				return err
			}
			t.Reset()

			start := time.Now()
			for i := 0; i < int(prefill); i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := t.Forward(i%vocab, pos, model.FlagUpdateKVOnly); err != nil {
					return err
				}
				pos++
			}
			prefillDur := time.Since(start)

			start = time.Now()
			for i := 0; i < int(decode); i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := t.Forward(i%vocab, pos, 0); err != nil {
					return err
				}
				pos++
			}
			decodeDur := time.Since(start)

			fmt.Printf("prefill: %d tokens in %s (%.1f tok/s)\n",
				prefill, prefillDur.Round(time.Millisecond),
				float64(prefill)/prefillDur.Seconds())
			fmt.Printf("decode:  %d tokens in %s (%.1f tok/s)\n",
				decode, decodeDur.Round(time.Millisecond),
				float64(decode)/decodeDur.Seconds())
			fmt.Printf("weights: %s, %s touched per token\n",
				humanBytes(t.NBytes), humanBytes(t.NBandwidth))
			return nil
		},
	}
}
