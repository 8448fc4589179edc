package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/stratum-ml/stratum/internal/model"
	"github.com/stratum-ml/stratum/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var showTensors bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print model metadata and accounting",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor with dtype and shape",
				Destination: &showTensors,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(cmd, cfg)
			if err := requireModel(); err != nil {
				return err
			}

			f, err := safetensors.Open(modelPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("file:    %s\n", modelPath)
			fmt.Printf("tensors: %d\n", len(f.Tensors))
			fmt.Printf("mapped:  %v\n", f.Mapped())

			if len(f.Metadata) > 0 {
				fmt.Println("\nmetadata:")
				keys := make([]string, 0, len(f.Metadata))
				for k := range f.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("  %-16s %s\n", k, f.Metadata[k])
				}
			}

			if showTensors {
				fmt.Println("\ntensors:")
				names := make([]string, 0, len(f.Tensors))
				for name := range f.Tensors {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					info := f.Tensors[name]
					fmt.Printf("  %-48s %-8s %v (%d bytes)\n",
						name, info.DType, info.Shape, info.End-info.Start)
				}
			}

			opts, err := loadOptions()
			if err != nil {
				return err
			}
			t, _, err := model.Load(modelPath, opts)
			if err != nil {
				return err
			}
			defer func() { _ = t.Close() }()

			c := t.Config
			fmt.Println("\nmodel:")
			fmt.Printf("  arch        %s\n", c.Arch)
			fmt.Printf("  dim         %d\n", c.Dim)
			fmt.Printf("  hidden_dim  %d\n", c.HiddenDim)
			fmt.Printf("  layers      %d\n", c.NLayers)
			fmt.Printf("  heads       %d (kv %d, head_dim %d)\n", c.NHeads, c.NKVHeads, c.HeadDim)
			fmt.Printf("  vocab       %d\n", c.VocabSize)
			fmt.Printf("  seq_len     %d\n", c.SeqLen)
			if c.NExperts > 0 {
				fmt.Printf("  experts     %d (%d active)\n", c.NExperts, c.NExpertsAc)
			}
			fmt.Printf("  params      %s\n", humanCount(t.NParams))
			fmt.Printf("  weights     %s\n", humanBytes(t.NBytes))
			fmt.Printf("  bandwidth   %s/token\n", humanBytes(t.NBandwidth))
			return nil
		},
	}
}

func humanCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	switch {
	case n >= unit*unit*unit:
		return fmt.Sprintf("%.2f GiB", float64(n)/(unit*unit*unit))
	case n >= unit*unit:
		return fmt.Sprintf("%.2f MiB", float64(n)/(unit*unit))
	case n >= unit:
		return fmt.Sprintf("%.2f KiB", float64(n)/unit)
	default:
		return fmt.Sprintf("%d B", n)
	}
}
