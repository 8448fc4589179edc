package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/stratum-ml/stratum/internal/logger"
	"github.com/stratum-ml/stratum/internal/model"
	"github.com/stratum-ml/stratum/internal/tensor"
)

var (
	modelPath  string
	maxContext int64
	kvCache    string
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .safetensors model file",
			Destination: &modelPath,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "cap the context window below the model's seq_len",
			Destination: &maxContext,
		},
		&cli.StringFlag{
			Name:        "kv-cache",
			Usage:       "kv cache encoding (f16, fp8)",
			Value:       "f16",
			Destination: &kvCache,
		},
	}
}

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

func newLogger() logger.Logger {
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

func parseKVType(name string) (tensor.DType, error) {
	switch name {
	case "", "f16", "fp16":
		return tensor.DTypeF16, nil
	case "fp8", "f8":
		return tensor.DTypeFP8, nil
	default:
		return 0, fmt.Errorf("unknown kv cache encoding %q (want f16 or fp8)", name)
	}
}

func loadOptions() (model.LoadOptions, error) {
	kvType, err := parseKVType(kvCache)
	if err != nil {
		return model.LoadOptions{}, err
	}
	return model.LoadOptions{
		MaxContext: int(maxContext),
		KVType:     kvType,
	}, nil
}

func requireModel() error {
	if modelPath == "" {
		return fmt.Errorf("--model is required")
	}
	return nil
}
