package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ineyio/inferpool"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:           "inferpool",
		Short:         "Provider routing and accounting core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "inferpool.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(migrateCredentialsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(newProviderCmd())
	rootCmd.AddCommand(adjustCmd)
	rootCmd.AddCommand(holdingsCmd)
}

// loadConfig reads the config file and builds the logger it describes.
func loadConfig() (inferpool.Config, *zap.Logger, error) {
	cfg, err := inferpool.LoadConfig(cfgPath)
	if err != nil {
		return inferpool.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return inferpool.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg inferpool.LogConfig) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch cfg.Level {
	case "debug":
		lvl = zap.DebugLevel
	case "info", "":
		lvl = zap.InfoLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		return nil, fmt.Errorf("log: unknown level %q", cfg.Level)
	}

	encoding := cfg.Format
	if encoding == "" {
		encoding = "json"
	}

	zc := zap.Config{
		Encoding:         encoding,
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    zap.NewProductionEncoderConfig(),
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("log: build logger: %w", err)
	}
	zap.ReplaceGlobals(l)
	return l, nil
}
