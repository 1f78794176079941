package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/kenneth/hsm-signing-gateway/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "config.yaml",
	EnvVars: []string{"CONFIG_PATH"},
	Usage:   "Path to the configuration file",
}

var flagLogLevel = &cli.StringFlag{
	Name:  "log-level",
	Usage: "Override log_level from the configuration (debug, info, warn, error)",
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "hsm-signer",
		Usage:          "sign data hashes with configured HSM providers",
		Version:        fmt.Sprintf("%s (%s)", version, commit),
		DefaultCommand: "serve",
		Flags:          []cli.Flag{flagConfig, flagLogLevel},
		Commands: []*cli.Command{
			serveCommand,
			signCommand,
			checkCommand,
			providersCommand,
		},
	}
}

// setup loads the configuration and builds the process logger.
func setup(cCtx *cli.Context) (*config.Config, *logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(cCtx.App.ErrWriter)

	cfg, err := config.LoadConfig(cCtx.String(flagConfig.Name))
	if err != nil {
		return nil, nil, err
	}

	levelName := cfg.LogLevel
	if override := cCtx.String(flagLogLevel.Name); override != "" {
		levelName = override
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return cfg, logger, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
