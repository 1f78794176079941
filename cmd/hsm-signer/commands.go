package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
	"github.com/kenneth/hsm-signing-gateway/internal/signing"
)

var flagProvider = &cli.StringFlag{
	Name:    "provider",
	Aliases: []string{"p"},
	Usage:   "Provider id from the configuration",
}

var flagKeyID = &cli.StringFlag{
	Name:  "key-id",
	Usage: "Key to sign with instead of the provider default",
}

var flagAlgorithm = &cli.StringFlag{
	Name:  "algorithm",
	Usage: "Signing algorithm instead of the provider default",
}

var flagTimeout = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "Deadline for provider initialization and signing",
}

var signCommand = &cli.Command{
	Name:      "sign",
	Usage:     "sign a hex data hash and print the result as JSON",
	ArgsUsage: "<data-hash>",
	Flags:     []cli.Flag{requiredProvider(), flagKeyID, flagAlgorithm, flagTimeout},
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return cli.Exit("exactly one data hash argument is required", 2)
		}
		cfg, logger, err := setup(cCtx)
		if err != nil {
			return err
		}
		svc := signing.NewService(cfg, logger)
		defer svc.Close(context.Background())

		ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
		defer cancel()

		result, err := svc.Sign(ctx, cCtx.String(flagProvider.Name), cCtx.Args().First(), hsm.SignOptions{
			KeyID:     cCtx.String(flagKeyID.Name),
			Algorithm: cCtx.String(flagAlgorithm.Name),
		})
		if err != nil {
			return err
		}
		return printJSON(cCtx.App.Writer, result)
	},
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "test connectivity of one or all configured providers",
	Flags: []cli.Flag{flagProvider, flagTimeout},
	Action: func(cCtx *cli.Context) error {
		cfg, logger, err := setup(cCtx)
		if err != nil {
			return err
		}
		svc := signing.NewService(cfg, logger)
		defer svc.Close(context.Background())

		ids := []string{cCtx.String(flagProvider.Name)}
		if ids[0] == "" {
			ids = ids[:0]
			for _, p := range svc.Providers() {
				ids = append(ids, p.ID)
			}
		}

		ctx, cancel := context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
		defer cancel()

		statuses := make([]*hsm.ConnectionStatus, 0, len(ids))
		failed := 0
		for _, id := range ids {
			status, err := svc.TestConnection(ctx, id)
			if err != nil {
				return err
			}
			if !status.Success {
				failed++
			}
			statuses = append(statuses, status)
		}
		if err := printJSON(cCtx.App.Writer, statuses); err != nil {
			return err
		}
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%d of %d providers failed the connection check", failed, len(ids)), 1)
		}
		return nil
	},
}

var providersCommand = &cli.Command{
	Name:  "providers",
	Usage: "list configured providers",
	Action: func(cCtx *cli.Context) error {
		cfg, logger, err := setup(cCtx)
		if err != nil {
			return err
		}
		svc := signing.NewService(cfg, logger)
		return errors.Join(printJSON(cCtx.App.Writer, svc.Providers()), svc.Close(context.Background()))
	},
}

func requiredProvider() *cli.StringFlag {
	f := *flagProvider
	f.Required = true
	return &f
}
