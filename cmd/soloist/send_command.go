package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"soloist/internal/follower"
	"soloist/internal/frame"
	"soloist/internal/payload"
	"soloist/internal/transport"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "send [args...]",
		Short: "Forward arguments to the running leader without ever leading",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := ctx.newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			tr, err := transport.FromConfig(cfg.Transport)
			if err != nil {
				return err
			}
			msg, err := payload.EncodeList(args)
			if err != nil {
				return err
			}

			client := follower.New(tr, cfg.Instance.ID, cfg.Instance.Dir, follower.Options{
				Limits: frame.Limits{
					MaxPayloadBytes: cfg.Protocol.MaxPayloadBytes,
					AllowShortBody:  cfg.Protocol.AllowShortBody,
				},
				IOTimeout: cfg.Protocol.IOTimeout(),
				Logger:    logger,
			})
			result, err := client.Exchange(cmd.Context(), msg)
			switch {
			case result == follower.Unreachable:
				return fmt.Errorf("no running instance of %s: %w", cfg.Instance.ID, err)
			case err != nil:
				return err
			case result != follower.Validated:
				return fmt.Errorf("endpoint %s did not identify as %s", tr.Endpoint(cfg.Instance.ID, cfg.Instance.Dir), cfg.Instance.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forwarded %s to %s\n", formatArgs(args), cfg.Instance.ID)
			return nil
		},
	}
}
