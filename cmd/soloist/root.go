package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	flags := &globalFlags{port: -1}
	ctx := newCommandContext(flags)

	rootCmd := &cobra.Command{
		Use:           "soloist",
		Short:         "Single-instance coordination for desktop and CLI apps",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.id, "id", "", "Application identity (overrides instance.id)")
	pf.StringVar(&flags.dir, "dir", "", "Shared directory for lock and endpoint files")
	pf.StringVar(&flags.transport, "transport", "", "Transport kind: tcp or unix")
	pf.IntVar(&flags.port, "port", -1, "Start port (dynamic) or exact port (static)")
	pf.StringVar(&flags.portPolicy, "port-policy", "", "Port policy: dynamic or static")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newSendCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
