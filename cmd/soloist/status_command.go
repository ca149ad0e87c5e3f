package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"soloist/internal/instance"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a leader holds the identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			status, err := instance.Inspect(*cfg, "")
			if err != nil {
				return fmt.Errorf("inspect %s: %w", cfg.Instance.ID, err)
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			kind, message := leaderState(status)
			fmt.Fprintln(out, renderStatusLine("Leader", kind, message, colorize))
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, statusRows(status), nil))
			return nil
		},
	}
}

func leaderState(status instance.Status) (statusKind, string) {
	switch {
	case status.LockHeld && status.PortError != "":
		return statusError, "running, endpoint unreadable: " + status.PortError
	case status.LockHeld:
		return statusOK, "running at " + status.Endpoint
	case status.LockExists || status.ArtifactPresent:
		return statusWarn, "not running, stale files remain"
	default:
		return statusInfo, "not running"
	}
}

func statusRows(status instance.Status) [][]string {
	rows := [][]string{
		{"Identity", status.Identity},
		{"Directory", status.Dir},
		{"Transport", status.Transport},
		{"Lock file", status.LockPath},
		{"Lock present", yesNo(status.LockExists)},
		{"Lock held", yesNo(status.LockHeld)},
	}
	if status.Artifact != "" {
		rows = append(rows,
			[]string{"Endpoint file", status.Artifact},
			[]string{"Endpoint file present", yesNo(status.ArtifactPresent)},
		)
	}
	if status.Port > 0 {
		rows = append(rows, []string{"Port", strconv.Itoa(status.Port)})
	}
	return append(rows, []string{"Endpoint", status.Endpoint})
}
