package cmd

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"sweepdesk.io/internal/app"
	"sweepdesk.io/internal/auth"
)

var revokeReason string

func init() {
	sessionsRevokeCmd.Flags().StringVar(&revokeReason, "reason", auth.RevokeAdmin, "Revocation reason recorded on the session")
	sessionsCmd.AddCommand(sessionsRevokeCmd, sessionsSweepCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage login sessions",
}

var sessionsRevokeCmd = &cobra.Command{
	Use:   "revoke <session-id>",
	Short: "Revoke one session; its tokens stop working on the next request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if err := a.Core.RevokeSessionAsOperator(ctx, operatorName(), args[0], revokeReason); err != nil {
				return fmt.Errorf("revoke %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		})
	},
}

var sessionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revoke every session past its expiry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			n, err := a.Tokens.Sweep(ctx)
			if err != nil {
				return err
			}
			if done, err := formatOutput(cmd.OutOrStdout(), map[string]int{"swept": n}); done {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d sessions\n", n)
			return nil
		})
	},
}

func operatorName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "sweepctl:" + u.Username
	}
	return "sweepctl"
}

func withApp(parent context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}
