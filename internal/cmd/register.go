package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/primeloop/internal/config"
	"github.com/3leaps/primeloop/internal/observability"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this machine with PrimeNet",
	Long: `Register this machine with PrimeNet and save the assigned identity to
local.yaml. Running it again updates the registered hardware details.

Examples:
  primeloop register -w ~/gimps -u alice --hostname worker-01 -c "AMD Ryzen 9 7950X" --np 16`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runRegistration(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}

func runRegistration(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(config.ModeRegister); err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	if err := saveSettings(cfg); err != nil {
		return err
	}

	client, err := newClient(cfg, observability.CLILogger)
	if err != nil {
		return err
	}
	guid, err := client.Register(ctx)
	if err != nil {
		return exitError(exitUnavailable, "Registration failed", err)
	}

	observability.CLILogger.Info("Registered", zap.String("guid", guid), zap.String("hostname", cfg.Hostname))
	_, _ = fmt.Fprintf(out, "%s\n", guid)
	return nil
}
