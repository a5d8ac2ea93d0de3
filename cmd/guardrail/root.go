package main

import (
	"log/slog"

	"github.com/spboyer/guardrail/internal/utils"
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardrail",
		Short: "Guardrail - content safety attestor for on-chain tasks",
		Long: `Guardrail is an off-chain operator that watches a task contract for new
tasks, classifies each task's contents with a safety classifier, signs the
verdict with the operator key and submits it back to the contract exactly once.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().String("config", "", "Path to guardrail.yaml (default: search upwards from the working directory)")
	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		slog.SetDefault(utils.NewLogger(cmd.ErrOrStderr(), *debugLogging))
	}

	// Add subcommands
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCreateTaskCommand())
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newCheckCommand())

	return cmd
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
