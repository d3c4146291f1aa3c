// Package commands defines all Cobra CLI commands for the ragchat binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ragchat-go/internal/audit"
	"github.com/54b3r/ragchat-go/internal/config"
	"github.com/54b3r/ragchat-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragchat",
		Short: "ragchat answers questions grounded in your own documents",
		Long: `ragchat ingests documents into collections and answers chat questions
using only the passages retrieved from them.

Providers and storage backends are selected via environment variables
or a YAML config file (~/.ragchat/config.yaml).
See 'ragchat --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load .env and YAML config (env vars always override both).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragchat/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewProcessCmd(),
		NewAskCmd(),
		NewVersionCmd(),
	)

	return root
}
