package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - real-time collaboration hub",
		Long: `Relay fans out notifications published on a shared broker channel to
connected websocket clients and arbitrates per-resource edit locks.

Run "relay serve" on every hub instance and use "relay publish" to push an
envelope onto the channel the way a background worker would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	cmd.AddCommand(newServeCmd(), newPublishCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version reported by --version.
func SetVersionInfo(v, c string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", v, c)
}
