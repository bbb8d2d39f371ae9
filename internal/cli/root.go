package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/hitsmaxft/nanoclaw/internal/cli.version=1.2.3"
	version = "0.1.0"
	logo    = "\n" +
		"  _  __       __  ____ _\n" +
		" | |/ / __ _ / _|/ ___| | __ ___      __\n" +
		" | ' / / _` | |_| |   | |/ _` \\ \\ /\\ / /\n" +
		" | . \\| (_| |  _| |___| | (_| |\\ V  V /\n" +
		" |_|\\_\\\\__,_|_|  \\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "nanoclaw",
	Short: "nanoclaw - chat-driven agent orchestrator",
	Long:  color.CyanString(logo) + "\nBridges chat platforms to sandboxed per-workspace AI agents.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
