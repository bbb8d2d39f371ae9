package cli

import (
	"encoding/json"
	"fmt"

	"github.com/hitsmaxft/nanoclaw/internal/cliconfig"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and edit the on-disk nanoclaw config",
}

var configGetCmd = &cobra.Command{
	Use:     "get <path>",
	Short:   "Print the effective config value at a dotted/bracket path",
	Example: "  nanoclaw config get router.triggerPattern\n  nanoclaw config get messenger.slack.allowFrom[0]",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := cliconfig.Get(args[0])
		if err != nil {
			return err
		}
		return printConfigValue(cmd, val)
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <path> <value>",
	Short:   "Set a value at a dotted/bracket path in the config file",
	Example: `  nanoclaw config set router.assistantName "Andy"`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cliconfig.Set(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <path>",
	Short: "Remove a value at a dotted/bracket path from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cliconfig.Unset(args[0])
	},
}

// printConfigValue renders scalars bare and objects/arrays as pretty JSON,
// so "config get router.triggerPattern" prints a plain string while
// "config get messenger.slack" prints a readable block.
func printConfigValue(cmd *cobra.Command, val any) error {
	switch v := val.(type) {
	case map[string]any, []any:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	default:
		fmt.Fprintln(cmd.OutOrStdout(), v)
	}
	return nil
}

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configUnsetCmd)
	rootCmd.AddCommand(configCmd)
}
