package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hitsmaxft/nanoclaw/internal/app"
	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the router process (messenger listener, dispatcher, scheduler, IPC watcher)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		a, err := app.New(cfg)
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return a.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
