package cli

import (
	"fmt"

	"github.com/hitsmaxft/nanoclaw/internal/cliconfig"
	"github.com/spf13/cobra"
)

var doctorFix bool
var doctorGenerateBridgeSecret bool
var doctorWatch bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorWatch {
			return runDoctorWatch()
		}

		report, err := cliconfig.RunDoctorWithOptions(cliconfig.DoctorOptions{
			Fix:                  doctorFix,
			GenerateBridgeSecret: doctorGenerateBridgeSecret,
		})
		if err != nil {
			return err
		}

		failures := printDoctorReport(cmd, report)
		if failures > 0 {
			return fmt.Errorf("doctor found %d failing check(s)", failures)
		}
		return nil
	},
}

func printDoctorReport(cmd *cobra.Command, report cliconfig.DoctorReport) int {
	failures := 0
	for _, check := range report.Checks {
		symbol := "PASS"
		if check.Status == cliconfig.DoctorWarn {
			symbol = "WARN"
		}
		if check.Status == cliconfig.DoctorFail {
			symbol = "FAIL"
			failures++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", symbol, check.Name, check.Message)
	}
	return failures
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Apply safe fixes (merge discovered env files into the managed env file)")
	doctorCmd.Flags().BoolVar(&doctorGenerateBridgeSecret, "generate-bridge-secret", false, "Generate and persist a new gateway.bridgeSecret")
	doctorCmd.Flags().BoolVar(&doctorWatch, "watch", false, "Re-run diagnostics on an interval in a live terminal view")
	rootCmd.AddCommand(doctorCmd)
}
