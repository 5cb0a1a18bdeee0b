package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	version = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "archie",
	Short: "Fault-injection campaign runner for emulated firmware",
	Long: `Archie drives an instruction-level emulator through a configured space of
single-bit, byte, and wildcard fault injections, recording each experiment's
trace diff against a golden run into a crash-safe, resumable archive.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
