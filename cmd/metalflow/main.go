// Package main implements the metalflow CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "metalflow",
		Short: "Bare-metal configuration orchestration",
		Long: `metalflow discovers servers through their BMC, applies BIOS settings
over Redfish or the vendor tool, updates firmware and keeps an inventory of
what it did.`,
		SilenceUsage: true,
	}

	// Global flags
	configFile  string
	verboseMode bool
	jsonOutput  bool
	profileFile string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().StringVar(&profileFile, "profile-file", "", "Device profile file (overrides profiles.path)")

	rootCmd.AddCommand(newAnalyzeCommand())
	rootCmd.AddCommand(newDiscoverCommand())
	rootCmd.AddCommand(newBIOSCommand())
	rootCmd.AddCommand(newFirmwareCommand())
	rootCmd.AddCommand(newStatusCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
