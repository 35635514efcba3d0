package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/davidroman0O/metalflow/decision"
	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/config"
)

func loadProfiles(cfg *config.Config) (*config.Profiles, error) {
	path := cfg.Profiles.Path
	if profileFile != "" {
		path = profileFile
	}
	return config.LoadProfiles(path)
}

func newAnalyzeCommand() *cobra.Command {
	var (
		deviceType string
		settings   []string
		reliable   bool
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Plan how BIOS settings would be applied without touching a server",
		Long: `Classify BIOS settings for a device type into Redfish and vendor tool
batches and print the plan with its time estimate. Without --set the device
type's template from the profile file is analysed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			profiles, err := loadProfiles(cfg)
			if err != nil {
				return err
			}

			desired, err := parseSettings(settings)
			if err != nil {
				return err
			}
			if len(desired) == 0 {
				tmpl, ok := profiles.Templates[deviceType]
				if !ok {
					return merrors.WithContext(
						merrors.New(merrors.ErrInvalidInput, "no settings given and no template for device type"),
						map[string]interface{}{"device_type": deviceType},
					)
				}
				desired = tmpl
			}

			prefer := cfg.Workflow.PreferPerformance && !reliable
			analysis, err := decision.AnalyzeFor(profiles.Source, deviceType, desired, prefer)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(analysis)
			}
			return printAnalysis(cmd.OutOrStdout(), analysis)
		},
	}

	cmd.Flags().StringVar(&deviceType, "device-type", "", "Device type to analyse for")
	cmd.Flags().StringArrayVar(&settings, "set", nil, "Desired setting as NAME=VALUE (repeatable)")
	cmd.Flags().BoolVar(&reliable, "reliable", false, "Prefer the vendor tool over Redfish for ambiguous settings")
	_ = cmd.MarkFlagRequired("device-type")
	return cmd
}

func printAnalysis(out io.Writer, a *decision.MethodAnalysis) error {
	fmt.Fprintf(out, "Device type: %s (prefer performance: %t)\n\n", a.DeviceType, a.PreferPerformance)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SETTING\tVALUE\tMETHOD\tRATIONALE")
	rows := []struct {
		method   string
		settings map[string]string
	}{
		{string(decision.MethodRedfish), a.RedfishSettings},
		{string(decision.MethodVendor), a.VendorSettings},
		{"unknown", a.UnknownSettings},
	}
	for _, r := range rows {
		for _, name := range sortedKeys(r.settings) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, r.settings[name], r.method, a.Rationale[name])
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nBatches:\n")
	for i, b := range a.Batches {
		fmt.Fprintf(out, "  %d. %-8s %2d setting(s) ~%.0fs  %s\n",
			i+1, b.Method, len(b.Names), b.EstimatedSeconds, strings.Join(b.Names, ", "))
	}
	fmt.Fprintf(out, "\nEstimate: redfish %.0fs, vendor %.0fs, combined %.0fs (sequential %.0fs)\n",
		a.Estimate.RedfishSeconds, a.Estimate.VendorSeconds,
		a.Estimate.CombinedSeconds, a.Estimate.SequentialSeconds)
	return nil
}
