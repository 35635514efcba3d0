package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	merrors "github.com/davidroman0O/metalflow/errors"
	workflow "github.com/davidroman0O/metalflow/workflows"
	"github.com/davidroman0O/metalflow/workflows/steps"
)

// runSteps opens the runtime, builds the steps for the target and runs them
// as one workflow.
func runSteps(cmd *cobra.Command, target *targetFlags, build func(rt *runtime) ([]workflow.Step, error)) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	sc, err := target.context()
	if err != nil {
		return err
	}
	stepList, err := build(rt)
	if err != nil {
		return err
	}

	res, snap, err := rt.execute(sc, stepList...)
	if err != nil {
		return err
	}
	if err := printRun(cmd.OutOrStdout(), res, snap); err != nil {
		return err
	}
	return res.Error
}

func printRun(out io.Writer, res workflow.RunResult, snap workflow.Snapshot) error {
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tERROR")
	for _, s := range snap.Steps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.Attempts, s.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, workflow.FormatResults([]workflow.RunResult{res}))
	return nil
}

func (rt *runtime) discoveryStep() *steps.DiscoveryStep {
	s := steps.NewDiscoveryStep(rt.redfish, rt.inventory)
	s.BaseStep = s.BaseStep.WithRetry(rt.retryPolicy())
	return s
}

func (rt *runtime) syncStep() *steps.InventorySyncStep {
	s := steps.NewInventorySyncStep(rt.inventory)
	s.BaseStep = s.BaseStep.WithRetry(rt.retryPolicy())
	return s
}

func newDiscoverCommand() *cobra.Command {
	var target targetFlags
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Read hardware details from a BMC and record them in the inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSteps(cmd, &target, func(rt *runtime) ([]workflow.Step, error) {
				return []workflow.Step{rt.discoveryStep(), rt.syncStep()}, nil
			})
		},
	}
	target.register(cmd)
	return cmd
}

func newBIOSCommand() *cobra.Command {
	var (
		target    targetFlags
		settings  []string
		reliable  bool
		noReboot  bool
		resetType string
	)
	cmd := &cobra.Command{
		Use:   "bios",
		Short: "Apply the device type's BIOS template to a server",
		Long: `Discover the server, apply its device type's BIOS template (plus any
--set overrides) over Redfish and the vendor tool, restart it and record the
result in the inventory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseSettings(settings)
			if err != nil {
				return err
			}
			return runSteps(cmd, &target, func(rt *runtime) ([]workflow.Step, error) {
				profiles, err := loadProfiles(rt.cfg)
				if err != nil {
					return nil, err
				}
				bios := steps.NewBIOSStep(profiles.Source, profiles.Templates, rt.redfish, rt.vendor)
				bios.Overrides = overrides
				bios.PreferPerformance = rt.cfg.Workflow.PreferPerformance && !reliable
				bios.RedfishConcurrency = rt.cfg.Redfish.MaxConcurrency
				bios.Inventory = rt.inventory

				list := []workflow.Step{rt.discoveryStep(), bios}
				if !noReboot {
					power := steps.NewPowerResetStep(rt.redfish, resetType)
					power.BaseStep = power.BaseStep.WithRetry(rt.retryPolicy())
					list = append(list, power)
				}
				return append(list, rt.syncStep()), nil
			})
		},
	}
	target.register(cmd)
	cmd.Flags().StringArrayVar(&settings, "set", nil, "Override a template setting as NAME=VALUE (repeatable)")
	cmd.Flags().BoolVar(&reliable, "reliable", false, "Prefer the vendor tool over Redfish for ambiguous settings")
	cmd.Flags().BoolVar(&noReboot, "no-reboot", false, "Leave settings staged without restarting the server")
	cmd.Flags().StringVar(&resetType, "reset-type", "GracefulRestart", "Redfish reset type used to apply settings")
	return cmd
}

// firmwareManifest is the YAML list of components for the firmware command
type firmwareManifest struct {
	Components []steps.Component `yaml:"components"`
}

func loadManifest(path string) ([]steps.Component, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.WithContext(
			merrors.Wrap(err, merrors.ErrInvalidInput, "read firmware manifest"),
			map[string]interface{}{"path": path},
		)
	}
	var m firmwareManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, merrors.WithContext(
			merrors.Wrap(err, merrors.ErrInvalidInput, "parse firmware manifest"),
			map[string]interface{}{"path": path},
		)
	}
	if len(m.Components) == 0 {
		return nil, merrors.WithContext(
			merrors.New(merrors.ErrInvalidInput, "firmware manifest lists no components"),
			map[string]interface{}{"path": path},
		)
	}
	return m.Components, nil
}

func newFirmwareCommand() *cobra.Command {
	var (
		target    targetFlags
		manifest  string
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "firmware",
		Short: "Apply firmware images listed in a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := loadManifest(manifest)
			if err != nil {
				return err
			}
			return runSteps(cmd, &target, func(rt *runtime) ([]workflow.Step, error) {
				fw := steps.NewFirmwareStep(components, rt.redfish, rt.vendor)
				fw.Inventory = rt.inventory
				if chunkSize > 0 {
					fw.ChunkSize = chunkSize
				}
				rt.log.Info().
					Int("components", len(components)).
					Float64("estimated_seconds", fw.Estimate()).
					Msg("firmware plan")
				return []workflow.Step{rt.discoveryStep(), fw, rt.syncStep()}, nil
			})
		},
	}
	target.register(cmd)
	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "YAML manifest of firmware components")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", steps.DefaultFirmwareChunkSize, "Components applied per chunk")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}
