package steps

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/davidroman0O/metalflow/decision"
	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/apply"
	"github.com/davidroman0O/metalflow/pkg/inventory"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// BIOSStep applies a BIOS settings template to the target. The template is
// picked by device type, split between Redfish and the vendor tool by the
// decision engine and dispatched batch by batch.
type BIOSStep struct {
	workflow.BaseStep

	Profiles decision.ProfileSource
	// Templates maps device type to desired settings
	Templates map[string]map[string]string
	// Overrides are applied on top of the selected template
	Overrides         map[string]string
	PreferPerformance bool

	Redfish            apply.RedfishAdapter
	Vendor             apply.VendorAdapter
	RedfishConcurrency int
	Inventory          inventory.Store
}

// NewBIOSStep creates a BIOS configuration step
func NewBIOSStep(profiles decision.ProfileSource, templates map[string]map[string]string, redfish apply.RedfishAdapter, vendor apply.VendorAdapter) *BIOSStep {
	return &BIOSStep{
		BaseStep: workflow.NewBaseStepWithTags(
			"configure-bios",
			"Applies BIOS settings over Redfish and the vendor tool",
			[]string{TagBIOS},
		),
		Profiles:          profiles,
		Templates:         templates,
		PreferPerformance: true,
		Redfish:           redfish,
		Vendor:            vendor,
	}
}

// ValidatePrerequisites implements workflow.Step
func (s *BIOSStep) ValidatePrerequisites(sc *workflow.StepContext) bool {
	if !requireTarget(sc) {
		return false
	}
	if s.Profiles == nil {
		sc.AddError(merrors.Configuration("no device profile source configured"))
		return false
	}
	dt := deviceType(sc)
	if dt == "" {
		sc.AddError(merrors.Prerequisite("device type unknown, run discovery first or set it on the target"))
		return false
	}
	if _, ok := s.Templates[dt]; !ok && len(s.Overrides) == 0 {
		sc.AddError(merrors.WithContext(
			merrors.Prerequisite("no BIOS template for device type "+dt),
			map[string]interface{}{"device_type": dt},
		))
		return false
	}
	return true
}

// DesiredSettings returns the template for deviceType with the overrides
// applied.
func (s *BIOSStep) DesiredSettings(deviceType string) (map[string]string, error) {
	settings := make(map[string]string, len(s.Templates[deviceType])+len(s.Overrides))
	for k, v := range s.Templates[deviceType] {
		settings[k] = v
	}
	if len(s.Overrides) == 0 {
		return settings, nil
	}
	if err := mergo.Merge(&settings, s.Overrides, mergo.WithOverride); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrConfiguration, "merge BIOS overrides")
	}
	return settings, nil
}

// Execute implements workflow.Step
func (s *BIOSStep) Execute(ctx context.Context, sc *workflow.StepContext, rep monitor.Reporter) workflow.Result {
	ep := sc.Endpoint()
	dt := deviceType(sc)

	settings, err := s.DesiredSettings(dt)
	if err != nil {
		return workflow.Failed(err)
	}

	analysis, err := decision.AnalyzeFor(s.Profiles, dt, settings, s.PreferPerformance)
	if err != nil {
		return workflow.Failed(err)
	}
	sc.Logger.Info("BIOS plan for %s: %d Redfish, %d vendor tool, %d unknown settings, estimated %.0fs",
		ep.Address, len(analysis.RedfishSettings), len(analysis.VendorSettings), len(analysis.UnknownSettings), analysis.Estimate.CombinedSeconds)

	if len(analysis.RedfishSettings) > 0 && s.Redfish != nil {
		if err := s.Redfish.Probe(ctx, ep, sc.Credentials); err != nil {
			sc.Logger.Warn("Redfish pre-flight probe of %s failed: %v", ep.Address, err)
			return workflow.Failed(err)
		}
	}

	op := startOperation(rep, sc, "bios_apply", len(analysis.Batches), map[string]interface{}{
		"device_type":        dt,
		"settings":           analysis.Total(),
		"estimated_seconds":  analysis.Estimate.CombinedSeconds,
		"prefer_performance": s.PreferPerformance,
	})

	if s.Inventory != nil {
		_, err := s.Inventory.Update(ctx, ep.Address, func(r *inventory.Record) error {
			r.Status = inventory.StatusConfiguring
			r.DeviceType = dt
			r.LastWorkflowID = sc.WorkflowID()
			return nil
		})
		if err != nil {
			_ = rep.LogWarning(op.id, "inventory not updated: "+err.Error(), nil)
		}
	}

	d := &apply.Dispatcher{
		Redfish:            s.Redfish,
		Vendor:             s.Vendor,
		Reporter:           rep,
		RedfishConcurrency: s.RedfishConcurrency,
	}
	outcome, err := d.Apply(ctx, op.id, ep, sc.Credentials, analysis)
	if err != nil {
		op.finish(err, "")
		recordFailure(ctx, s.Inventory, sc, err)
		return workflow.Failed(err)
	}
	op.finish(nil, fmt.Sprintf("%d settings applied", len(outcome.Applied)))

	if s.Inventory != nil {
		_, err := s.Inventory.Update(ctx, ep.Address, func(r *inventory.Record) error {
			if r.BIOSSettings == nil {
				r.BIOSSettings = make(map[string]string, len(outcome.Applied))
			}
			for k, v := range outcome.Applied {
				r.BIOSSettings[k] = v
			}
			r.Status = inventory.StatusConfigured
			r.LastError = ""
			return nil
		})
		if err != nil {
			sc.Logger.Warn("Inventory update for %s failed: %v", ep.Address, err)
		}
	}

	return workflow.Succeeded(map[string]any{
		KeyBIOSPlan:    analysis,
		KeyBIOSOutcome: outcome,
	})
}
