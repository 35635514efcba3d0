package steps

import (
	"context"
	"fmt"

	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/bmc"
	"github.com/davidroman0O/metalflow/pkg/inventory"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// DiscoveryStep reads the target's hardware summary over Redfish, fills in
// a missing manufacturer or device type and records the server as
// discovered.
type DiscoveryStep struct {
	workflow.BaseStep
	Systems   SystemReader
	Inventory inventory.Store
}

// NewDiscoveryStep creates a discovery step
func NewDiscoveryStep(systems SystemReader, inv inventory.Store) *DiscoveryStep {
	return &DiscoveryStep{
		BaseStep: workflow.NewBaseStepWithTags(
			"discover-hardware",
			"Reads system inventory from the BMC",
			[]string{TagDiscovery},
		).WithRetry(DefaultRetry),
		Systems:   systems,
		Inventory: inv,
	}
}

// ValidatePrerequisites implements workflow.Step
func (s *DiscoveryStep) ValidatePrerequisites(sc *workflow.StepContext) bool {
	return requireTarget(sc)
}

// Execute implements workflow.Step
func (s *DiscoveryStep) Execute(ctx context.Context, sc *workflow.StepContext, rep monitor.Reporter) workflow.Result {
	ep := sc.Endpoint()
	op := startOperation(rep, sc, "discovery", 1, nil)

	_ = rep.StartSubtask(op.id, "system-info", "read ComputerSystem resource")
	sc.Logger.Info("Reading system information from %s", ep.Address)
	info, err := s.Systems.SystemInfo(ctx, ep, sc.Credentials)
	if err != nil {
		_ = rep.CompleteSubtask(op.id, "system-info", false, err.Error())
		op.finish(err, "")
		return workflow.Failed(err)
	}
	_ = rep.CompleteSubtask(op.id, "system-info", true, fmt.Sprintf("%s %s", info.Manufacturer, info.Model))

	hw := HardwareInfo{
		Manufacturer:   info.Manufacturer,
		Model:          info.Model,
		SerialNumber:   info.SerialNumber,
		BIOSVersion:    info.BIOSVersion,
		PowerState:     info.PowerState,
		ProcessorCount: info.ProcessorCount,
		MemoryGiB:      info.MemoryGiB,
	}

	sc.UpdateTarget(func(t *bmc.Endpoint) {
		if t.Manufacturer == "" {
			t.Manufacturer = hw.Manufacturer
		}
		if t.DeviceType == "" {
			t.DeviceType = DeviceTypeFromModel(hw.Model)
		}
		if t.SystemID == "" {
			t.SystemID = info.ID
		}
	})
	ep = sc.Endpoint()
	sc.Logger.Info("Discovered %s %s (device type %s, BIOS %s)", hw.Manufacturer, hw.Model, ep.DeviceType, hw.BIOSVersion)

	if s.Inventory != nil {
		_, err := s.Inventory.Update(ctx, ep.Address, func(r *inventory.Record) error {
			r.Status = inventory.StatusDiscovered
			r.DeviceType = ep.DeviceType
			r.Hardware = &hw
			r.LastWorkflowID = sc.WorkflowID()
			r.LastError = ""
			return nil
		})
		if err != nil {
			_ = rep.LogWarning(op.id, "inventory not updated: "+err.Error(), nil)
		}
	}

	op.finish(nil, "hardware discovered")
	return workflow.Succeeded(map[string]any{
		KeyHardware:   hw,
		KeyDeviceType: ep.DeviceType,
	})
}
