package steps

import (
	"context"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/inventory"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// InventorySyncStep persists the final status of a workflow's target
type InventorySyncStep struct {
	workflow.BaseStep
	Inventory inventory.Store
}

// NewInventorySyncStep creates an inventory sync step
func NewInventorySyncStep(inv inventory.Store) *InventorySyncStep {
	return &InventorySyncStep{
		BaseStep: workflow.NewBaseStepWithTags(
			"sync-inventory",
			"Records the server's final state in the inventory",
			[]string{TagInventory},
		).WithRetry(DefaultRetry),
		Inventory: inv,
	}
}

// ValidatePrerequisites implements workflow.Step
func (s *InventorySyncStep) ValidatePrerequisites(sc *workflow.StepContext) bool {
	if s.Inventory == nil {
		sc.AddError(merrors.Configuration("no inventory store configured"))
		return false
	}
	if sc.Endpoint().Address == "" {
		sc.AddError(merrors.Prerequisite("target address is required"))
		return false
	}
	return true
}

// Execute implements workflow.Step
func (s *InventorySyncStep) Execute(ctx context.Context, sc *workflow.StepContext, rep monitor.Reporter) workflow.Result {
	ep := sc.Endpoint()
	hw, hwErr := workflow.Lookup[HardwareInfo](sc, KeyHardware)

	rec, err := s.Inventory.Update(ctx, ep.Address, func(r *inventory.Record) error {
		r.Status = inventory.StatusConfigured
		if ep.DeviceType != "" {
			r.DeviceType = ep.DeviceType
		}
		if hwErr == nil {
			r.Hardware = &hw
		}
		r.LastWorkflowID = sc.WorkflowID()
		r.LastError = ""
		return nil
	})
	if err != nil {
		return workflow.Failed(err)
	}
	sc.Logger.Info("Inventory record for %s marked %s", ep.Address, rec.Status)
	return workflow.Succeeded(map[string]any{"inventory_status": string(rec.Status)})
}
