package steps

import (
	"context"

	"github.com/davidroman0O/metalflow/monitor"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// PowerResetStep restarts the target so staged BIOS changes take effect
type PowerResetStep struct {
	workflow.BaseStep
	Power     PowerController
	ResetType string
}

// NewPowerResetStep creates a power reset step. An empty reset type means
// GracefulRestart.
func NewPowerResetStep(power PowerController, resetType string) *PowerResetStep {
	return &PowerResetStep{
		BaseStep: workflow.NewBaseStepWithTags(
			"power-reset",
			"Restarts the server to apply staged settings",
			[]string{TagPower},
		).WithRetry(DefaultRetry),
		Power:     power,
		ResetType: resetType,
	}
}

// ValidatePrerequisites implements workflow.Step
func (s *PowerResetStep) ValidatePrerequisites(sc *workflow.StepContext) bool {
	return requireTarget(sc)
}

// Execute implements workflow.Step
func (s *PowerResetStep) Execute(ctx context.Context, sc *workflow.StepContext, rep monitor.Reporter) workflow.Result {
	resetType := s.ResetType
	if resetType == "" {
		resetType = "GracefulRestart"
	}
	op := startOperation(rep, sc, "power_reset", 1, map[string]interface{}{"reset_type": resetType})

	_ = rep.StartSubtask(op.id, "reset", resetType)
	sc.Logger.Info("Sending %s to %s", resetType, sc.Endpoint().Address)
	if err := s.Power.Reset(ctx, sc.Endpoint(), sc.Credentials, resetType); err != nil {
		_ = rep.CompleteSubtask(op.id, "reset", false, err.Error())
		op.finish(err, "")
		return workflow.Failed(err)
	}
	_ = rep.CompleteSubtask(op.id, "reset", true, "reset accepted")

	if sc.Data.Has(workflow.PrefixData + KeyHardware) {
		if err := workflow.UpdateField(sc, KeyHardware, "PowerState", powerStateAfter(resetType)); err != nil {
			sc.Logger.Warn("Could not record power state: %v", err)
		}
	}
	op.finish(nil, resetType+" accepted")
	return workflow.Succeeded(map[string]any{"reset_type": resetType})
}

// powerStateAfter is the Redfish PowerState a reset type leaves the system in
func powerStateAfter(resetType string) string {
	switch resetType {
	case "ForceOff", "GracefulShutdown":
		return "Off"
	}
	return "On"
}
