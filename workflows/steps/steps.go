// Package steps provides the provisioning steps workflows are built from:
// discovery, BIOS configuration, firmware updates, power control and
// inventory sync.
package steps

import (
	"context"
	"strings"
	"time"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/bmc"
	"github.com/davidroman0O/metalflow/pkg/inventory"
	"github.com/davidroman0O/metalflow/pkg/redfish"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// Context data keys shared between steps
const (
	KeyHardware    = "hardware"
	KeyDeviceType  = "device_type"
	KeyBIOSPlan    = "bios_analysis"
	KeyBIOSOutcome = "bios_outcome"
	KeyFirmware    = "firmware"
)

// Step tags
const (
	TagDiscovery = "discovery"
	TagBIOS      = "bios"
	TagFirmware  = "firmware"
	TagPower     = "power"
	TagInventory = "inventory"
)

// HardwareInfo is the hardware summary discovery stores under KeyHardware
type HardwareInfo = inventory.Hardware

// SystemReader reads the ComputerSystem resource of a target
type SystemReader interface {
	SystemInfo(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) (*redfish.SystemInfo, error)
}

// PowerController resets a target
type PowerController interface {
	Reset(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, resetType string) error
}

// ImagePuller asks the BMC to fetch and apply a firmware image itself
type ImagePuller interface {
	SimpleUpdate(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, imageURI string, targets []string) (string, error)
}

// ImagePusher uploads a local firmware image and applies it with the vendor tool
type ImagePusher interface {
	UpdateFirmware(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, imagePath string) error
}

// DefaultRetry is the policy of steps that only read or re-issue the same
// request.
var DefaultRetry = workflow.RetryPolicy{Idempotent: true, MaxAttempts: 3, Backoff: 5 * time.Second}

// DeviceTypeFromModel derives a device type from a model string: the first
// word containing a digit, lowercased. "PowerEdge R650" becomes "r650".
func DeviceTypeFromModel(model string) string {
	fields := strings.Fields(model)
	if len(fields) == 0 {
		return ""
	}
	for _, f := range fields {
		if strings.ContainsAny(f, "0123456789") {
			return strings.ToLower(f)
		}
	}
	return strings.ToLower(fields[len(fields)-1])
}

// deviceType resolves the target's device type from the endpoint or from
// what discovery stored.
func deviceType(sc *workflow.StepContext) string {
	if dt := sc.Endpoint().DeviceType; dt != "" {
		return dt
	}
	dt, _ := workflow.LookupOrDefault(sc, KeyDeviceType, "")
	return dt
}

// requireTarget records a prerequisite error when the target is unusable
func requireTarget(sc *workflow.StepContext) bool {
	if err := bmc.Validate(sc.Endpoint(), sc.Credentials); err != nil {
		sc.AddError(err)
		return false
	}
	return true
}

// operation wraps the lifecycle of the monitor operation a step reports to
type operation struct {
	rep monitor.Reporter
	id  string
}

func startOperation(rep monitor.Reporter, sc *workflow.StepContext, opType string, total int, metadata map[string]interface{}) *operation {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["target"] = sc.Endpoint().Address
	if id := sc.WorkflowID(); id != "" {
		metadata["workflow_id"] = id
	}

	op := &operation{rep: rep, id: rep.CreateOperation(opType, metadata)}
	sc.AddSubtask(op.id)
	_ = rep.StartOperation(op.id, total)
	// a workflow cancel issued before the operation was registered
	if parent := sc.OperationID(); parent != "" && rep.CancelRequested(parent) {
		if c, ok := rep.(interface{ RequestCancel(id string) error }); ok {
			_ = c.RequestCancel(op.id)
		}
	}
	return op
}

func (o *operation) cancelRequested() bool {
	return o.rep.CancelRequested(o.id)
}

// finish completes the operation with a status derived from err
func (o *operation) finish(err error, message string) {
	status := monitor.StatusCompleted
	switch {
	case err == nil:
	case merrors.IsCancelled(err):
		status = monitor.StatusCancelled
		message = err.Error()
	default:
		status = monitor.StatusFailed
		message = err.Error()
	}
	_ = o.rep.CompleteOperation(o.id, status, message)
}

// recordFailure marks the inventory record failed with err
func recordFailure(ctx context.Context, inv inventory.Store, sc *workflow.StepContext, err error) {
	if inv == nil || err == nil {
		return
	}
	_, uerr := inv.Update(ctx, sc.Endpoint().Address, func(r *inventory.Record) error {
		r.Status = inventory.StatusFailed
		r.LastError = err.Error()
		if id := sc.WorkflowID(); id != "" {
			r.LastWorkflowID = id
		}
		return nil
	})
	if uerr != nil {
		sc.Logger.Warn("Inventory update for %s failed: %v", sc.Endpoint().Address, uerr)
	}
}
