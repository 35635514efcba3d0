package steps

import (
	"context"
	"fmt"

	"github.com/davidroman0O/metalflow/decision"
	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/inventory"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// Default firmware pacing
const (
	DefaultFirmwareChunkSize        = 2
	DefaultFirmwareSecondsPerUpdate = 300.0
)

// Component is one firmware image to apply
type Component struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	// ImagePath is a local image pushed with the vendor tool
	ImagePath string `json:"image_path,omitempty" yaml:"image_path"`
	// ImageURI is a URL the BMC pulls itself via SimpleUpdate
	ImageURI string `json:"image_uri,omitempty" yaml:"image_uri"`
	// SHA256 of the local image, checked before it is pushed when set
	SHA256 string `json:"sha256,omitempty" yaml:"sha256"`
}

// FirmwareResult is the per-component outcome stored under KeyFirmware
type FirmwareResult struct {
	Applied []string          `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
	Skipped []string          `json:"skipped,omitempty"`
	Tasks   map[string]string `json:"tasks,omitempty"`
}

// FirmwareStep applies firmware components in sequential chunks. Progress
// and cancellation are checked between chunks.
type FirmwareStep struct {
	workflow.BaseStep
	Components       []Component
	Puller           ImagePuller
	Pusher           ImagePusher
	ChunkSize        int
	SecondsPerUpdate float64
	Inventory        inventory.Store
}

// NewFirmwareStep creates a firmware update step
func NewFirmwareStep(components []Component, puller ImagePuller, pusher ImagePusher) *FirmwareStep {
	return &FirmwareStep{
		BaseStep: workflow.NewBaseStepWithTags(
			"update-firmware",
			"Applies firmware images to the server",
			[]string{TagFirmware},
		),
		Components:       append([]Component(nil), components...),
		Puller:           puller,
		Pusher:           pusher,
		ChunkSize:        DefaultFirmwareChunkSize,
		SecondsPerUpdate: DefaultFirmwareSecondsPerUpdate,
	}
}

// ValidatePrerequisites implements workflow.Step
func (s *FirmwareStep) ValidatePrerequisites(sc *workflow.StepContext) bool {
	if !requireTarget(sc) {
		return false
	}
	if len(s.Components) == 0 {
		sc.AddError(merrors.Prerequisite("no firmware components given"))
		return false
	}
	for _, c := range s.Components {
		switch {
		case c.Name == "":
			sc.AddError(merrors.Prerequisite("firmware component without a name"))
			return false
		case c.ImageURI != "" && s.Puller == nil:
			sc.AddError(merrors.Configuration("component " + c.Name + " has an image URI but no Redfish client is configured"))
			return false
		case c.ImageURI == "" && c.ImagePath == "":
			sc.AddError(merrors.Prerequisite("component " + c.Name + " has neither an image path nor an image URI"))
			return false
		case c.ImageURI == "" && s.Pusher == nil:
			sc.AddError(merrors.Configuration("component " + c.Name + " needs the vendor tool but none is configured"))
			return false
		}
	}
	return true
}

// Estimate returns the expected duration in seconds
func (s *FirmwareStep) Estimate() float64 {
	per := s.SecondsPerUpdate
	if per <= 0 {
		per = DefaultFirmwareSecondsPerUpdate
	}
	return decision.EstimateSequential(len(s.Components), per)
}

// Execute implements workflow.Step
func (s *FirmwareStep) Execute(ctx context.Context, sc *workflow.StepContext, rep monitor.Reporter) workflow.Result {
	ep := sc.Endpoint()
	chunks := decision.Chunk(s.Components, s.ChunkSize)
	op := startOperation(rep, sc, "firmware_update", len(s.Components), map[string]interface{}{
		"components":        len(s.Components),
		"chunks":            len(chunks),
		"estimated_seconds": s.Estimate(),
	})

	res := FirmwareResult{Failed: make(map[string]string), Tasks: make(map[string]string)}
	var failure error

	for ci, chunk := range chunks {
		if failure != nil || ctx.Err() != nil || op.cancelRequested() {
			for _, c := range chunk {
				res.Skipped = append(res.Skipped, c.Name)
			}
			continue
		}
		sc.Logger.Info("Firmware chunk %d/%d on %s (%d components)", ci+1, len(chunks), ep.Address, len(chunk))

		for _, c := range chunk {
			if failure != nil {
				res.Skipped = append(res.Skipped, c.Name)
				continue
			}
			_ = rep.StartSubtask(op.id, c.Name, fmt.Sprintf("update %s to %s", c.Name, c.Version))

			task, err := s.update(ctx, sc, c)
			if err != nil {
				failure = merrors.WithContext(err, map[string]interface{}{"component": c.Name})
				res.Failed[c.Name] = err.Error()
				_ = rep.LogError(op.id, err.Error(), map[string]interface{}{"component": c.Name})
				_ = rep.CompleteSubtask(op.id, c.Name, false, err.Error())
				continue
			}
			res.Applied = append(res.Applied, c.Name)
			if task != "" {
				res.Tasks[c.Name] = task
			}
			_ = rep.CompleteSubtask(op.id, c.Name, true, "version "+c.Version+" submitted")
		}
	}

	if failure == nil && len(res.Skipped) > 0 {
		failure = merrors.Newf(merrors.ErrCancelled, "firmware update cancelled with %d components not applied", len(res.Skipped))
	}
	if failure != nil {
		op.finish(failure, "")
		recordFailure(ctx, s.Inventory, sc, failure)
		return workflow.Failed(failure)
	}
	op.finish(nil, fmt.Sprintf("%d components updated", len(res.Applied)))

	if s.Inventory != nil {
		_, err := s.Inventory.Update(ctx, ep.Address, func(r *inventory.Record) error {
			if r.Firmware == nil {
				r.Firmware = make(map[string]string, len(s.Components))
			}
			for _, c := range s.Components {
				r.Firmware[c.Name] = c.Version
			}
			return nil
		})
		if err != nil {
			sc.Logger.Warn("Inventory update for %s failed: %v", ep.Address, err)
		}
	}

	return workflow.Succeeded(map[string]any{KeyFirmware: res})
}

// update applies one component, pulled by the BMC when it has an image URI
// and pushed with the vendor tool otherwise.
func (s *FirmwareStep) update(ctx context.Context, sc *workflow.StepContext, c Component) (string, error) {
	ep := sc.Endpoint()
	if c.ImageURI != "" {
		sc.Logger.Info("Requesting SimpleUpdate of %s from %s", c.Name, c.ImageURI)
		return s.Puller.SimpleUpdate(ctx, ep, sc.Credentials, c.ImageURI, nil)
	}
	if c.SHA256 != "" {
		if err := verifyImage(c.ImagePath, c.SHA256); err != nil {
			return "", err
		}
	}
	sc.Logger.Info("Pushing %s image %s with the vendor tool", c.Name, c.ImagePath)
	return "", s.Pusher.UpdateFirmware(ctx, ep, sc.Credentials, c.ImagePath)
}
