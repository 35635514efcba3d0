package vendortool

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

// Adapter applies settings and firmware through the vendor tool matching
// the endpoint's manufacturer. It does not serialize calls; callers must
// not invoke it concurrently against the same target.
type Adapter struct {
	runner Runner
	tools  map[string]Tool
}

// NewAdapter builds an adapter over runner with the default tool table
func NewAdapter(runner Runner) *Adapter {
	return &Adapter{runner: runner, tools: DefaultTools()}
}

// WithTool registers or replaces the tool for a vendor key
func (a *Adapter) WithTool(vendor string, t Tool) *Adapter {
	a.tools[vendor] = t
	return a
}

// ApplySetting applies one setting
func (a *Adapter) ApplySetting(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, name, value string) error {
	tool, err := lookupTool(a.tools, ep, a.runner.Remote())
	if err != nil {
		return err
	}
	argv := tool.SetCommand(ep, creds, name, value, a.runner.Remote())
	return a.run(ctx, ep, creds, argv, map[string]interface{}{"setting": name})
}

// Commit schedules staged settings for tools that require a separate job
func (a *Adapter) Commit(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) error {
	tool, err := lookupTool(a.tools, ep, a.runner.Remote())
	if err != nil {
		return err
	}
	argv := tool.CommitCommand(ep, creds, a.runner.Remote())
	if argv == nil {
		return nil
	}
	return a.run(ctx, ep, creds, argv, nil)
}

// UpdateFirmware stages the local image where the tool can read it, when the
// runner supports that, and runs the tool's update command.
func (a *Adapter) UpdateFirmware(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, imagePath string) error {
	tool, err := lookupTool(a.tools, ep, a.runner.Remote())
	if err != nil {
		return err
	}

	target := imagePath
	if up, ok := a.runner.(Uploader); ok {
		target, err = up.Upload(ctx, ep, creds, imagePath)
		if err != nil {
			return err
		}
	}

	argv := tool.UpdateCommand(ep, creds, target, a.runner.Remote())
	return a.run(ctx, ep, creds, argv, map[string]interface{}{"image": imagePath})
}

func (a *Adapter) run(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, argv []string, fields map[string]interface{}) error {
	log.Debug().Str("target", ep.Address).Str("command", redact(argv, creds)).Msg("vendor tool invocation")

	out, err := a.runner.Run(ctx, ep, creds, argv)
	if err == nil {
		err = outputError(argv[0], out)
	}
	if err != nil {
		if merrors.GetCode(err) == merrors.ErrUnknown {
			err = merrors.Adapter(err, argv[0]+" failed")
		}
		if fields != nil {
			err = merrors.WithContext(err, fields)
		}
		return err
	}
	return nil
}

// outputError detects failures that some tools report with a zero exit code
func outputError(tool, out string) error {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "ERROR:") || strings.HasPrefix(trimmed, "ERROR -") {
			return merrors.Adapter(nil, tool+": "+trimmed)
		}
	}
	return nil
}
