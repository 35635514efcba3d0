// Package vendortool applies settings and firmware through the vendor's own
// command-line tool (racadm, ilorest, OneCLI), one invocation per setting.
package vendortool

import (
	"strings"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

// Tool renders vendor CLI invocations. Remote forms address the BMC over
// the network from wherever the tool runs; shell forms run on the BMC itself.
type Tool struct {
	Name string
	// ShellCapable is true when the tool is available in the BMC's own shell.
	ShellCapable bool

	set    func(name, value string) []string
	update func(imagePath string) []string
	commit []string
	remote func(ep bmc.Endpoint, creds bmc.Credentials) []string
}

// SetCommand renders one setting assignment
func (t Tool) SetCommand(ep bmc.Endpoint, creds bmc.Credentials, name, value string, remote bool) []string {
	return t.render(ep, creds, t.set(name, value), remote)
}

// UpdateCommand renders a firmware update from imagePath
func (t Tool) UpdateCommand(ep bmc.Endpoint, creds bmc.Credentials, imagePath string, remote bool) []string {
	return t.render(ep, creds, t.update(imagePath), remote)
}

// CommitCommand renders the command that schedules staged settings, if the
// tool needs one.
func (t Tool) CommitCommand(ep bmc.Endpoint, creds bmc.Credentials, remote bool) []string {
	if len(t.commit) == 0 {
		return nil
	}
	return t.render(ep, creds, append([]string(nil), t.commit...), remote)
}

func (t Tool) render(ep bmc.Endpoint, creds bmc.Credentials, args []string, remote bool) []string {
	argv := []string{t.Name}
	if remote {
		argv = append(argv, t.remote(ep, creds)...)
	}
	return append(argv, args...)
}

func dellAttribute(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return "BIOS.Setup.1-1." + name
}

// DefaultTools is the tool table keyed by bmc.Endpoint.Vendor()
func DefaultTools() map[string]Tool {
	return map[string]Tool{
		"dell": {
			Name:         "racadm",
			ShellCapable: true,
			set: func(name, value string) []string {
				return []string{"set", dellAttribute(name), value}
			},
			update: func(imagePath string) []string {
				return []string{"update", "-f", imagePath}
			},
			commit: []string{"jobqueue", "create", "BIOS.Setup.1-1"},
			remote: func(ep bmc.Endpoint, creds bmc.Credentials) []string {
				return []string{"-r", ep.Host(), "-u", creds.Username, "-p", creds.Password, "--nocertwarn"}
			},
		},
		"hpe": {
			Name: "ilorest",
			set: func(name, value string) []string {
				return []string{"set", name + "=" + value, "--selector", "Bios.", "--commit"}
			},
			update: func(imagePath string) []string {
				return []string{"flashfwpkg", imagePath}
			},
			remote: func(ep bmc.Endpoint, creds bmc.Credentials) []string {
				return []string{"--url", ep.Host(), "-u", creds.Username, "-p", creds.Password}
			},
		},
		"lenovo": {
			Name: "onecli",
			set: func(name, value string) []string {
				return []string{"config", "set", name, value}
			},
			update: func(imagePath string) []string {
				return []string{"update", "flash", "--dir", imagePath}
			},
			remote: func(ep bmc.Endpoint, creds bmc.Credentials) []string {
				return []string{"--bmc", creds.Username + ":" + creds.Password + "@" + ep.Host()}
			},
		},
	}
}

func lookupTool(tools map[string]Tool, ep bmc.Endpoint, remote bool) (Tool, error) {
	vendor := ep.Vendor()
	t, ok := tools[vendor]
	if !ok {
		return Tool{}, merrors.WithContext(
			merrors.Configuration("no vendor tool for manufacturer "+ep.Manufacturer),
			map[string]interface{}{"manufacturer": ep.Manufacturer},
		)
	}
	if !remote && !t.ShellCapable {
		return Tool{}, merrors.Configuration(t.Name + " cannot run in the BMC shell; use the docker runner")
	}
	return t, nil
}

// redact hides credentials in an argv for logging
func redact(argv []string, creds bmc.Credentials) string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if creds.Password != "" && strings.Contains(a, creds.Password) {
			a = strings.ReplaceAll(a, creds.Password, "****")
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}
