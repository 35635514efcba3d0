package main

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/bmc"
	"github.com/davidroman0O/metalflow/pkg/config"
	workflow "github.com/davidroman0O/metalflow/workflows"
)

// targetFlags are the BMC connection flags shared by workflow commands
type targetFlags struct {
	address      string
	username     string
	password     string
	manufacturer string
	deviceType   string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.address, "bmc", "", "BMC address (host or host:port)")
	cmd.Flags().StringVarP(&f.username, "user", "u", "", "BMC username")
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "BMC password (or METALFLOW_BMC_PASSWORD)")
	cmd.Flags().StringVar(&f.manufacturer, "manufacturer", "", "Manufacturer, skips the need for discovery")
	cmd.Flags().StringVar(&f.deviceType, "device-type", "", "Device type, skips the need for discovery")
	_ = cmd.MarkFlagRequired("bmc")
	_ = cmd.MarkFlagRequired("user")
}

// context builds a step context for the flagged target
func (f *targetFlags) context() (*workflow.StepContext, error) {
	ep := bmc.Endpoint{
		Address:      f.address,
		Manufacturer: f.manufacturer,
		DeviceType:   f.deviceType,
	}
	creds := bmc.Credentials{Username: f.username, Password: f.password}
	if creds.Password == "" {
		creds.Password = os.Getenv(config.EnvPrefix + "_BMC_PASSWORD")
	}
	if err := bmc.Validate(ep, creds); err != nil {
		return nil, err
	}
	return workflow.NewStepContext(ep, creds), nil
}

// parseSettings turns repeated NAME=VALUE flags into a map
func parseSettings(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, merrors.WithContext(
				merrors.Newf(merrors.ErrInvalidInput, "setting %q is not NAME=VALUE", p),
				map[string]interface{}{"setting": p},
			)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
