// Package bmc holds the connection details shared by every BMC-facing
// adapter, plus the SSH/SFTP transport used to reach the BMC shell.
package bmc

import (
	"net"
	"strconv"
	"strings"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// Endpoint identifies a target server's BMC
type Endpoint struct {
	Address      string `json:"address" yaml:"address"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	DeviceType   string `json:"device_type,omitempty" yaml:"device_type,omitempty"`
	// SystemID is the Redfish ComputerSystem member id; empty means discover.
	SystemID string `json:"system_id,omitempty" yaml:"system_id,omitempty"`
}

// Host returns the address without any port
func (e Endpoint) Host() string {
	if host, _, err := net.SplitHostPort(e.Address); err == nil {
		return host
	}
	return e.Address
}

// HostPort joins the host with port unless the address already carries one
func (e Endpoint) HostPort(port int) string {
	if _, _, err := net.SplitHostPort(e.Address); err == nil {
		return e.Address
	}
	return net.JoinHostPort(e.Address, strconv.Itoa(port))
}

// Vendor returns a normalized manufacturer key: dell, hpe, lenovo,
// supermicro, or the lowercased manufacturer string.
func (e Endpoint) Vendor() string {
	m := strings.ToLower(e.Manufacturer)
	switch {
	case strings.Contains(m, "dell"):
		return "dell"
	case strings.Contains(m, "hpe"), strings.Contains(m, "hewlett"):
		return "hpe"
	case strings.Contains(m, "lenovo"):
		return "lenovo"
	case strings.Contains(m, "supermicro"):
		return "supermicro"
	}
	return m
}

// Credentials for BMC access
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"-" yaml:"password"`
}

// Validate checks the endpoint and credentials are usable
func Validate(ep Endpoint, creds Credentials) error {
	if ep.Address == "" {
		return merrors.Prerequisite("target address is required")
	}
	if creds.Username == "" {
		return merrors.Prerequisite("BMC username is required")
	}
	if creds.Password == "" {
		return merrors.Prerequisite("BMC password is required")
	}
	return nil
}

// SettingResult is the per-setting outcome of a batched apply
type SettingResult struct {
	Applied bool   `json:"applied"`
	Message string `json:"message,omitempty"`
}
