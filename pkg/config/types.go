// Package config loads metalflow settings and device profile files.
//
// Settings are loaded with Viper from a YAML file with environment variable
// overrides. Priority, highest first:
//  1. Environment variables (METALFLOW_ prefix, dots become underscores,
//     e.g. METALFLOW_REDFISH_TIMEOUT)
//  2. The file named by METALFLOW_CONFIG_PATH
//  3. <user config dir>/metalflow/config.yaml
//  4. ./metalflow.yaml
//  5. [DefaultConfig]
//
// Device profiles and BIOS templates live in a separate YAML file read by
// [LoadProfiles].
package config

import "time"

// Config is the root configuration
type Config struct {
	Redfish    RedfishConfig    `mapstructure:"redfish"`
	VendorTool VendorToolConfig `mapstructure:"vendor_tool"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
	Profiles   ProfilesConfig   `mapstructure:"profiles"`
	Log        LogConfig        `mapstructure:"log"`
}

// RedfishConfig configures the Redfish client
type RedfishConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// Insecure skips BMC certificate verification. Most BMCs ship
	// self-signed certificates.
	Insecure bool `mapstructure:"insecure"`
	// MaxConcurrency bounds parallel Redfish batches per target
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// Vendor tool execution modes
const (
	ModeSSH    = "ssh"
	ModeDocker = "docker"
)

// VendorToolConfig configures how vendor tools are invoked
type VendorToolConfig struct {
	// Mode is ssh (tool runs on the BMC shell) or docker (tool runs locally
	// in a container and talks to the BMC remotely)
	Mode      string        `mapstructure:"mode"`
	SSHPort   int           `mapstructure:"ssh_port"`
	Image     string        `mapstructure:"image"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RemoteDir string        `mapstructure:"remote_dir"`
}

// WorkflowConfig holds step retry and planning defaults
type WorkflowConfig struct {
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	PreferPerformance bool          `mapstructure:"prefer_performance"`
}

// InventoryConfig locates the inventory database
type InventoryConfig struct {
	// Path of the badger directory. Empty keeps the inventory in memory.
	Path string `mapstructure:"path"`
}

// ProfilesConfig locates the device profile file
type ProfilesConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is console or json
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Redfish: RedfishConfig{
			Timeout:        30 * time.Second,
			Insecure:       true,
			MaxConcurrency: 2,
		},
		VendorTool: VendorToolConfig{
			Mode:      ModeSSH,
			SSHPort:   22,
			Image:     "metalflow/vendor-tools:latest",
			Timeout:   10 * time.Minute,
			RemoteDir: "/tmp",
		},
		Workflow: WorkflowConfig{
			RetryAttempts:     3,
			RetryBackoff:      5 * time.Second,
			PreferPerformance: true,
		},
		Inventory: InventoryConfig{Path: "metalflow-inventory"},
		Profiles:  ProfilesConfig{Path: "profiles.yaml"},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}
