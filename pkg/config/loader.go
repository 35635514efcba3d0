package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "METALFLOW"

// Loader loads Config through Viper
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment overrides set up
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("redfish.timeout", d.Redfish.Timeout)
	v.SetDefault("redfish.insecure", d.Redfish.Insecure)
	v.SetDefault("redfish.max_concurrency", d.Redfish.MaxConcurrency)

	v.SetDefault("vendor_tool.mode", d.VendorTool.Mode)
	v.SetDefault("vendor_tool.ssh_port", d.VendorTool.SSHPort)
	v.SetDefault("vendor_tool.image", d.VendorTool.Image)
	v.SetDefault("vendor_tool.timeout", d.VendorTool.Timeout)
	v.SetDefault("vendor_tool.remote_dir", d.VendorTool.RemoteDir)

	v.SetDefault("workflow.retry_attempts", d.Workflow.RetryAttempts)
	v.SetDefault("workflow.retry_backoff", d.Workflow.RetryBackoff)
	v.SetDefault("workflow.prefer_performance", d.Workflow.PreferPerformance)

	v.SetDefault("inventory.path", d.Inventory.Path)
	v.SetDefault("profiles.path", d.Profiles.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the first config file found in the search order, or only
// defaults and environment when there is none.
func (l *Loader) Load() (*Config, error) {
	if path := configPath(); path != "" {
		return l.LoadFromFile(path)
	}
	return l.decode()
}

// LoadFromFile reads path, with environment overrides applied on top
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, merrors.WithContext(
			merrors.Wrap(err, merrors.ErrConfiguration, "read config file"),
			map[string]interface{}{"path": path},
		)
	}
	return l.decode()
}

// Viper exposes the underlying instance so CLI flags can be bound to keys
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrConfiguration, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath returns the first existing config file in the search order
func configPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_PATH"); p != "" {
		return p
	}
	candidates := []string{"metalflow.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append([]string{filepath.Join(dir, "metalflow", "config.yaml")}, candidates...)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch c.VendorTool.Mode {
	case ModeSSH, ModeDocker:
	default:
		return merrors.Newf(merrors.ErrConfiguration, "vendor_tool.mode must be %q or %q, got %q", ModeSSH, ModeDocker, c.VendorTool.Mode)
	}
	if c.VendorTool.Mode == ModeDocker && c.VendorTool.Image == "" {
		return merrors.Configuration("vendor_tool.image is required in docker mode")
	}
	if c.Redfish.MaxConcurrency < 1 {
		return merrors.Newf(merrors.ErrConfiguration, "redfish.max_concurrency must be at least 1, got %d", c.Redfish.MaxConcurrency)
	}
	if c.Workflow.RetryAttempts < 1 {
		return merrors.Newf(merrors.ErrConfiguration, "workflow.retry_attempts must be at least 1, got %d", c.Workflow.RetryAttempts)
	}
	if c.Redfish.Timeout <= 0 || c.VendorTool.Timeout <= 0 {
		return merrors.Configuration("timeouts must be positive")
	}
	return nil
}
