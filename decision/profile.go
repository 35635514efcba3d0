// Package decision classifies desired device settings into execution
// methods (Redfish or the vendor tool) and plans timed batches for them.
package decision

import (
	"sort"

	merrors "github.com/davidroman0O/metalflow/errors"
)

// Method is an execution channel for a setting
type Method string

const (
	MethodRedfish Method = "redfish"
	MethodVendor  Method = "vendor_tool"
)

// Category is the profile classification of a known setting
type Category string

const (
	CategoryRedfishPreferred Category = "redfish_preferred"
	CategoryRedfishFallback  Category = "redfish_fallback"
	CategoryVendorOnly       Category = "vendor_only"
)

// Timing holds per-method average duration hints
type Timing struct {
	// RedfishSecondsPerBatch is the cost of one Redfish request regardless
	// of how many attributes it carries.
	RedfishSecondsPerBatch float64 `yaml:"redfish_seconds_per_batch" json:"redfish_seconds_per_batch"`
	// VendorSecondsPerSetting is the cost of one vendor tool invocation per setting.
	VendorSecondsPerSetting float64 `yaml:"vendor_seconds_per_setting" json:"vendor_seconds_per_setting"`
}

// Limits bound batch shapes
type Limits struct {
	MaxRedfishBatches      int `yaml:"max_redfish_batches" json:"max_redfish_batches"`
	MaxRedfishBatchSize    int `yaml:"max_redfish_batch_size" json:"max_redfish_batch_size"`
	VendorMaxPerInvocation int `yaml:"vendor_max_per_invocation" json:"vendor_max_per_invocation"`
}

const (
	defaultMaxRedfishBatches      = 4
	defaultVendorMaxPerInvocation = 1
)

// Profile is the static capability profile of one device type.
type Profile struct {
	DeviceType       string          `yaml:"device_type" json:"device_type"`
	Manufacturer     string          `yaml:"manufacturer" json:"manufacturer"`
	RedfishPreferred []string        `yaml:"redfish_preferred" json:"redfish_preferred"`
	RedfishFallback  []string        `yaml:"redfish_fallback" json:"redfish_fallback"`
	VendorOnly       []string        `yaml:"vendor_only" json:"vendor_only"`
	Timing           Timing          `yaml:"timing" json:"timing"`
	Limits           Limits          `yaml:"limits" json:"limits"`
	Rules            []HeuristicRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Validate checks the profile for structural problems. All problems are
// reported as configuration errors.
func (p *Profile) Validate() error {
	if p == nil {
		return merrors.Configuration("device profile is nil")
	}
	if p.DeviceType == "" {
		return merrors.Configuration("device profile has no device type")
	}
	if p.Timing.RedfishSecondsPerBatch <= 0 || p.Timing.VendorSecondsPerSetting <= 0 {
		return merrors.WithContext(merrors.Configuration("device profile timing hints must be positive"), map[string]interface{}{"device_type": p.DeviceType})
	}
	if p.Limits.MaxRedfishBatches < 0 || p.Limits.MaxRedfishBatchSize < 0 || p.Limits.VendorMaxPerInvocation < 0 {
		return merrors.WithContext(merrors.Configuration("device profile limits must not be negative"), map[string]interface{}{"device_type": p.DeviceType})
	}

	seen := make(map[string]Category)
	for _, group := range []struct {
		cat   Category
		names []string
	}{
		{CategoryRedfishPreferred, p.RedfishPreferred},
		{CategoryRedfishFallback, p.RedfishFallback},
		{CategoryVendorOnly, p.VendorOnly},
	} {
		for _, name := range group.names {
			if name == "" {
				return merrors.Configuration("device profile lists an empty setting name")
			}
			if prev, ok := seen[name]; ok && prev != group.cat {
				return merrors.WithContext(merrors.Newf(merrors.ErrConfiguration, "setting %s is listed in both %s and %s", name, prev, group.cat), map[string]interface{}{"device_type": p.DeviceType, "setting": name})
			}
			seen[name] = group.cat
		}
	}

	for _, r := range p.Rules {
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Categorize returns the category of a setting and whether it is known
func (p *Profile) Categorize(name string) (Category, bool) {
	for _, n := range p.RedfishPreferred {
		if n == name {
			return CategoryRedfishPreferred, true
		}
	}
	for _, n := range p.RedfishFallback {
		if n == name {
			return CategoryRedfishFallback, true
		}
	}
	for _, n := range p.VendorOnly {
		if n == name {
			return CategoryVendorOnly, true
		}
	}
	return "", false
}

func (p *Profile) rules() []HeuristicRule {
	if len(p.Rules) > 0 {
		return p.Rules
	}
	return DefaultRules()
}

func (p *Profile) limits() Limits {
	l := p.Limits
	if l.MaxRedfishBatches == 0 {
		l.MaxRedfishBatches = defaultMaxRedfishBatches
	}
	if l.VendorMaxPerInvocation == 0 {
		l.VendorMaxPerInvocation = defaultVendorMaxPerInvocation
	}
	return l
}

// ProfileSource looks up device profiles by device type. Implementations
// must not hand out profiles that callers can mutate in place.
type ProfileSource interface {
	Profile(deviceType string) (*Profile, error)
}

// StaticSource is an in-memory ProfileSource keyed by device type
type StaticSource map[string]Profile

// NewStaticSource validates and indexes profiles
func NewStaticSource(profiles ...Profile) (StaticSource, error) {
	src := make(StaticSource, len(profiles))
	for i := range profiles {
		p := profiles[i]
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := src[p.DeviceType]; dup {
			return nil, merrors.Configuration("duplicate profile for device type " + p.DeviceType)
		}
		src[p.DeviceType] = p
	}
	return src, nil
}

// Profile returns a copy of the profile for deviceType
func (s StaticSource) Profile(deviceType string) (*Profile, error) {
	p, ok := s[deviceType]
	if !ok {
		return nil, merrors.WithContext(merrors.Configuration("no device profile for " + deviceType), map[string]interface{}{"device_type": deviceType})
	}
	c := p
	c.RedfishPreferred = append([]string(nil), p.RedfishPreferred...)
	c.RedfishFallback = append([]string(nil), p.RedfishFallback...)
	c.VendorOnly = append([]string(nil), p.VendorOnly...)
	c.Rules = append([]HeuristicRule(nil), p.Rules...)
	return &c, nil
}

// DeviceTypes lists the known device types in sorted order
func (s StaticSource) DeviceTypes() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
