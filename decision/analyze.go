package decision

import (
	"sort"

	merrors "github.com/davidroman0O/metalflow/errors"
)

const rationaleUnknown = "unknown, defaulted to vendor tool"

// BatchGroup is one planned unit of work for a single method
type BatchGroup struct {
	Method           Method            `json:"method"`
	Names            []string          `json:"names"`
	Settings         map[string]string `json:"settings"`
	EstimatedSeconds float64           `json:"estimated_seconds"`
	Unknown          bool              `json:"unknown,omitempty"`
}

// PerformanceEstimate summarises the planned duration
type PerformanceEstimate struct {
	RedfishSeconds float64 `json:"redfish_seconds"`
	VendorSeconds  float64 `json:"vendor_seconds"`
	// CombinedSeconds assumes both methods run concurrently
	CombinedSeconds   float64 `json:"combined_seconds"`
	SequentialSeconds float64 `json:"sequential_seconds"`
}

// MethodAnalysis is the classification and batch plan for one set of
// desired settings. Every input setting appears in exactly one of the three
// partitions and in exactly one batch.
type MethodAnalysis struct {
	DeviceType        string              `json:"device_type"`
	PreferPerformance bool                `json:"prefer_performance"`
	RedfishSettings   map[string]string   `json:"redfish_settings"`
	VendorSettings    map[string]string   `json:"vendor_settings"`
	UnknownSettings   map[string]string   `json:"unknown_settings"`
	Rationale         map[string]string   `json:"method_rationale"`
	Batches           []BatchGroup        `json:"batch_groups"`
	Estimate          PerformanceEstimate `json:"performance_estimate"`
}

// Total returns the number of settings analysed
func (a *MethodAnalysis) Total() int {
	return len(a.RedfishSettings) + len(a.VendorSettings) + len(a.UnknownSettings)
}

// BatchesFor returns the batches planned for one method, in plan order
func (a *MethodAnalysis) BatchesFor(m Method) []BatchGroup {
	var out []BatchGroup
	for _, b := range a.Batches {
		if b.Method == m {
			out = append(out, b)
		}
	}
	return out
}

// Analyze classifies settings against profile and plans batches. It
// performs no I/O; identical inputs produce identical output.
func Analyze(profile *Profile, settings map[string]string, preferPerformance bool) (*MethodAnalysis, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(settings))
	for name := range settings {
		if name == "" {
			return nil, merrors.New(merrors.ErrInvalidInput, "setting with empty name")
		}
		names = append(names, name)
	}
	sort.Strings(names)

	a := &MethodAnalysis{
		DeviceType:        profile.DeviceType,
		PreferPerformance: preferPerformance,
		RedfishSettings:   make(map[string]string),
		VendorSettings:    make(map[string]string),
		UnknownSettings:   make(map[string]string),
		Rationale:         make(map[string]string, len(names)),
	}

	var redfish, vendor, unknown []string
	rules := profile.rules()
	for _, name := range names {
		value := settings[name]
		method, rationale, known := classify(profile, rules, name, preferPerformance)
		a.Rationale[name] = rationale
		switch {
		case !known:
			a.UnknownSettings[name] = value
			unknown = append(unknown, name)
		case method == MethodRedfish:
			a.RedfishSettings[name] = value
			redfish = append(redfish, name)
		default:
			a.VendorSettings[name] = value
			vendor = append(vendor, name)
		}
	}

	limits := profile.limits()
	a.Batches = append(a.Batches, planRedfish(redfish, settings, profile, limits)...)
	a.Batches = append(a.Batches, planVendor(vendor, settings, profile, limits, false)...)
	a.Batches = append(a.Batches, planVendor(unknown, settings, profile, limits, true)...)
	a.Estimate = EstimateBatches(a.Batches)
	return a, nil
}

// AnalyzeFor looks the profile up in src and analyses settings against it
func AnalyzeFor(src ProfileSource, deviceType string, settings map[string]string, preferPerformance bool) (*MethodAnalysis, error) {
	if src == nil {
		return nil, merrors.Configuration("no device profile source configured")
	}
	profile, err := src.Profile(deviceType)
	if err != nil {
		return nil, err
	}
	return Analyze(profile, settings, preferPerformance)
}

func classify(p *Profile, rules []HeuristicRule, name string, preferPerformance bool) (Method, string, bool) {
	if cat, ok := p.Categorize(name); ok {
		switch cat {
		case CategoryRedfishPreferred:
			return MethodRedfish, string(cat) + ": always applied via Redfish", true
		case CategoryRedfishFallback:
			if preferPerformance {
				return MethodRedfish, string(cat) + ": Redfish chosen, optimizing for speed", true
			}
			return MethodVendor, string(cat) + ": vendor tool chosen, optimizing for reliability", true
		default:
			return MethodVendor, string(cat) + ": only settable via vendor tool", true
		}
	}

	if m, ok := MatchRules(rules, name); ok {
		return m.Method, m.Rationale(), true
	}
	return MethodVendor, rationaleUnknown, false
}
