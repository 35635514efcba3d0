package decision

import (
	"fmt"
	"testing"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func r650Profile() *Profile {
	return &Profile{
		DeviceType:       "r650",
		Manufacturer:     "Dell Inc.",
		RedfishPreferred: []string{"BootMode", "SriovGlobalEnable"},
		RedfishFallback:  []string{"MemoryMode", "LogicalProc"},
		VendorOnly:       []string{"CPUMicrocodeUpdate", "SysProfile"},
		Timing:           Timing{RedfishSecondsPerBatch: 5, VendorSecondsPerSetting: 40},
	}
}

func TestEndToEndScenario(t *testing.T) {
	a, err := Analyze(r650Profile(), map[string]string{
		"BootMode":           "UEFI",
		"MemoryMode":         "Performance",
		"CPUMicrocodeUpdate": "Enabled",
	}, true)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"BootMode": "UEFI", "MemoryMode": "Performance"}, a.RedfishSettings)
	assert.Equal(t, map[string]string{"CPUMicrocodeUpdate": "Enabled"}, a.VendorSettings)
	assert.Empty(t, a.UnknownSettings)

	require.Len(t, a.Batches, 2)
	assert.Equal(t, MethodRedfish, a.Batches[0].Method)
	assert.Equal(t, []string{"BootMode", "MemoryMode"}, a.Batches[0].Names)
	assert.Equal(t, MethodVendor, a.Batches[1].Method)

	assert.InDelta(t, 5.0, a.Estimate.RedfishSeconds, 0.001)
	assert.InDelta(t, 40.0, a.Estimate.VendorSeconds, 0.001)
	assert.InDelta(t, 40.0, a.Estimate.CombinedSeconds, 0.001)
	assert.InDelta(t, 45.0, a.Estimate.SequentialSeconds, 0.001)
}

func TestModeSensitivity(t *testing.T) {
	settings := map[string]string{"MemoryMode": "Performance"}

	fast, err := Analyze(r650Profile(), settings, true)
	require.NoError(t, err)
	assert.Contains(t, fast.RedfishSettings, "MemoryMode")
	assert.Contains(t, fast.Rationale["MemoryMode"], "redfish_fallback")

	reliable, err := Analyze(r650Profile(), settings, false)
	require.NoError(t, err)
	assert.Contains(t, reliable.VendorSettings, "MemoryMode")
	assert.NotContains(t, reliable.RedfishSettings, "MemoryMode")
	assert.Contains(t, reliable.Rationale["MemoryMode"], "reliability")
}

func TestUnknownSettingHeuristic(t *testing.T) {
	a, err := Analyze(r650Profile(), map[string]string{"QuietBoot": "Enabled"}, true)
	require.NoError(t, err)

	assert.Equal(t, "Enabled", a.RedfishSettings["QuietBoot"])
	assert.Contains(t, a.Rationale["QuietBoot"], "heuristic")
	assert.Contains(t, a.Rationale["QuietBoot"], "boot")
	assert.Empty(t, a.UnknownSettings)
}

func TestHeuristicRuleOrder(t *testing.T) {
	tests := []struct {
		setting string
		rule    string
		method  Method
	}{
		{"SecureBootMode", "secure_boot", MethodRedfish},
		{"Secure_Boot", "secure_boot", MethodRedfish},
		{"PxeBootRetry", "boot", MethodRedfish},
		{"WorkloadProfile", "power_profile", MethodRedfish},
		{"SystemPowerProfile", "power_profile", MethodRedfish},
		{"Power_Policy", "power_profile", MethodRedfish},
		{"ThermalProfile", "fan_control", MethodVendor},
		{"FanProfile", "fan_control", MethodVendor},
		{"FanPowerMode", "fan_control", MethodVendor},
		{"MemoryTimingProfile", "timing", MethodVendor},
		{"PowerLatencyMode", "timing", MethodVendor},
		{"ProcessorMicrocode", "microcode", MethodVendor},
		{"MemLatency", "timing", MethodVendor},
		{"FanSpeedOffset", "fan_control", MethodVendor},
		{"ThermalConfig", "fan_control", MethodVendor},
	}

	for _, tt := range tests {
		t.Run(tt.setting, func(t *testing.T) {
			m, ok := MatchRules(DefaultRules(), tt.setting)
			require.True(t, ok)
			assert.Equal(t, tt.rule, m.Rule)
			assert.Equal(t, tt.method, m.Method)
		})
	}

	for _, name := range []string{"AssetTag", "NodeProfile", "PowerSupplyRedundancy"} {
		_, ok := MatchRules(DefaultRules(), name)
		assert.False(t, ok, name)
	}
}

func TestUnmatchedSettingDefaultsToVendor(t *testing.T) {
	a, err := Analyze(r650Profile(), map[string]string{"AssetTag": "rack-12", "BootMode": "UEFI"}, true)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"AssetTag": "rack-12"}, a.UnknownSettings)
	assert.NotContains(t, a.VendorSettings, "AssetTag")
	assert.Equal(t, rationaleUnknown, a.Rationale["AssetTag"])

	unknown := a.BatchesFor(MethodVendor)
	require.Len(t, unknown, 1)
	assert.True(t, unknown[0].Unknown)
	assert.InDelta(t, 40.0, a.Estimate.VendorSeconds, 0.001)
}

func TestPartitionCompleteness(t *testing.T) {
	profile := r650Profile()
	profile.Limits = Limits{MaxRedfishBatches: 2, MaxRedfishBatchSize: 2, VendorMaxPerInvocation: 2}

	settings := map[string]string{}
	for i := 0; i < 12; i++ {
		settings[fmt.Sprintf("Custom%02d", i)] = "x"
	}
	for _, name := range []string{"BootMode", "SriovGlobalEnable", "MemoryMode", "LogicalProc", "CPUMicrocodeUpdate", "SysProfile", "QuietBoot", "FanOffset"} {
		settings[name] = "v"
	}

	for _, prefer := range []bool{true, false} {
		a, err := Analyze(profile, settings, prefer)
		require.NoError(t, err)

		seen := map[string]int{}
		for _, part := range []map[string]string{a.RedfishSettings, a.VendorSettings, a.UnknownSettings} {
			for name, value := range part {
				seen[name]++
				assert.Equal(t, settings[name], value)
			}
		}
		assert.Len(t, seen, len(settings))
		for name, n := range seen {
			assert.Equal(t, 1, n, "setting %s in %d partitions", name, n)
		}
		assert.Equal(t, len(settings), a.Total())

		inBatch := map[string]int{}
		redfishBatches := 0
		for _, b := range a.Batches {
			if b.Method == MethodRedfish {
				redfishBatches++
			} else {
				assert.LessOrEqual(t, len(b.Names), 2)
			}
			for _, name := range b.Names {
				inBatch[name]++
			}
		}
		assert.LessOrEqual(t, redfishBatches, 2)
		assert.Len(t, inBatch, len(settings))
		for name, n := range inBatch {
			assert.Equal(t, 1, n, "setting %s in %d batches", name, n)
		}
		assert.Len(t, a.Rationale, len(settings))
	}
}

func TestDeterminism(t *testing.T) {
	settings := map[string]string{
		"BootMode": "UEFI", "MemoryMode": "Performance", "CPUMicrocodeUpdate": "Enabled",
		"QuietBoot": "Enabled", "AssetTag": "r12", "FanOffset": "Low", "SysProfile": "PerfOptimized",
	}
	first, err := Analyze(r650Profile(), settings, false)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Analyze(r650Profile(), settings, false)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEmptySettings(t *testing.T) {
	a, err := Analyze(r650Profile(), nil, true)
	require.NoError(t, err)
	assert.Zero(t, a.Total())
	assert.Empty(t, a.Batches)
	assert.Zero(t, a.Estimate.CombinedSeconds)
}

func TestInvalidProfile(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Profile)
	}{
		{"no device type", func(p *Profile) { p.DeviceType = "" }},
		{"zero timing", func(p *Profile) { p.Timing.VendorSecondsPerSetting = 0 }},
		{"overlapping categories", func(p *Profile) { p.VendorOnly = append(p.VendorOnly, "BootMode") }},
		{"negative limit", func(p *Profile) { p.Limits.VendorMaxPerInvocation = -1 }},
		{"bad rule", func(p *Profile) { p.Rules = []HeuristicRule{{Name: "x", Keywords: []string{"x"}, Method: "ipmi"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := r650Profile()
			tt.mutate(p)
			_, err := Analyze(p, map[string]string{"BootMode": "UEFI"}, true)
			require.Error(t, err)
			assert.True(t, merrors.IsConfiguration(err))
		})
	}

	_, err := Analyze(nil, nil, true)
	assert.True(t, merrors.IsConfiguration(err))
}

func TestStaticSource(t *testing.T) {
	src, err := NewStaticSource(*r650Profile())
	require.NoError(t, err)
	assert.Equal(t, []string{"r650"}, src.DeviceTypes())

	p, err := src.Profile("r650")
	require.NoError(t, err)
	p.RedfishPreferred[0] = "Mutated"

	again, err := src.Profile("r650")
	require.NoError(t, err)
	assert.Equal(t, "BootMode", again.RedfishPreferred[0])

	_, err = src.Profile("dl380")
	assert.True(t, merrors.IsConfiguration(err))

	_, err = AnalyzeFor(src, "dl380", map[string]string{"BootMode": "UEFI"}, true)
	assert.True(t, merrors.IsConfiguration(err))

	a, err := AnalyzeFor(src, "r650", map[string]string{"BootMode": "UEFI"}, true)
	require.NoError(t, err)
	assert.Contains(t, a.RedfishSettings, "BootMode")

	_, err = NewStaticSource(*r650Profile(), *r650Profile())
	assert.True(t, merrors.IsConfiguration(err))
}
