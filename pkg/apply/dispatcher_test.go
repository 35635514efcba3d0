package apply

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidroman0O/metalflow/decision"
	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

type fakeRedfish struct {
	mu       sync.Mutex
	batches  []map[string]string
	inflight atomic.Int32
	peak     atomic.Int32
	reject   map[string]string
	err      error
	delay    time.Duration
}

func (f *fakeRedfish) Probe(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) error {
	return nil
}

func (f *fakeRedfish) ApplySettings(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, settings map[string]string) (map[string]bmc.SettingResult, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.batches = append(f.batches, settings)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]bmc.SettingResult, len(settings))
	for k := range settings {
		if msg, bad := f.reject[k]; bad {
			out[k] = bmc.SettingResult{Message: msg}
			continue
		}
		out[k] = bmc.SettingResult{Applied: true}
	}
	if len(f.reject) > 0 {
		return out, merrors.Adapter(nil, "400 Bad Request")
	}
	return out, nil
}

type fakeVendor struct {
	mu        sync.Mutex
	applied   []string
	inflight  atomic.Int32
	overlap   atomic.Bool
	fail      map[string]bool
	onApply   func(name string)
	committed int
}

func (f *fakeVendor) ApplySetting(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, name, value string) error {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	f.applied = append(f.applied, name)
	f.mu.Unlock()

	if f.onApply != nil {
		f.onApply(name)
	}
	if f.fail[name] {
		return merrors.Adapter(errors.New("exit status 1"), "racadm failed")
	}
	return nil
}

func (f *fakeVendor) Commit(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) error {
	f.committed++
	return nil
}

func profile() *decision.Profile {
	return &decision.Profile{
		DeviceType:       "r650",
		RedfishPreferred: []string{"BootMode", "SriovGlobalEnable", "ProcVirtualization", "LogicalProc"},
		RedfishFallback:  []string{"MemoryMode"},
		VendorOnly:       []string{"CPUMicrocodeUpdate", "SysProfile", "MemFrequency"},
		Timing:           decision.Timing{RedfishSecondsPerBatch: 5, VendorSecondsPerSetting: 40},
		Limits:           decision.Limits{MaxRedfishBatchSize: 1, MaxRedfishBatches: 8},
	}
}

var (
	target = bmc.Endpoint{Address: "10.0.0.5", Manufacturer: "Dell Inc."}
	creds  = bmc.Credentials{Username: "root", Password: "calvin"}
)

func analyze(t *testing.T, settings map[string]string) *decision.MethodAnalysis {
	a, err := decision.Analyze(profile(), settings, true)
	require.NoError(t, err)
	return a
}

func startOp(m *monitor.Monitor, a *decision.MethodAnalysis) string {
	id := m.CreateOperation("bios_apply", nil)
	_ = m.StartOperation(id, len(a.Batches))
	return id
}

func TestApplyAllSucceed(t *testing.T) {
	a := analyze(t, map[string]string{
		"BootMode": "Uefi", "SriovGlobalEnable": "Enabled", "ProcVirtualization": "Enabled",
		"LogicalProc": "Enabled", "MemoryMode": "Performance",
		"CPUMicrocodeUpdate": "Enabled", "SysProfile": "PerfOptimized",
	})
	m := monitor.New()
	opID := startOp(m, a)

	rf := &fakeRedfish{delay: 20 * time.Millisecond}
	vt := &fakeVendor{}
	d := &Dispatcher{Redfish: rf, Vendor: vt, Reporter: m, RedfishConcurrency: 2}

	out, err := d.Apply(context.Background(), opID, target, creds, a)
	require.NoError(t, err)

	assert.Len(t, out.Applied, 7)
	assert.Empty(t, out.Failed)
	assert.Empty(t, out.Skipped)
	assert.Len(t, rf.batches, 5)
	assert.LessOrEqual(t, rf.peak.Load(), int32(2))
	assert.False(t, vt.overlap.Load())
	assert.Equal(t, []string{"CPUMicrocodeUpdate", "SysProfile"}, vt.applied)
	assert.Equal(t, 1, vt.committed)

	op, err := m.GetOperationStatus(opID)
	require.NoError(t, err)
	assert.Len(t, op.Subtasks, len(a.Batches))
	assert.InDelta(t, 100.0, op.Progress, 0.001)
	assert.Zero(t, op.Errors)
}

func TestApplyReportsFailures(t *testing.T) {
	a := analyze(t, map[string]string{"BootMode": "Bogus", "SysProfile": "Custom", "MemFrequency": "MaxPerf"})
	m := monitor.New()
	opID := startOp(m, a)

	d := &Dispatcher{
		Redfish:  &fakeRedfish{reject: map[string]string{"BootMode": "value not supported"}},
		Vendor:   &fakeVendor{fail: map[string]bool{"SysProfile": true}},
		Reporter: m,
	}

	out, err := d.Apply(context.Background(), opID, target, creds, a)
	require.Error(t, err)
	assert.True(t, merrors.IsAdapter(err))
	assert.Equal(t, "BootMode,SysProfile", merrors.GetContext(err)["failed"])

	assert.Equal(t, "value not supported", out.Failed["BootMode"])
	assert.Contains(t, out.Failed["SysProfile"], "racadm failed")
	assert.Equal(t, "MaxPerf", out.Applied["MemFrequency"])

	op, _ := m.GetOperationStatus(opID)
	assert.Equal(t, 2, op.Errors)
	assert.Equal(t, monitor.SubtaskFailed, op.Subtasks["redfish-1"].Status)
}

func TestApplyTransportErrorFailsWholeBatch(t *testing.T) {
	a := analyze(t, map[string]string{"BootMode": "Uefi"})
	d := &Dispatcher{Redfish: &fakeRedfish{err: merrors.New(merrors.ErrConnection, "connection refused")}}

	out, err := d.Apply(context.Background(), "", target, creds, a)
	require.Error(t, err)
	assert.Contains(t, out.Failed["BootMode"], "connection refused")
}

func TestApplyStopsAfterCancelRequest(t *testing.T) {
	a := analyze(t, map[string]string{"CPUMicrocodeUpdate": "Enabled", "SysProfile": "PerfOptimized", "MemFrequency": "MaxPerf"})
	m := monitor.New()
	opID := startOp(m, a)

	vt := &fakeVendor{}
	vt.onApply = func(name string) {
		_ = m.RequestCancel(opID)
	}
	d := &Dispatcher{Vendor: vt, Reporter: m}

	out, err := d.Apply(context.Background(), opID, target, creds, a)
	require.Error(t, err)
	assert.True(t, merrors.IsCancelled(err))

	// the in-flight batch finishes, later ones never start
	assert.Equal(t, []string{"CPUMicrocodeUpdate"}, vt.applied)
	assert.Equal(t, []string{"MemFrequency", "SysProfile"}, out.Skipped)
	assert.Len(t, out.Applied, 1)

	require.NoError(t, m.CompleteOperation(opID, monitor.StatusCancelled, "cancelled"))
}

func TestApplyMissingAdapter(t *testing.T) {
	a := analyze(t, map[string]string{"SysProfile": "PerfOptimized"})
	_, err := (&Dispatcher{Redfish: &fakeRedfish{}}).Apply(context.Background(), "", target, creds, a)
	assert.True(t, merrors.IsConfiguration(err))
}

func TestBatchName(t *testing.T) {
	assert.Equal(t, "redfish-1", BatchName(decision.BatchGroup{Method: decision.MethodRedfish}, 0))
	assert.Equal(t, "vendor_tool-unknown-3", BatchName(decision.BatchGroup{Method: decision.MethodVendor, Unknown: true}, 2))
}
