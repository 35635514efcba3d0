// Package apply executes a decision.MethodAnalysis against a target,
// running Redfish and vendor-tool batches concurrently and reporting each
// batch as a monitor subtask.
package apply

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/davidroman0O/metalflow/decision"
	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/monitor"
	"github.com/davidroman0O/metalflow/pkg/bmc"
)

// DefaultRedfishConcurrency bounds parallel Redfish batches per target
const DefaultRedfishConcurrency = 2

// RedfishAdapter applies batches over the structured API
type RedfishAdapter interface {
	ApplySettings(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, settings map[string]string) (map[string]bmc.SettingResult, error)
	Probe(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) error
}

// VendorAdapter applies one setting per vendor tool invocation
type VendorAdapter interface {
	ApplySetting(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials, name, value string) error
}

// Committer is implemented by vendor adapters whose staged settings need a
// separate commit once all batches ran.
type Committer interface {
	Commit(ctx context.Context, ep bmc.Endpoint, creds bmc.Credentials) error
}

// Outcome is the per-setting result of Apply
type Outcome struct {
	Applied map[string]string `json:"applied"`
	// Failed maps setting name to the failure message.
	Failed  map[string]string `json:"failed"`
	Skipped []string          `json:"skipped"`
}

// Dispatcher runs planned batches through the adapters
type Dispatcher struct {
	Redfish            RedfishAdapter
	Vendor             VendorAdapter
	Reporter           monitor.Reporter
	RedfishConcurrency int
}

type run struct {
	d     *Dispatcher
	opID  string
	ep    bmc.Endpoint
	creds bmc.Credentials

	mu      sync.Mutex
	outcome Outcome
}

// BatchName is the subtask name used for batch i of the plan
func BatchName(b decision.BatchGroup, i int) string {
	if b.Unknown {
		return fmt.Sprintf("%s-unknown-%d", b.Method, i+1)
	}
	return fmt.Sprintf("%s-%d", b.Method, i+1)
}

// Apply executes every batch in the analysis. Redfish batches run in
// parallel up to RedfishConcurrency while vendor batches run one after
// another alongside them. Once cancellation is requested on opID or ctx is
// done, batches not yet started are skipped.
//
// The returned error is an adapter error when any setting failed and a
// cancellation error when settings were skipped.
func (d *Dispatcher) Apply(ctx context.Context, opID string, ep bmc.Endpoint, creds bmc.Credentials, analysis *decision.MethodAnalysis) (*Outcome, error) {
	if analysis == nil {
		return nil, merrors.New(merrors.ErrInvalidInput, "nil analysis")
	}

	var redfish, vendor []indexed
	for i, b := range analysis.Batches {
		switch b.Method {
		case decision.MethodRedfish:
			redfish = append(redfish, indexed{i, b})
		default:
			vendor = append(vendor, indexed{i, b})
		}
	}
	if len(redfish) > 0 && d.Redfish == nil {
		return nil, merrors.Configuration("plan has Redfish batches but no Redfish adapter is configured")
	}
	if len(vendor) > 0 && d.Vendor == nil {
		return nil, merrors.Configuration("plan has vendor tool batches but no vendor adapter is configured")
	}

	r := &run{
		d:     d,
		opID:  opID,
		ep:    ep,
		creds: creds,
		outcome: Outcome{
			Applied: make(map[string]string),
			Failed:  make(map[string]string),
		},
	}

	var g errgroup.Group
	g.Go(func() error {
		r.redfish(ctx, redfish)
		return nil
	})
	g.Go(func() error {
		r.vendor(ctx, vendor)
		return nil
	})
	_ = g.Wait()

	sort.Strings(r.outcome.Skipped)
	out := r.outcome
	switch {
	case len(out.Failed) > 0:
		names := make([]string, 0, len(out.Failed))
		for n := range out.Failed {
			names = append(names, n)
		}
		sort.Strings(names)
		return &out, merrors.WithContext(
			merrors.Adapter(nil, fmt.Sprintf("%d of %d settings failed", len(out.Failed), analysis.Total())),
			map[string]interface{}{"failed": strings.Join(names, ",")},
		)
	case len(out.Skipped) > 0:
		return &out, merrors.Newf(merrors.ErrCancelled, "cancelled with %d settings not applied", len(out.Skipped))
	}
	return &out, nil
}

type indexed struct {
	idx   int
	batch decision.BatchGroup
}

func (r *run) redfish(ctx context.Context, batches []indexed) {
	limit := r.d.RedfishConcurrency
	if limit <= 0 {
		limit = DefaultRedfishConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, ib := range batches {
		g.Go(func() error {
			if r.stopped(ctx) {
				r.skip(ib.batch)
				return nil
			}
			name := BatchName(ib.batch, ib.idx)
			r.startSubtask(name, fmt.Sprintf("apply %d settings via Redfish", len(ib.batch.Names)))

			results, err := r.d.Redfish.ApplySettings(ctx, r.ep, r.creds, ib.batch.Settings)
			failed := 0
			for _, n := range ib.batch.Names {
				res, ok := results[n]
				switch {
				case ok && res.Applied:
					r.applied(n, ib.batch.Settings[n])
				case ok:
					failed++
					r.failed(n, res.Message)
				case err != nil:
					failed++
					r.failed(n, err.Error())
				default:
					failed++
					r.failed(n, "no result reported")
				}
			}
			r.finishBatch(name, ib.batch, failed, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) vendor(ctx context.Context, batches []indexed) {
	appliedAny := false
	for _, ib := range batches {
		if r.stopped(ctx) {
			r.skip(ib.batch)
			continue
		}
		name := BatchName(ib.batch, ib.idx)
		r.startSubtask(name, fmt.Sprintf("apply %d settings via vendor tool", len(ib.batch.Names)))

		failed := 0
		var lastErr error
		for _, n := range ib.batch.Names {
			if err := r.d.Vendor.ApplySetting(ctx, r.ep, r.creds, n, ib.batch.Settings[n]); err != nil {
				failed++
				lastErr = err
				r.failed(n, err.Error())
				continue
			}
			appliedAny = true
			r.applied(n, ib.batch.Settings[n])
		}
		r.finishBatch(name, ib.batch, failed, lastErr)
	}

	if c, ok := r.d.Vendor.(Committer); ok && appliedAny {
		if err := c.Commit(ctx, r.ep, r.creds); err != nil {
			r.logError("vendor tool commit failed: "+err.Error(), nil)
		}
	}
}

func (r *run) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.d.Reporter != nil && r.opID != "" && r.d.Reporter.CancelRequested(r.opID)
}

func (r *run) applied(name, value string) {
	r.mu.Lock()
	r.outcome.Applied[name] = value
	r.mu.Unlock()
}

func (r *run) failed(name, msg string) {
	r.mu.Lock()
	r.outcome.Failed[name] = msg
	r.mu.Unlock()
}

func (r *run) skip(b decision.BatchGroup) {
	r.mu.Lock()
	r.outcome.Skipped = append(r.outcome.Skipped, b.Names...)
	r.mu.Unlock()
}

func (r *run) startSubtask(name, description string) {
	if r.d.Reporter == nil || r.opID == "" {
		return
	}
	_ = r.d.Reporter.StartSubtask(r.opID, name, description)
}

func (r *run) finishBatch(name string, b decision.BatchGroup, failed int, err error) {
	if r.d.Reporter == nil || r.opID == "" {
		return
	}
	if failed == 0 {
		_ = r.d.Reporter.CompleteSubtask(r.opID, name, true, fmt.Sprintf("%d settings applied", len(b.Names)))
		return
	}
	msg := fmt.Sprintf("%d of %d settings failed", failed, len(b.Names))
	if err != nil {
		msg += ": " + err.Error()
	}
	r.logError(msg, map[string]interface{}{
		"batch":    name,
		"method":   string(b.Method),
		"settings": strings.Join(b.Names, ","),
	})
	_ = r.d.Reporter.CompleteSubtask(r.opID, name, false, msg)
}

func (r *run) logError(msg string, details map[string]interface{}) {
	if r.d.Reporter == nil || r.opID == "" {
		return
	}
	_ = r.d.Reporter.LogError(r.opID, msg, details)
}
