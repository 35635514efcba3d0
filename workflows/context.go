package workflow

import (
	"sort"
	"sync"

	"dario.cat/mergo"

	merrors "github.com/davidroman0O/metalflow/errors"
	"github.com/davidroman0O/metalflow/pkg/bmc"
	"github.com/davidroman0O/metalflow/workflows/store"
)

// StepContext is the state a workflow's steps share. It is owned by a single
// workflow; its accessors are safe to call while the workflow runs.
type StepContext struct {
	Target      bmc.Endpoint
	Credentials bmc.Credentials
	Data        *store.KVStore
	Logger      Logger

	mu       sync.Mutex
	errors   []error
	subtasks []string
	results  map[string]any
}

// NewStepContext creates a context for a workflow against target
func NewStepContext(target bmc.Endpoint, creds bmc.Credentials) *StepContext {
	return &StepContext{
		Target:      target,
		Credentials: creds,
		Data:        store.NewKVStore(),
		Logger:      NewNopLogger(),
		results:     make(map[string]any),
	}
}

// init fills the zero-value fields of a context created as a literal
func (sc *StepContext) init() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.Data == nil {
		sc.Data = store.NewKVStore()
	}
	if sc.Logger == nil {
		sc.Logger = NewNopLogger()
	}
	if sc.results == nil {
		sc.results = make(map[string]any)
	}
}

// Endpoint returns the current target. Steps use it instead of reading
// Target directly since discovery may fill in missing fields.
func (sc *StepContext) Endpoint() bmc.Endpoint {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.Target
}

// UpdateTarget applies fn to the target under the context lock
func (sc *StepContext) UpdateTarget(fn func(*bmc.Endpoint)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	fn(&sc.Target)
}

// WorkflowID returns the id of the workflow owning the context
func (sc *StepContext) WorkflowID() string {
	id, _ := store.GetOrDefault(sc.Data, PrefixConfig+"workflow_id", "")
	return id
}

// OperationID returns the monitor operation of the running workflow, empty
// before it starts.
func (sc *StepContext) OperationID() string {
	id, _ := store.GetOrDefault(sc.Data, PrefixConfig+"operation_id", "")
	return id
}

// AddError appends err to the context's error list
func (sc *StepContext) AddError(err error) {
	if err == nil {
		return
	}
	sc.mu.Lock()
	sc.errors = append(sc.errors, err)
	sc.mu.Unlock()
}

// Errors returns a copy of the recorded errors
func (sc *StepContext) Errors() []error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]error(nil), sc.errors...)
}

// AddSubtask records the id of a monitor operation a step created
func (sc *StepContext) AddSubtask(id string) {
	sc.mu.Lock()
	sc.subtasks = append(sc.subtasks, id)
	sc.mu.Unlock()
}

// Subtasks returns the monitor operation ids steps created, in order
func (sc *StepContext) Subtasks() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]string(nil), sc.subtasks...)
}

// MergeResults merges payload into the accumulated results, later values
// overriding earlier ones.
func (sc *StepContext) MergeResults(payload map[string]any) error {
	if len(payload) == 0 {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.results == nil {
		sc.results = make(map[string]any)
	}
	if err := mergo.Merge(&sc.results, payload, mergo.WithOverride); err != nil {
		return merrors.Wrap(err, merrors.ErrInvalidState, "merge step results")
	}
	return nil
}

// Results returns a shallow copy of the accumulated results
func (sc *StepContext) Results() map[string]any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make(map[string]any, len(sc.results))
	for k, v := range sc.results {
		out[k] = v
	}
	return out
}

// ResultKeys returns the sorted result keys
func (sc *StepContext) ResultKeys() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	keys := make([]string, 0, len(sc.results))
	for k := range sc.results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores value under data:<key>
func Set[T any](sc *StepContext, key string, value T) error {
	return sc.Data.Put(PrefixData+key, value)
}

// Lookup reads data:<key> as T
func Lookup[T any](sc *StepContext, key string) (T, error) {
	return store.Get[T](sc.Data, PrefixData+key)
}

// LookupOrDefault reads data:<key>, returning def when it is absent
func LookupOrDefault[T any](sc *StepContext, key string, def T) (T, error) {
	return store.GetOrDefault[T](sc.Data, PrefixData+key, def)
}

// UpdateField sets one field, in dot notation, of the struct stored at
// data:<key>
func UpdateField(sc *StepContext, key, path string, value any) error {
	return sc.Data.UpdateField(PrefixData+key, path, value)
}
