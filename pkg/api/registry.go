package api

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActivityFunc is a leaf unit of work with real side effects, dispatched by
// name. Handlers may be retried after a crash, so they should be idempotent;
// the engine discards duplicate completions.
type ActivityFunc func(ctx context.Context, args any) (any, error)

// QueryFunc answers a synchronous, side-effect-free query against a frozen
// run snapshot.
type QueryFunc func(run *Run, args any) (any, error)

// PredicateFunc is a registered named predicate for conditional and while
// steps that need logic a data predicate cannot express. It must be pure.
type PredicateFunc func(env map[string]any) bool

// ActivityOptions carries per-registration defaults applied when a step's
// config does not override them.
type ActivityOptions struct {
	DefaultTimeout time.Duration
	DefaultRetry   *RetryPolicy
}

// activityEntry pairs a handler with its registration defaults.
type activityEntry struct {
	fn   ActivityFunc
	opts ActivityOptions
}

// Registry is the process-wide mapping from names to implementations:
// blueprints, activity handlers, query handlers, and named predicates.
// It is populated at worker startup and treated as immutable afterwards,
// though registration itself is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	blueprints map[string]*Blueprint
	activities map[string]activityEntry
	queries    map[string]map[string]QueryFunc
	predicates map[string]PredicateFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		blueprints: make(map[string]*Blueprint),
		activities: make(map[string]activityEntry),
		queries:    make(map[string]map[string]QueryFunc),
		predicates: make(map[string]PredicateFunc),
	}
}

// RegisterBlueprint validates and registers a blueprint by name.
func (r *Registry) RegisterBlueprint(bp *Blueprint) error {
	if bp == nil {
		return &ValidationError{Reason: "nil blueprint"}
	}
	if err := bp.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blueprints[bp.Name]; exists {
		return fmt.Errorf("blueprint already registered: %s", bp.Name)
	}
	r.blueprints[bp.Name] = bp
	return nil
}

// Blueprint returns the blueprint registered under name.
func (r *Registry) Blueprint(name string) (*Blueprint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.blueprints[name]
	return bp, ok
}

// RegisterActivity registers an activity handler by name.
func (r *Registry) RegisterActivity(name string, fn ActivityFunc, opts ...ActivityOptions) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q has nil handler", name)
	}
	var o ActivityOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity already registered: %s", name)
	}
	r.activities[name] = activityEntry{fn: fn, opts: o}
	return nil
}

// Activity resolves a registered activity handler and its defaults.
func (r *Registry) Activity(name string) (ActivityFunc, ActivityOptions, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.activities[name]
	return e.fn, e.opts, ok
}

// RegisterQuery registers a query handler for a workflow type.
func (r *Registry) RegisterQuery(workflowType, name string, fn QueryFunc) error {
	if workflowType == "" || name == "" {
		return fmt.Errorf("query registration needs workflow type and name")
	}
	if fn == nil {
		return fmt.Errorf("query %s/%s has nil handler", workflowType, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName := r.queries[workflowType]
	if byName == nil {
		byName = make(map[string]QueryFunc)
		r.queries[workflowType] = byName
	}
	if _, exists := byName[name]; exists {
		return fmt.Errorf("query already registered: %s/%s", workflowType, name)
	}
	byName[name] = fn
	return nil
}

// Query resolves a query handler for a workflow type.
func (r *Registry) Query(workflowType, name string) (QueryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.queries[workflowType][name]
	return fn, ok
}

// RegisterPredicate registers a named predicate.
func (r *Registry) RegisterPredicate(name string, fn PredicateFunc) error {
	if name == "" {
		return fmt.Errorf("predicate name is required")
	}
	if fn == nil {
		return fmt.Errorf("predicate %q has nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate already registered: %s", name)
	}
	r.predicates[name] = fn
	return nil
}

// Predicate resolves a named predicate.
func (r *Registry) Predicate(name string) (PredicateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.predicates[name]
	return fn, ok
}
