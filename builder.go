package loom

import (
	"fmt"
	"time"

	"github.com/pkarhu/loom/pkg/api"
)

// BlueprintBuilder provides a fluent API for assembling a blueprint's
// step tree:
//
//	bp := loom.NewBlueprint("onboard-user").
//	    Activity("create", "create-account").
//	    Activity("welcome", "send-welcome-email").
//	    WaitSignal("activated", "account-activated").
//	    MustBuild()
//
//	if err := engine.Registry().RegisterBlueprint(bp); err != nil {
//	    log.Fatal(err)
//	}
//
// Steps appended directly to the builder run as one sequence. Composite
// steps are built with the package-level constructors and appended with
// Then:
//
//	loom.NewBlueprint("fanout").
//	    Then(loom.Parallel("fan", loom.JoinAllSuccess,
//	        loom.Activity("a", "work-a"),
//	        loom.Activity("b", "work-b"),
//	    ))
type BlueprintBuilder struct {
	name    string
	version string
	rootID  string
	steps   []Step
}

// NewBlueprint creates a builder for a blueprint with the given name.
func NewBlueprint(name string) *BlueprintBuilder {
	return &BlueprintBuilder{name: name, rootID: "main"}
}

// Name returns the blueprint name.
func (b *BlueprintBuilder) Name() string { return b.name }

// Version sets an optional version label on the blueprint.
func (b *BlueprintBuilder) Version(v string) *BlueprintBuilder {
	b.version = v
	return b
}

// RootID overrides the id of the implicit root sequence. The default is
// "main"; the root id is part of every step path recorded in history, so
// changing it on a registered blueprint is a breaking change for in-flight
// runs.
func (b *BlueprintBuilder) RootID(id string) *BlueprintBuilder {
	b.rootID = id
	return b
}

// Then appends a step to the blueprint's top-level sequence.
func (b *BlueprintBuilder) Then(s Step) *BlueprintBuilder {
	b.steps = append(b.steps, s)
	return b
}

// Activity appends an activity step.
func (b *BlueprintBuilder) Activity(id, activity string) *BlueprintBuilder {
	return b.Then(Activity(id, activity))
}

// ActivityWithRetry appends an activity step with an explicit retry policy.
func (b *BlueprintBuilder) ActivityWithRetry(id, activity string, retry RetryPolicy) *BlueprintBuilder {
	return b.Then(ActivityWithRetry(id, activity, retry))
}

// WaitSignal appends a wait-signal step.
func (b *BlueprintBuilder) WaitSignal(id, signal string) *BlueprintBuilder {
	return b.Then(WaitSignal(id, signal))
}

// Timer appends a timer step.
func (b *BlueprintBuilder) Timer(id string, d time.Duration) *BlueprintBuilder {
	return b.Then(Timer(id, d))
}

// Parallel appends a parallel step over the given branches.
func (b *BlueprintBuilder) Parallel(id string, join JoinPolicy, branches ...Step) *BlueprintBuilder {
	return b.Then(Parallel(id, join, branches...))
}

// Conditional appends a conditional step over the given branches.
func (b *BlueprintBuilder) Conditional(id string, requireMatch bool, branches ...Step) *BlueprintBuilder {
	return b.Then(Conditional(id, requireMatch, branches...))
}

// Child appends a child-run step.
func (b *BlueprintBuilder) Child(id, workflowType string) *BlueprintBuilder {
	return b.Then(Child(id, workflowType))
}

// Build assembles and validates the blueprint. A single appended step
// becomes the root directly; multiple steps are wrapped in a root
// sequence.
func (b *BlueprintBuilder) Build() (*Blueprint, error) {
	if b.name == "" {
		return nil, fmt.Errorf("blueprint name must not be empty")
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("blueprint %q has no steps", b.name)
	}

	var root Step
	if len(b.steps) == 1 {
		root = b.steps[0]
	} else {
		root = Step{Type: api.StepSequence, ID: b.rootID, Children: b.steps}
	}

	bp := &Blueprint{Name: b.name, Version: b.version, Root: root}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return bp, nil
}

// MustBuild is Build, panicking on error. Meant for blueprints defined at
// program start.
func (b *BlueprintBuilder) MustBuild() *Blueprint {
	bp, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("loom: %v", err))
	}
	return bp
}

// Register builds the blueprint and registers it with the registry.
func (b *BlueprintBuilder) Register(reg *Registry) error {
	bp, err := b.Build()
	if err != nil {
		return err
	}
	return reg.RegisterBlueprint(bp)
}
