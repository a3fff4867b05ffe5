package api

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StepType identifies the closed set of step variants a blueprint may use.
type StepType string

const (
	StepActivity    StepType = "activity"
	StepSequence    StepType = "sequence"
	StepParallel    StepType = "parallel"
	StepConditional StepType = "conditional"
	StepLoop        StepType = "loop"
	StepWaitSignal  StepType = "waitSignal"
	StepTimer       StepType = "timer"
	StepChild       StepType = "child"
)

// JoinPolicy controls how a parallel step combines its branch outcomes.
type JoinPolicy string

const (
	// JoinAllSuccess fails the step on the first branch failure and cancels
	// unfinished siblings. This is the default.
	JoinAllSuccess JoinPolicy = "all-success"

	// JoinAnySuccess succeeds on the first branch success and cancels the rest.
	JoinAnySuccess JoinPolicy = "any-success"

	// JoinBestEffort collects every outcome, success or failure, and never
	// fails the step itself.
	JoinBestEffort JoinPolicy = "best-effort"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("5s", "100ms") in blueprint documents.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Tolerate bare nanosecond integers.
		var n int64
		if err2 := json.Unmarshal(data, &n); err2 == nil {
			*d = Duration(n)
			return nil
		}
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// StepConfig carries the type-specific settings of a step. Only the fields
// relevant to the step's type are consulted.
type StepConfig struct {
	// Activity steps.
	Activity        string      `json:"activity,omitempty" yaml:"activity,omitempty"`
	Args            any         `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout         Duration    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry           *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	ContinueOnError bool        `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`

	// Parallel steps.
	Join JoinPolicy `json:"join,omitempty" yaml:"join,omitempty"`

	// Conditional steps. RequireMatch turns "no branch matched" into an error.
	RequireMatch bool `json:"requireMatch,omitempty" yaml:"requireMatch,omitempty"`

	// Branch guards, set on the children of a conditional step. A child with
	// neither When nor WhenName acts as the default branch.
	When     *Predicate `json:"when,omitempty" yaml:"when,omitempty"`
	WhenName string     `json:"whenName,omitempty" yaml:"whenName,omitempty"`

	// Loop steps. Exactly one of Count / While(/WhileName) / ItemsPath
	// selects the loop mode.
	Count         int        `json:"count,omitempty" yaml:"count,omitempty"`
	While         *Predicate `json:"while,omitempty" yaml:"while,omitempty"`
	WhileName     string     `json:"whileName,omitempty" yaml:"whileName,omitempty"`
	ItemsPath     string     `json:"itemsPath,omitempty" yaml:"itemsPath,omitempty"`
	Parallel      bool       `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	PreserveOrder bool       `json:"preserveOrder,omitempty" yaml:"preserveOrder,omitempty"`

	// Wait-signal steps.
	Signal      string   `json:"signal,omitempty" yaml:"signal,omitempty"`
	WaitTimeout Duration `json:"waitTimeout,omitempty" yaml:"waitTimeout,omitempty"`

	// Timer steps.
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Child steps.
	WorkflowType string            `json:"workflowType,omitempty" yaml:"workflowType,omitempty"`
	ChildID      string            `json:"childId,omitempty" yaml:"childId,omitempty"`
	ClosePolicy  ParentClosePolicy `json:"closePolicy,omitempty" yaml:"closePolicy,omitempty"`
	InputPath    string            `json:"inputPath,omitempty" yaml:"inputPath,omitempty"`
}

// Step is one node of a blueprint tree. Steps are immutable once loaded.
type Step struct {
	Type     StepType   `json:"stepType" yaml:"stepType"`
	ID       string     `json:"id" yaml:"id"`
	Config   StepConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Children []Step     `json:"children,omitempty" yaml:"children,omitempty"`
}

// Blueprint is the data description of a workflow: a named, versionable
// step tree. This is the "workflow as data" contract.
type Blueprint struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Root    Step   `json:"root" yaml:"root"`
}

// ParseBlueprint decodes and validates a JSON blueprint document.
func ParseBlueprint(data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := json.Unmarshal(data, &bp); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// ParseBlueprintYAML decodes and validates a YAML blueprint document.
func ParseBlueprintYAML(data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, &ValidationError{Reason: "malformed YAML: " + err.Error()}
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return &bp, nil
}

// Validate checks the blueprint tree before any execution. It rejects
// unknown step types, missing ids, duplicate ids, and per-type config
// mistakes with a ValidationError naming the offending path.
func (bp *Blueprint) Validate() error {
	if bp.Name == "" {
		return &ValidationError{Reason: "blueprint name is required"}
	}
	seen := make(map[string]struct{})
	return validateStep(&bp.Root, bp.Name, seen)
}

func validateStep(s *Step, path string, seen map[string]struct{}) error {
	if s.ID == "" {
		return &ValidationError{Path: path, Reason: "step id is required"}
	}
	path = path + "/" + s.ID
	if _, dup := seen[s.ID]; dup {
		return &ValidationError{Path: path, Reason: "duplicate step id"}
	}
	seen[s.ID] = struct{}{}

	switch s.Type {
	case StepActivity:
		if s.Config.Activity == "" {
			return &ValidationError{Path: path, Reason: "activity step needs config.activity"}
		}
		if len(s.Children) != 0 {
			return &ValidationError{Path: path, Reason: "activity step must not have children"}
		}
		if s.Config.Retry != nil {
			if err := s.Config.Retry.validate(); err != nil {
				return &ValidationError{Path: path, Reason: err.Error()}
			}
		}
	case StepSequence:
		// Empty sequences are allowed; they are a no-op.
	case StepParallel:
		switch s.Config.Join {
		case "", JoinAllSuccess, JoinAnySuccess, JoinBestEffort:
		default:
			return &ValidationError{Path: path, Reason: fmt.Sprintf("unknown join policy %q", s.Config.Join)}
		}
	case StepConditional:
		defaults := 0
		for i := range s.Children {
			c := &s.Children[i]
			if c.Config.When == nil && c.Config.WhenName == "" {
				defaults++
			}
			if c.Config.When != nil {
				if err := c.Config.When.validate(); err != nil {
					return &ValidationError{Path: path + "/" + c.ID, Reason: err.Error()}
				}
			}
		}
		if defaults > 1 {
			return &ValidationError{Path: path, Reason: "conditional step has more than one default branch"}
		}
	case StepLoop:
		if len(s.Children) != 1 {
			return &ValidationError{Path: path, Reason: "loop step needs exactly one child (the body)"}
		}
		modes := 0
		if s.Config.Count > 0 {
			modes++
		}
		if s.Config.While != nil || s.Config.WhileName != "" {
			modes++
		}
		if s.Config.ItemsPath != "" {
			modes++
		}
		if modes != 1 {
			return &ValidationError{Path: path, Reason: "loop step needs exactly one of count, while, or itemsPath"}
		}
		if s.Config.While != nil {
			if err := s.Config.While.validate(); err != nil {
				return &ValidationError{Path: path, Reason: err.Error()}
			}
		}
		if s.Config.Parallel && (s.Config.While != nil || s.Config.WhileName != "") {
			return &ValidationError{Path: path, Reason: "while loops cannot run iterations in parallel"}
		}
	case StepWaitSignal:
		if s.Config.Signal == "" {
			return &ValidationError{Path: path, Reason: "waitSignal step needs config.signal"}
		}
		if len(s.Children) != 0 {
			return &ValidationError{Path: path, Reason: "waitSignal step must not have children"}
		}
	case StepTimer:
		if s.Config.Duration <= 0 {
			return &ValidationError{Path: path, Reason: "timer step needs a positive config.duration"}
		}
		if len(s.Children) != 0 {
			return &ValidationError{Path: path, Reason: "timer step must not have children"}
		}
	case StepChild:
		if s.Config.WorkflowType == "" {
			return &ValidationError{Path: path, Reason: "child step needs config.workflowType"}
		}
		if len(s.Children) != 0 {
			return &ValidationError{Path: path, Reason: "child step must not have children"}
		}
	default:
		return &ValidationError{Path: path, Reason: fmt.Sprintf("unknown step type %q", s.Type)}
	}

	for i := range s.Children {
		if err := validateStep(&s.Children[i], path, seen); err != nil {
			return err
		}
	}
	return nil
}
