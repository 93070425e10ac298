package block

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/dshills/pipeflow/flow/schema"
)

// Transition gates.
const (
	WhenManual  = "manual"
	WhenOnEntry = "onEntry"
)

// Wildcard in a transition's from list matches every place.
const Wildcard = "*"

// StringList accepts either a single string or a list of strings.
type StringList []string

// Contains reports whether s is in l.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// First returns the first entry, or "".
func (l StringList) First() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

// WorkflowConfig is the config of a workflow block.
type WorkflowConfig struct {
	Transitions  []TransitionConfig `mapstructure:"transitions"`
	Dependencies []DependencyConfig `mapstructure:"dependencies"`

	// Result is an expression tree exported as the workflow's output.
	Result interface{} `mapstructure:"result"`
}

// Transition returns the transition with id.
func (c WorkflowConfig) Transition(id string) (TransitionConfig, bool) {
	for _, t := range c.Transitions {
		if t.ID == id {
			return t, true
		}
	}
	return TransitionConfig{}, false
}

// TransitionConfig is one edge of a workflow's transition graph.
type TransitionConfig struct {
	ID      string       `mapstructure:"id"`
	From    StringList   `mapstructure:"from"`
	To      StringList   `mapstructure:"to"`
	When    string       `mapstructure:"when"`
	OnError string       `mapstructure:"onError"`
	Call    []CallConfig `mapstructure:"call"`
}

// LeavesFrom reports whether the transition is available at place.
func (t TransitionConfig) LeavesFrom(place string) bool {
	return t.From.Contains(Wildcard) || t.From.Contains(place)
}

// Automatic reports whether the transition fires without an explicit request.
func (t TransitionConfig) Automatic() bool {
	return t.When == "" || t.When == WhenOnEntry
}

// CallConfig is a tool invocation inside a transition. Args and Assign are
// evaluated lazily, right before the call runs.
type CallConfig struct {
	Tool string                 `mapstructure:"tool"`
	ID   string                 `mapstructure:"id"`
	Args map[string]interface{} `mapstructure:"args"`

	// Assign maps workflow input properties to expressions evaluated with
	// the call's result in scope.
	Assign map[string]interface{} `mapstructure:"assign"`
}

// DependencyConfig declares a document set the workflow's validity is keyed to.
type DependencyConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// Global looks across the whole pipeline instead of the workflow's branch.
	Global bool `mapstructure:"global"`

	// Namespace narrows a branch-local lookup: "self" (default) or "parent".
	Namespace string `mapstructure:"namespace"`
}

// PipelineConfig is the config of pipeline and workspace blocks.
type PipelineConfig struct {
	Blocks []ChildConfig `mapstructure:"blocks"`
	Label  string        `mapstructure:"label"`
}

// ChildConfig places a block inside a pipeline.
type ChildConfig struct {
	ID     string                 `mapstructure:"id"`
	Block  string                 `mapstructure:"block"`
	Args   map[string]interface{} `mapstructure:"args"`
	Labels map[string]interface{} `mapstructure:"labels"`
}

// FactoryConfig is the config of a factory block.
type FactoryConfig struct {
	Block string `mapstructure:"block"`

	// Items evaluates to the list the factory iterates.
	Items interface{} `mapstructure:"items"`

	// Args is evaluated per item with "item" and "index" in scope.
	Args  map[string]interface{} `mapstructure:"args"`
	Label string                 `mapstructure:"label"`
}

// DocumentConfig is the config of a document block.
type DocumentConfig struct {
	Name   string        `mapstructure:"name"`
	Type   string        `mapstructure:"type"`
	Global bool          `mapstructure:"global"`
	Schema schema.Schema `mapstructure:"schema"`
}

var stringListType = reflect.TypeOf(StringList{})

func stringListHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != stringListType {
		return data, nil
	}
	switch v := data.(type) {
	case nil:
		return StringList{}, nil
	case string:
		return StringList{v}, nil
	}
	return data, nil
}

// Decode decodes a normalized config tree into out.
func Decode(input interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.DecodeHookFuncType(stringListHook),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func decodeConfig(config map[string]interface{}, out interface{}) error {
	if len(config) == 0 {
		return nil
	}
	if err := Decode(config, out); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if wc, ok := out.(*WorkflowConfig); ok {
		return wc.check()
	}
	return nil
}

func (c *WorkflowConfig) check() error {
	seen := make(map[string]bool, len(c.Transitions))
	for i, t := range c.Transitions {
		if t.ID == "" {
			return fmt.Errorf("transition %d: id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("transition %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if len(t.From) == 0 || len(t.To) == 0 {
			return fmt.Errorf("transition %q: from and to are required", t.ID)
		}
		if t.When != "" && t.When != WhenManual && t.When != WhenOnEntry && !strings.Contains(t.When, "${") {
			return fmt.Errorf("transition %q: when must be %q or %q", t.ID, WhenManual, WhenOnEntry)
		}
		for j, call := range t.Call {
			if call.Tool == "" {
				return fmt.Errorf("transition %q call %d: tool is required", t.ID, j)
			}
		}
	}
	for i, d := range c.Dependencies {
		if d.Name == "" && d.Type == "" {
			return fmt.Errorf("dependency %d: name or type is required", i)
		}
	}
	return nil
}
