package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/relay/pkg/protocol"
)

// StepsFile is the structure of the YAML step overrides file. Each entry
// names a step by kind; fields left empty keep the built-in value.
//
//	steps:
//	  - kind: coding
//	    model: claude-sonnet-4-20250514
//	    timeout: 20m
//	    max_retries: 3
type StepsFile struct {
	Steps []protocol.StepDefinition `yaml:"steps"`
}

// LoadSteps reads the overrides at path and applies them to base, returning
// a new slice in pipeline order.
func LoadSteps(path string, base []protocol.StepDefinition) ([]protocol.StepDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read steps file %s: %w", path, err)
	}
	var sf StepsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("config: parse steps file %s: %w", path, err)
	}
	return ApplySteps(base, sf.Steps)
}

// ApplySteps merges overrides into a copy of base.
func ApplySteps(base, overrides []protocol.StepDefinition) ([]protocol.StepDefinition, error) {
	out := make([]protocol.StepDefinition, len(base))
	copy(out, base)

	index := make(map[protocol.AgentKind]int, len(out))
	for i, d := range out {
		index[d.Kind] = i
	}

	seen := make(map[protocol.AgentKind]bool)
	for i, o := range overrides {
		kind, err := protocol.ParseAgentKind(string(o.Kind))
		if err != nil {
			return nil, fmt.Errorf("config: steps[%d]: %w", i, err)
		}
		if seen[kind] {
			return nil, fmt.Errorf("config: steps[%d]: duplicate kind %q", i, kind)
		}
		seen[kind] = true
		j, ok := index[kind]
		if !ok {
			return nil, fmt.Errorf("config: steps[%d]: no step of kind %q", i, kind)
		}
		if o.Timeout < 0 || (o.MaxRetries != nil && *o.MaxRetries < 0) {
			return nil, fmt.Errorf("config: steps[%d]: timeout and max_retries must not be negative", i)
		}
		mergeStep(&out[j], o)
	}
	return out, nil
}

func mergeStep(d *protocol.StepDefinition, o protocol.StepDefinition) {
	if o.Name != "" {
		d.Name = o.Name
	}
	if o.Goal != "" {
		d.Goal = o.Goal
	}
	if o.Instructions != "" {
		d.Instructions = o.Instructions
	}
	if o.Model != "" {
		d.Model = o.Model
	}
	if o.MaxTokens > 0 {
		d.MaxTokens = o.MaxTokens
	}
	if o.Tools != nil {
		d.Tools = o.Tools
	}
	if o.Timeout > 0 {
		d.Timeout = o.Timeout
	}
	if o.MaxRetries != nil {
		n := *o.MaxRetries
		d.MaxRetries = &n
	}
}
