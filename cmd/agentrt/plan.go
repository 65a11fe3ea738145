package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/agentrt/internal/config"
	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/scheduler"
)

// Plan is a batch of tasks submitted together by `agentrt run`.
type Plan struct {
	Tasks []PlanTask `json:"tasks" yaml:"tasks"`
}

// PlanTask is one task of a plan.
type PlanTask struct {
	ID        string           `json:"id" yaml:"id"`
	Agent     string           `json:"agent,omitempty" yaml:"agent,omitempty"`
	Operation string           `json:"operation" yaml:"operation"`
	Input     any              `json:"input,omitempty" yaml:"input,omitempty"`
	Priority  string           `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Resources map[string]int64 `json:"resources,omitempty" yaml:"resources,omitempty"`
	Timeout   config.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Workflow  string           `json:"workflow,omitempty" yaml:"workflow,omitempty"`
}

// LoadPlan reads a YAML (.yaml, .yml) or JSON plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}

	var plan Plan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &plan)
	default:
		err = json.Unmarshal(data, &plan)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", path)
	}
	return &plan, nil
}

// Specs converts the plan into task specs for submission.
func (p *Plan) Specs() ([]coordinator.TaskSpec, error) {
	specs := make([]coordinator.TaskSpec, 0, len(p.Tasks))
	for i, t := range p.Tasks {
		priority, err := scheduler.ParsePriority(t.Priority)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, t.ID, err)
		}

		var resources []scheduler.ResourceRequest
		for _, name := range slices.Sorted(maps.Keys(t.Resources)) {
			resources = append(resources, scheduler.ResourceRequest{Resource: name, Amount: t.Resources[name]})
		}

		specs = append(specs, coordinator.TaskSpec{
			ID:        t.ID,
			AgentID:   t.Agent,
			Operation: t.Operation,
			Input:     t.Input,
			Priority:  priority,
			DependsOn: t.DependsOn,
			Resources: resources,
			Timeout:   t.Timeout.D(),
			Workflow:  t.Workflow,
		})
	}
	return specs, nil
}
