package coordinator

import (
	"fmt"

	"github.com/aristath/agentrt/internal/scheduler"
)

// Workflow is a chain of steps run one after another.
type Workflow struct {
	Name  string
	Steps []WorkflowStep
}

// WorkflowStep names the operation of one step and optionally the agent.
type WorkflowStep struct {
	AgentID   string
	Operation string
}

// WorkflowManager derives follow-up tasks from workflow configuration.
// When a task that is part of a workflow succeeds, the task for the next
// step is created with the finished task's output as its input.
type WorkflowManager struct {
	workflows map[string]Workflow // workflow name -> definition
}

// NewWorkflowManager creates a new WorkflowManager.
func NewWorkflowManager(workflows map[string]Workflow) *WorkflowManager {
	wm := &WorkflowManager{workflows: make(map[string]Workflow, len(workflows))}
	for name, wf := range workflows {
		if wf.Name == "" {
			wf.Name = name
		}
		wm.workflows[name] = wf
	}
	return wm
}

// FollowUps returns the task for the step after the completed task's step,
// or nothing when the task is not part of a workflow or ran its last step.
func (wm *WorkflowManager) FollowUps(completed *scheduler.Task) []TaskSpec {
	if completed.Workflow == "" {
		return nil
	}

	workflow, stepIndex := wm.FindWorkflow(completed.Workflow, completed)
	if stepIndex == -1 || stepIndex >= len(workflow.Steps)-1 {
		// Not a step of this workflow, or the last step
		return nil
	}

	next := workflow.Steps[stepIndex+1]
	var input any
	if completed.Outcome != nil {
		input = completed.Outcome.Output
	}
	return []TaskSpec{{
		ID:        fmt.Sprintf("%s-%s", completed.ID, next.Operation),
		AgentID:   next.AgentID,
		Operation: next.Operation,
		Input:     input,
		Priority:  completed.Priority,
		DependsOn: []string{completed.ID},
		Resources: completed.Resources,
		Workflow:  completed.Workflow,
	}}
}

// FindWorkflow returns the named workflow and the index of the task's step
// in it. Returns -1 if the workflow is unknown or has no matching step.
func (wm *WorkflowManager) FindWorkflow(name string, task *scheduler.Task) (Workflow, int) {
	workflow, ok := wm.workflows[name]
	if !ok {
		return Workflow{}, -1
	}
	return workflow, findStepIndex(workflow, task)
}

// findStepIndex finds the first step the task can be an instance of.
func findStepIndex(workflow Workflow, task *scheduler.Task) int {
	for i, step := range workflow.Steps {
		if step.Operation != task.Operation {
			continue
		}
		if step.AgentID == "" || step.AgentID == task.AgentID {
			return i
		}
	}
	return -1
}
