package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
)

type verdict int

const (
	verdictWait verdict = iota
	verdictRun
	verdictSkip
)

// evaluate decides whether a pending step can start. It waits until every
// dependency step is terminal and then applies the step's condition.
func evaluate(x *model.Execution, step model.Step) verdict {
	completed, failed := 0, 0
	for _, dep := range step.DependsOn {
		ds := x.Step(dep)
		if ds == nil || !ds.Status.Terminal() {
			return verdictWait
		}
		switch ds.Status {
		case model.StepCompleted:
			completed++
		case model.StepFailed:
			failed++
		}
	}
	allCompleted := completed == len(step.DependsOn)

	switch step.ConditionType() {
	case model.ConditionFailure:
		if failed > 0 {
			return verdictRun
		}
	case model.ConditionAlways:
		return verdictRun
	case model.ConditionCustom:
		if allCompleted && matches(x.Step(step.Condition.Step), step.Condition.Field, step.Condition.Equals) {
			return verdictRun
		}
	default:
		if allCompleted {
			return verdictRun
		}
	}
	return verdictSkip
}

// matches compares a field of a step's result data with the expected value
// by their JSON encodings, so 1 and 1.0 are equal.
func matches(sx *model.StepExecution, field string, want any) bool {
	if sx == nil || sx.Result == nil {
		return false
	}
	got, ok := sx.Result.Data[field]
	if !ok {
		return false
	}
	a, err1 := json.Marshal(got)
	b, err2 := json.Marshal(want)
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

// TaskID is the deterministic id of the task that runs a step.
func TaskID(executionID, stepID string) string {
	return executionID + "-" + stepID
}

// stepPayload is what the agent receives for a workflow step.
type stepPayload struct {
	Workflow     string                    `json:"workflow"`
	Execution    string                    `json:"execution"`
	Step         string                    `json:"step"`
	Type         string                    `json:"type,omitempty"`
	Config       map[string]any            `json:"config,omitempty"`
	Input        map[string]any            `json:"input,omitempty"`
	Dependencies map[string]map[string]any `json:"dependencies,omitempty"`
}

// startStep creates the task for a step. The required agent type becomes a
// capability constraint and the tasks of completed dependency steps become
// task dependencies.
func (e *Engine) startStep(ctx context.Context, x *model.Execution, step model.Step, tasks map[string]*model.Task) (*model.Task, error) {
	if t, ok := tasks[step.ID]; ok {
		return t, nil
	}

	var deps []string
	results := make(map[string]map[string]any)
	for _, dep := range step.DependsOn {
		ds := x.Step(dep)
		if ds.Status != model.StepCompleted || ds.TaskID == "" {
			continue
		}
		deps = append(deps, ds.TaskID)
		if ds.Result != nil {
			results[dep] = ds.Result.Data
		}
	}

	caps := configStrings(step.Config, "capabilities")
	if step.AgentType != "" {
		caps = append(caps, step.AgentType.Capability())
	}
	priority := model.PriorityMedium
	if raw, ok := step.Config["priority"]; ok {
		p, err := model.ParsePriority(fmt.Sprint(raw))
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.ID, err)
		}
		priority = p
	}

	payload, err := json.Marshal(stepPayload{
		Workflow:     x.WorkflowID,
		Execution:    x.ID,
		Step:         step.ID,
		Type:         step.Type,
		Config:       step.Config,
		Input:        x.Input,
		Dependencies: results,
	})
	if err != nil {
		return nil, fmt.Errorf("encode step payload: %w", err)
	}

	t := &model.Task{
		ID:       TaskID(x.ID, step.ID),
		Name:     x.Workflow.Name + "/" + step.Name,
		Type:     step.Type,
		Priority: priority,
		Payload:  payload,
		Requirements: model.Requirements{
			Capabilities: caps,
			Dependencies: deps,
		},
		MaxRetries:  x.Workflow.Config.MaxRetries,
		WorkflowID:  x.WorkflowID,
		ExecutionID: x.ID,
		StepID:      step.ID,
	}
	err = e.bus.Commit(t.ID, func() ([]events.Event, error) {
		if err := e.store.CreateTask(ctx, t); err != nil {
			return nil, err
		}
		return []events.Event{events.TaskEvent(events.TaskCreated, t, "")}, nil
	})
	if model.IsConflict(err) {
		// Created by an earlier attempt of this reconcile.
		return e.store.GetTask(ctx, t.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("create task for step %s: %w", step.ID, err)
	}
	e.metrics.RecordTaskCreated(ctx, t)
	tasks[step.ID] = t
	return t, nil
}

func configStrings(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		if ss, ok := cfg[key].([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
