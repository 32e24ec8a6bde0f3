package store

import (
	"context"

	"github.com/mtzanidakis/orkestra/internal/model"
)

type WorkflowFilter struct {
	Status model.WorkflowStatus
}

type ExecutionFilter struct {
	WorkflowID string
	Status     model.ExecutionStatus
}

// CreateWorkflow validates the step graph before anything is written; a
// cyclic workflow is rejected and nothing is persisted.
func (s *Store) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	return s.workflows.create(ctx, w)
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.workflows.get(ctx, id)
}

func (s *Store) ListWorkflows(ctx context.Context, f WorkflowFilter, p Page) ([]*model.Workflow, int, error) {
	var cs []cond
	if f.Status != "" {
		cs = append(cs, cond{col: "status", values: []string{string(f.Status)}})
	}
	return s.workflows.list(ctx, cs, p)
}

func (s *Store) UpdateWorkflow(ctx context.Context, id string, fn func(*model.Workflow) error) (*model.Workflow, error) {
	return s.workflows.update(ctx, id, fn)
}

// DeleteWorkflow refuses while an execution of the workflow is running.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.workflows.get(ctx, id); err != nil {
		return err
	}
	_, running, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: id, Status: model.ExecutionStarted}, Page{Limit: 1})
	if err != nil {
		return err
	}
	if running > 0 {
		return model.Conflictf("workflow %s has %d running executions", id, running)
	}
	return s.workflows.remove(ctx, id)
}

func (s *Store) CreateExecution(ctx context.Context, e *model.Execution) error {
	return s.executions.create(ctx, e)
}

func (s *Store) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return s.executions.get(ctx, id)
}

func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter, p Page) ([]*model.Execution, int, error) {
	var cs []cond
	if f.WorkflowID != "" {
		cs = append(cs, cond{col: "workflow_id", values: []string{f.WorkflowID}})
	}
	if f.Status != "" {
		cs = append(cs, cond{col: "status", values: []string{string(f.Status)}})
	}
	return s.executions.list(ctx, cs, p)
}

func (s *Store) UpdateExecution(ctx context.Context, id string, fn func(*model.Execution) error) (*model.Execution, error) {
	return s.executions.update(ctx, id, fn)
}
