package store

import (
	"context"
	"slices"

	"github.com/mtzanidakis/orkestra/internal/model"
)

type TaskFilter struct {
	Statuses    []model.TaskStatus
	AssignedTo  string
	ExecutionID string
	WorkflowID  string
}

func (f TaskFilter) conds() []cond {
	var cs []cond
	if len(f.Statuses) > 0 {
		vals := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			vals[i] = string(st)
		}
		cs = append(cs, cond{col: "status", values: vals})
	}
	if f.AssignedTo != "" {
		cs = append(cs, cond{col: "assigned_to", values: []string{f.AssignedTo}})
	}
	if f.ExecutionID != "" {
		cs = append(cs, cond{col: "execution_id", values: []string{f.ExecutionID}})
	}
	if f.WorkflowID != "" {
		cs = append(cs, cond{col: "workflow_id", values: []string{f.WorkflowID}})
	}
	return cs
}

func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	return s.tasks.create(ctx, t)
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.tasks.get(ctx, id)
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter, p Page) ([]*model.Task, int, error) {
	return s.tasks.list(ctx, f.conds(), p)
}

// UpdateTask applies fn with compare-and-swap on the task revision. Illegal
// status transitions such as completed to pending are conflicts.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	return s.tasks.update(ctx, id, fn)
}

// ActiveTasks returns the tasks an agent currently holds.
func (s *Store) ActiveTasks(ctx context.Context, agentID string) ([]*model.Task, error) {
	tasks, _, err := s.tasks.list(ctx, TaskFilter{
		Statuses:   []model.TaskStatus{model.TaskAssigned, model.TaskInProgress},
		AssignedTo: agentID,
	}.conds(), Page{})
	return tasks, err
}

// Dependents returns unsettled tasks that list id as a dependency.
func (s *Store) Dependents(ctx context.Context, id string) ([]*model.Task, error) {
	tasks, _, err := s.tasks.list(ctx, TaskFilter{
		Statuses: []model.TaskStatus{model.TaskPending, model.TaskAssigned, model.TaskInProgress, model.TaskFailed},
	}.conds(), Page{})
	if err != nil {
		return nil, err
	}
	var out []*model.Task
	for _, t := range tasks {
		if !t.Settled() && slices.Contains(t.Requirements.Dependencies, id) {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteTask refuses while an unsettled task depends on it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.tasks.get(ctx, id); err != nil {
		return err
	}
	deps, err := s.Dependents(ctx, id)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return model.Conflictf("task %s is a dependency of %s", id, deps[0].ID)
	}
	return s.tasks.remove(ctx, id)
}
