package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// CreateTask submits a task. It always enters pending: assignment, results
// and progress are owned by the dispatcher and the agent.
func (s *Service) CreateTask(ctx context.Context, t *model.Task) (*model.Task, error) {
	if t.Status != "" && t.Status != model.TaskPending {
		return nil, model.Validationf("new tasks start pending")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = model.TaskPending
	t.AssignedTo = ""
	t.Result = nil
	t.Progress = 0
	t.Attempt = 1
	t.Fatal = false
	t.StartedAt = nil
	t.CompletedAt = nil
	if t.MaxRetries == 0 {
		t.MaxRetries = int(s.defaultMaxRetries.Load())
	}

	for _, dep := range model.NormalizeSet(t.Requirements.Dependencies) {
		if _, err := s.store.GetTask(ctx, dep); err != nil {
			if model.IsNotFound(err) {
				return nil, model.Validationf("dependency %s does not exist", dep)
			}
			return nil, err
		}
	}

	err := s.bus.Commit(t.ID, func() ([]events.Event, error) {
		if err := s.store.CreateTask(ctx, t); err != nil {
			return nil, err
		}
		return []events.Event{events.TaskEvent(events.TaskCreated, t, "")}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTaskCreated(ctx, t)
	slog.Info("task created", "task", t.ID, "priority", t.Priority, "dependencies", len(t.Requirements.Dependencies))
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter, p store.Page) ([]*model.Task, int, error) {
	return s.store.ListTasks(ctx, f, p)
}

// AssignTask places a pending task on a specific agent, bypassing the
// dispatch policy but not the capacity and eligibility checks.
func (s *Service) AssignTask(ctx context.Context, taskID, agentID string) (*model.Task, error) {
	if s.dispatch == nil {
		return nil, errors.New("dispatcher is not running")
	}
	return s.dispatch.Assign(ctx, taskID, agentID)
}

// CancelTask stops a task. Pending and assigned tasks are cancelled at
// once; for a running task the agent is told to abandon it and any late
// result is refused.
func (s *Service) CancelTask(ctx context.Context, id, reason string) (*model.Task, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	var prev model.TaskStatus
	var out *model.Task
	err := store.RetryStale(3, func() error {
		return s.bus.Commit(id, func() ([]events.Event, error) {
			t, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
				prev = t.Status
				if t.Status.Terminal() {
					return model.Conflictf("task %s is already %s", id, t.Status)
				}
				now := s.store.Now()
				t.Status = model.TaskCancelled
				t.CompletedAt = &now
				t.Result = &model.TaskResult{Error: reason}
				return nil
			})
			if err != nil {
				return nil, err
			}
			out = t
			return []events.Event{events.TaskEvent(events.TaskFailed, t, reason)}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTaskFinished(ctx, out)
	slog.Info("task cancelled", "task", id, "was", prev, "reason", reason)

	if prev.Active() {
		if prev == model.TaskInProgress && s.noticer != nil {
			err := s.noticer.SendNotice(out.AssignedTo, natsbus.Notice{
				Type:        natsbus.NoticeCancel,
				TaskID:      out.ID,
				ExecutionID: out.ExecutionID,
				StepID:      out.StepID,
				Reason:      reason,
			})
			if err != nil {
				slog.Warn("cancel notice failed", "task", id, "agent", out.AssignedTo, "error", err)
			}
		}
		s.release(ctx, out.AssignedTo)
	}
	return out, nil
}

// RetryTask puts a failed task back to pending for another attempt. Only
// failures with retries left qualify.
func (s *Service) RetryTask(ctx context.Context, id string) (*model.Task, error) {
	var out *model.Task
	err := store.RetryStale(3, func() error {
		return s.bus.Commit(id, func() ([]events.Event, error) {
			t, err := s.store.UpdateTask(ctx, id, func(t *model.Task) error {
				if t.Status != model.TaskFailed {
					return model.Conflictf("task %s is %s; only failed tasks can be retried", id, t.Status)
				}
				if t.Fatal {
					return model.Conflictf("task %s failed permanently", id)
				}
				t.Attempt++
				t.Status = model.TaskPending
				t.AssignedTo = ""
				t.Result = nil
				t.Progress = 0
				t.Message = ""
				t.StartedAt = nil
				t.CompletedAt = nil
				return nil
			})
			if err != nil {
				return nil, err
			}
			out = t
			return []events.Event{events.TaskEvent(events.TaskCreated, t, "retry")}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task retried", "task", id, "attempt", out.Attempt)
	return out, nil
}

// updateHeld mutates a task the calling agent owns. It rejects tasks held
// by another agent and tasks outside the allowed statuses.
func (s *Service) updateHeld(ctx context.Context, agentID, taskID string, allowed []model.TaskStatus, fn func(*model.Task) error, evs func(*model.Task) []events.Event) (*model.Task, error) {
	var out *model.Task
	err := store.RetryStale(3, func() error {
		return s.bus.Commit(taskID, func() ([]events.Event, error) {
			t, err := s.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
				if t.AssignedTo != agentID {
					return model.Conflictf("task %s is not assigned to agent %s", taskID, agentID)
				}
				if !slices.Contains(allowed, t.Status) {
					return model.Conflictf("task %s is %s", taskID, t.Status)
				}
				return fn(t)
			})
			if err != nil {
				return nil, err
			}
			out = t
			if evs == nil {
				return nil, nil
			}
			return evs(t), nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", taskID, err)
	}
	return out, nil
}
