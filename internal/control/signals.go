package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// Heartbeat records that an agent is alive. The first heartbeat after a
// silence longer than the heartbeat timeout publishes agent:connected.
func (s *Service) Heartbeat(ctx context.Context, agentID string) (*model.Agent, error) {
	var out *model.Agent
	err := store.RetryStale(3, func() error {
		return s.bus.Commit(agentID, func() ([]events.Event, error) {
			now := s.store.Now()
			reconnect := false
			a, err := s.store.UpdateAgent(ctx, agentID, func(a *model.Agent) error {
				reconnect = a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > time.Duration(s.heartbeatTimeout.Load())
				a.LastHeartbeat = &now
				return nil
			})
			if err != nil {
				return nil, err
			}
			out = a
			if reconnect {
				slog.Info("agent connected", "agent", agentID, "status", a.Status)
				return []events.Event{events.AgentConnectedEvent(a)}, nil
			}
			return nil, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AckTask is the agent accepting an assigned task. The task only starts
// once every dependency has completed; the agent becomes busy.
func (s *Service) AckTask(ctx context.Context, agentID, taskID string) (*model.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, dep := range t.Requirements.Dependencies {
		d, err := s.store.GetTask(ctx, dep)
		if model.IsNotFound(err) {
			return nil, model.Conflictf("task %s: dependency %s no longer exists", taskID, dep)
		}
		if err != nil {
			return nil, err
		}
		if d.Status != model.TaskCompleted {
			return nil, model.Conflictf("task %s: dependency %s is %s", taskID, dep, d.Status)
		}
	}

	t, err = s.updateHeld(ctx, agentID, taskID, []model.TaskStatus{model.TaskAssigned}, func(t *model.Task) error {
		now := s.store.Now()
		t.Status = model.TaskInProgress
		t.StartedAt = &now
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	slog.Info("task started", "task", taskID, "agent", agentID, "attempt", t.Attempt)

	_, err = s.transition(ctx, agentID, model.AgentBusy, "task acknowledged", func(a *model.Agent) error {
		if a.Status != model.AgentIdle {
			return errUnchanged
		}
		return nil
	})
	if err != nil {
		slog.Warn("mark agent busy failed", "agent", agentID, "error", err)
	}
	return t, nil
}

// ReportProgress updates a running task's progress and status message.
func (s *Service) ReportProgress(ctx context.Context, agentID, taskID string, progress int, message string) (*model.Task, error) {
	if progress < 0 || progress > 100 {
		return nil, model.Validationf("progress must be between 0 and 100")
	}
	return s.updateHeld(ctx, agentID, taskID, []model.TaskStatus{model.TaskInProgress}, func(t *model.Task) error {
		t.Progress = progress
		t.Message = message
		return nil
	}, nil)
}

// CompleteTask records a successful result.
func (s *Service) CompleteTask(ctx context.Context, agentID, taskID string, result model.TaskResult) (*model.Task, error) {
	result.Success = true
	result.Error = ""
	t, err := s.updateHeld(ctx, agentID, taskID, []model.TaskStatus{model.TaskInProgress}, func(t *model.Task) error {
		now := s.store.Now()
		t.Status = model.TaskCompleted
		t.Progress = 100
		t.CompletedAt = &now
		t.Result = &result
		return nil
	}, func(t *model.Task) []events.Event {
		return []events.Event{events.TaskEvent(events.TaskCompleted, t, "")}
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTaskFinished(ctx, t)
	slog.Info("task completed", "task", taskID, "agent", agentID, "duration_ms", result.ExecutionTimeMs)
	s.release(ctx, agentID)
	return t, nil
}

// FailTask records a failed attempt. The failure is fatal when the agent
// says it cannot be retried or no retries are left.
func (s *Service) FailTask(ctx context.Context, agentID, taskID string, result model.TaskResult, retryable bool) (*model.Task, error) {
	result.Success = false
	if result.Error == "" {
		result.Error = "task failed"
	}
	t, err := s.updateHeld(ctx, agentID, taskID, []model.TaskStatus{model.TaskInProgress}, func(t *model.Task) error {
		now := s.store.Now()
		t.Status = model.TaskFailed
		t.CompletedAt = &now
		t.Fatal = !retryable || !t.RetriesLeft()
		t.Result = &result
		return nil
	}, func(t *model.Task) []events.Event {
		return []events.Event{events.TaskEvent(events.TaskFailed, t, result.Error)}
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTaskFinished(ctx, t)
	slog.Warn("task failed", "task", taskID, "agent", agentID, "attempt", t.Attempt, "fatal", t.Fatal, "error", result.Error)
	s.release(ctx, agentID)
	return t, nil
}

// requireAgent checks that a signal comes from a registered agent.
func (s *Service) requireAgent(ctx context.Context, agentID string) error {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	return nil
}
