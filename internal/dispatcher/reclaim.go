package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// errSettled aborts a reclaim whose task already left the agent.
var errSettled = errors.New("task no longer held")

// reclaim runs the failure path for every task held by an agent that is
// offline, in error or gone.
func (d *Dispatcher) reclaim(ctx context.Context) error {
	held, _, err := d.store.ListTasks(ctx, store.TaskFilter{
		Statuses: []model.TaskStatus{model.TaskAssigned, model.TaskInProgress},
	}, store.Page{})
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}

	lost := make(map[string]string)
	for _, t := range held {
		reason, seen := lost[t.AssignedTo]
		if !seen {
			reason = d.agentLost(ctx, t.AssignedTo)
			lost[t.AssignedTo] = reason
		}
		if reason == "" {
			continue
		}
		if err := d.Reclaim(ctx, t.ID, reason); err != nil {
			slog.Error("reclaim task failed", "task", t.ID, "agent", t.AssignedTo, "error", err)
		}
	}
	return nil
}

// agentLost returns why the agent can no longer run its tasks, or "" when
// it still can.
func (d *Dispatcher) agentLost(ctx context.Context, id string) string {
	a, err := d.store.GetAgent(ctx, id)
	switch {
	case model.IsNotFound(err):
		return fmt.Sprintf("agent %s no longer exists", id)
	case err != nil:
		slog.Warn("get agent failed", "agent", id, "error", err)
		return ""
	case a.Status == model.AgentOffline || a.Status == model.AgentError:
		return fmt.Sprintf("agent %s is %s", id, a.Status)
	}
	return ""
}

// ReclaimAgent runs the failure path for every task the agent holds.
func (d *Dispatcher) ReclaimAgent(ctx context.Context, agentID, reason string) (int, error) {
	held, err := d.store.ActiveTasks(ctx, agentID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range held {
		if err := d.Reclaim(ctx, t.ID, reason); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		d.Wake()
	}
	return n, nil
}

// Reclaim takes a task back from its agent. A task that was never
// acknowledged returns to pending without consuming an attempt. A running
// task is retried while attempts remain and otherwise fails for good.
func (d *Dispatcher) Reclaim(ctx context.Context, taskID, reason string) error {
	var outcome, agentID string
	err := store.RetryStale(3, func() error {
		return d.bus.Commit(taskID, func() ([]events.Event, error) {
			t, err := d.store.UpdateTask(ctx, taskID, func(t *model.Task) error {
				agentID = t.AssignedTo
				switch t.Status {
				case model.TaskAssigned:
					outcome = "requeued"
					requeue(t)
				case model.TaskInProgress:
					if t.RetriesLeft() {
						outcome = "retried"
						t.Attempt++
						requeue(t)
					} else {
						outcome = "failed"
						now := d.store.Now()
						t.Status = model.TaskFailed
						t.Fatal = true
						t.CompletedAt = &now
						t.Result = &model.TaskResult{Error: "agent failure: " + reason}
					}
				default:
					outcome = ""
					return errSettled
				}
				return nil
			})
			if errors.Is(err, errSettled) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			switch outcome {
			case "requeued", "retried":
				slog.Warn("task reclaimed", "task", t.ID, "agent", agentID, "outcome", outcome, "attempt", t.Attempt, "reason", reason)
				return []events.Event{events.TaskEvent(events.TaskCreated, t, "agent failure: "+reason)}, nil
			case "failed":
				slog.Warn("task failed after agent failure", "task", t.ID, "agent", agentID, "reason", reason)
				d.metrics.RecordTaskFinished(ctx, t)
				return []events.Event{events.TaskEvent(events.TaskFailed, t, t.Result.Error)}, nil
			}
			return nil, nil
		})
	})
	if err != nil {
		return fmt.Errorf("reclaim task %s: %w", taskID, err)
	}
	if outcome != "" {
		d.metrics.RecordReclaimed(ctx, agentID, outcome)
	}
	return nil
}

func requeue(t *model.Task) {
	t.Status = model.TaskPending
	t.AssignedTo = ""
	t.StartedAt = nil
	t.Progress = 0
	t.Message = ""
}
