package workflow

import (
	"context"

	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
)

// Compensator reaches the agents behind an execution's steps: it asks them
// to undo completed work on rollback and to abandon tasks the engine
// cancelled.
type Compensator interface {
	Rollback(ctx context.Context, e *model.Execution, step model.StepExecution, t *model.Task) error
	Cancel(ctx context.Context, t *model.Task, reason string) error
}

// NotifyCompensator sends notices on the agent's control subject.
type NotifyCompensator struct {
	client *natsbus.Client
}

func NewNotifyCompensator(client *natsbus.Client) *NotifyCompensator {
	return &NotifyCompensator{client: client}
}

func (n *NotifyCompensator) Rollback(_ context.Context, e *model.Execution, step model.StepExecution, t *model.Task) error {
	return n.client.SendNotice(t.AssignedTo, natsbus.Notice{
		Type:        natsbus.NoticeRollback,
		TaskID:      t.ID,
		ExecutionID: e.ID,
		StepID:      step.StepID,
		Reason:      "execution " + e.ID + " is rolling back",
	})
}

func (n *NotifyCompensator) Cancel(_ context.Context, t *model.Task, reason string) error {
	return n.client.SendNotice(t.AssignedTo, natsbus.Notice{
		Type:        natsbus.NoticeCancel,
		TaskID:      t.ID,
		ExecutionID: t.ExecutionID,
		StepID:      t.StepID,
		Reason:      reason,
	})
}
