package events

import "github.com/mtzanidakis/orkestra/internal/model"

type AgentPayload struct {
	Agent  *model.Agent `json:"agent"`
	Reason string       `json:"reason,omitempty"`
}

type StatusChangePayload struct {
	AgentID string            `json:"agent_id"`
	From    model.AgentStatus `json:"from"`
	To      model.AgentStatus `json:"to"`
	Reason  string            `json:"reason,omitempty"`
	Agent   *model.Agent      `json:"agent"`
}

type TaskPayload struct {
	Task    *model.Task      `json:"task"`
	AgentID string           `json:"agent_id,omitempty"`
	Status  model.TaskStatus `json:"status"`
	Reason  string           `json:"reason,omitempty"`
}

type WorkflowPayload struct {
	WorkflowID  string                `json:"workflow_id"`
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
	Trigger     model.TriggerType     `json:"trigger,omitempty"`
	FailedSteps []string              `json:"failed_steps,omitempty"`
	RollbackRan bool                  `json:"rollback_ran"`
	Error       string                `json:"error,omitempty"`
}

func AgentConnectedEvent(a *model.Agent) Event {
	return New(AgentConnected, a.ID, a.ID, AgentPayload{Agent: a})
}

func AgentDisconnectedEvent(a *model.Agent, reason string) Event {
	return New(AgentDisconnected, a.ID, a.ID, AgentPayload{Agent: a, Reason: reason})
}

func StatusChangedEvent(a *model.Agent, from model.AgentStatus, reason string) Event {
	return New(AgentStatusChanged, a.ID, a.ID, StatusChangePayload{
		AgentID: a.ID,
		From:    from,
		To:      a.Status,
		Reason:  reason,
		Agent:   a,
	})
}

// TaskEvent snapshots a task. A cancelled task is reported as task:failed
// with status cancelled.
func TaskEvent(t Type, task *model.Task, reason string) Event {
	return New(t, task.ID, task.AssignedTo, TaskPayload{
		Task:    task,
		AgentID: task.AssignedTo,
		Status:  task.Status,
		Reason:  reason,
	})
}

func WorkflowEvent(t Type, e *model.Execution) Event {
	return New(t, e.WorkflowID, "", WorkflowPayload{
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		Status:      e.Status,
		Trigger:     e.Trigger,
		FailedSteps: e.FailedSteps,
		RollbackRan: e.RollbackRan,
		Error:       e.Error,
	})
}
