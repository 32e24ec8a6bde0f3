package control

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mtzanidakis/orkestra/internal/config"
	"github.com/mtzanidakis/orkestra/internal/events"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeline(status model.WorkflowStatus, triggers ...model.Trigger) *model.Workflow {
	return &model.Workflow{
		Name:   "release",
		Status: status,
		Steps: []model.Step{
			{ID: "build", Type: "build"},
			{ID: "test", Type: "test", DependsOn: []string{"build"}},
		},
		Triggers: triggers,
	}
}

func TestCreateWorkflowRejectsCycles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wf := pipeline(model.WorkflowActive)
	wf.Steps[0].DependsOn = []string{"test"}
	_, err := h.svc.CreateWorkflow(ctx, wf)
	assert.True(t, model.IsValidation(err))

	_, total, err := h.svc.ListWorkflows(ctx, store.WorkflowFilter{}, store.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPatchWorkflowKeepsDefinitionOnError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, pipeline(model.WorkflowDraft))
	require.NoError(t, err)

	cyclic := []model.Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err = h.svc.PatchWorkflow(ctx, wf.ID, WorkflowPatch{Steps: &cyclic})
	assert.True(t, model.IsValidation(err))

	active := model.WorkflowActive
	desc := "ships it"
	updated, err := h.svc.PatchWorkflow(ctx, wf.ID, WorkflowPatch{Status: &active, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowActive, updated.Status)
	assert.Equal(t, "ships it", updated.Description)
	assert.Len(t, updated.Steps, 2)
	assert.Equal(t, wf.Revision+1, updated.Revision)
}

func TestExecuteWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, pipeline(model.WorkflowDraft))
	require.NoError(t, err)

	x, err := h.svc.ExecuteWorkflow(ctx, wf.ID, map[string]any{"ref": "v1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStarted, x.Status)
	assert.Equal(t, model.TriggerManual, x.Trigger)
	assert.Len(t, h.rec.Of(events.WorkflowStarted), 1)

	_, err = h.svc.TriggerWorkflow(ctx, wf.ID, model.TriggerSchedule, nil)
	assert.True(t, model.IsConflict(err), "drafts only run by hand")

	execs, total, err := h.svc.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: wf.ID}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, x.ID, execs[0].ID)

	got, err := h.svc.GetExecution(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", got.Input["ref"])

	_, _, err = h.svc.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "nope"}, store.Page{})
	assert.True(t, model.IsNotFound(err))
}

func TestExecutePausedWorkflowConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, st := range []model.WorkflowStatus{model.WorkflowPaused, model.WorkflowDisabled} {
		wf, err := h.svc.CreateWorkflow(ctx, pipeline(st))
		require.NoError(t, err)
		_, err = h.svc.ExecuteWorkflow(ctx, wf.ID, nil)
		assert.True(t, model.IsConflict(err), st)
	}
	assert.Empty(t, h.rec.Of(events.WorkflowStarted))
}

func TestDeleteWorkflowWithRunningExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, pipeline(model.WorkflowActive))
	require.NoError(t, err)
	_, err = h.svc.ExecuteWorkflow(ctx, wf.ID, nil)
	require.NoError(t, err)

	err = h.svc.DeleteWorkflow(ctx, wf.ID)
	assert.True(t, model.IsConflict(err))
}

func TestFireWebhook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wf, err := h.svc.CreateWorkflow(ctx, pipeline(model.WorkflowActive,
		model.Trigger{Type: model.TriggerWebhook, Token: "s3cret"}))
	require.NoError(t, err)

	_, err = h.svc.FireWebhook(ctx, wf.ID, "guess", nil)
	assert.ErrorIs(t, err, ErrBadToken)
	_, err = h.svc.FireWebhook(ctx, wf.ID, "", nil)
	assert.ErrorIs(t, err, ErrBadToken)

	x, err := h.svc.FireWebhook(ctx, wf.ID, "s3cret", map[string]any{"sha": "abc"})
	require.NoError(t, err)
	assert.Equal(t, model.TriggerWebhook, x.Trigger)

	_, err = h.svc.FireWebhook(ctx, "nope", "s3cret", nil)
	assert.True(t, model.IsNotFound(err))
}

type ipcReply struct {
	OK    bool         `json:"ok"`
	Error string       `json:"error"`
	Code  string       `json:"code"`
	Agent *model.Agent `json:"agent"`
	Task  *model.Task  `json:"task"`
}

func TestIPC(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runningAgent(t, "a1", 1)

	bus, err := natsbus.New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	sub, err := h.svc.ServeIPC(client)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Unsubscribe() })
	require.NoError(t, client.Flush())

	call := func(agentID, typ string, payload any) ipcReply {
		t.Helper()
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		var reply ipcReply
		err = client.RequestJSON(natsbus.TopicIPC(agentID), IPCCommand{Type: typ, Payload: raw}, &reply, 2*time.Second)
		require.NoError(t, err)
		return reply
	}

	reply := call("a1", "heartbeat", nil)
	assert.True(t, reply.OK)
	require.NotNil(t, reply.Agent)
	assert.Equal(t, "a1", reply.Agent.ID)

	reply = call("ghost", "heartbeat", nil)
	assert.Equal(t, "not_found", reply.Code)

	reply = call("a1", "reboot", nil)
	assert.Equal(t, "validation", reply.Code)

	reply = call("a1", "create_task", map[string]any{"name": "follow-up", "priority": "high"})
	require.True(t, reply.OK, reply.Error)
	taskID := reply.Task.ID
	assert.Equal(t, model.PriorityHigh, reply.Task.Priority)

	reply = call("a1", "ack", map[string]any{"task_id": taskID})
	assert.Equal(t, "conflict", reply.Code, "the task was never assigned")

	_, err = h.svc.AssignTask(ctx, taskID, "a1")
	require.NoError(t, err)
	reply = call("a1", "ack", map[string]any{"task_id": taskID})
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, model.TaskInProgress, reply.Task.Status)

	reply = call("a1", "progress", map[string]any{"task_id": taskID, "progress": 75, "message": "almost"})
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, 75, reply.Task.Progress)

	reply = call("a1", "fail", map[string]any{"task_id": taskID, "error": "boom", "retryable": false})
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, model.TaskFailed, reply.Task.Status)
	assert.True(t, reply.Task.Fatal)
	assert.Equal(t, "boom", reply.Task.Result.Error)
}
