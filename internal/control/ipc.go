package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// IPCCommand is what an agent sends on host.ipc.<agent id>.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ipcTask struct {
	TaskID    string            `json:"task_id"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message"`
	Result    *model.TaskResult `json:"result"`
	Error     string            `json:"error"`
	Retryable *bool             `json:"retryable"`
}

const ipcTimeout = 10 * time.Second

// ErrorCode names the kind of a control error for wire replies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrValidation):
		return "validation"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrCapacity):
		return "capacity"
	case errors.Is(err, model.ErrAgentFailure):
		return "agent_failure"
	case errors.Is(err, ErrBadToken):
		return "forbidden"
	}
	return "internal"
}

// ServeIPC answers agent lifecycle signals until the subscription is
// drained.
func (s *Service) ServeIPC(client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicIPCAll, s.handleIPC)
}

func (s *Service) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respondIPC(msg, map[string]any{"error": "invalid command", "code": "validation"})
		return
	}

	agentID := strings.TrimPrefix(msg.Subject, "host.ipc.")
	ctx, cancel := context.WithTimeout(context.Background(), ipcTimeout)
	defer cancel()

	if err := s.requireAgent(ctx, agentID); err != nil {
		respondErr(msg, err)
		return
	}
	slog.Debug("IPC command received", "type", cmd.Type, "agent", agentID)

	switch cmd.Type {
	case "heartbeat":
		a, err := s.Heartbeat(ctx, agentID)
		respondResult(msg, "agent", a, err)
	case "list_tasks":
		tasks, err := s.store.ActiveTasks(ctx, agentID)
		respondResult(msg, "tasks", tasks, err)
	case "create_task":
		var t model.Task
		if err := json.Unmarshal(cmd.Payload, &t); err != nil {
			respondIPC(msg, map[string]any{"error": "invalid payload", "code": "validation"})
			return
		}
		created, err := s.CreateTask(ctx, &t)
		respondResult(msg, "task", created, err)
	case "ack", "progress", "complete", "fail":
		var req ipcTask
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.TaskID == "" {
			respondIPC(msg, map[string]any{"error": "payload needs a task_id", "code": "validation"})
			return
		}
		t, err := s.taskSignal(ctx, agentID, cmd.Type, req)
		respondResult(msg, "task", t, err)
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type, "agent", agentID)
		respondIPC(msg, map[string]any{"error": "unknown command: " + cmd.Type, "code": "validation"})
	}
}

func (s *Service) taskSignal(ctx context.Context, agentID, kind string, req ipcTask) (*model.Task, error) {
	result := model.TaskResult{}
	if req.Result != nil {
		result = *req.Result
	}
	switch kind {
	case "ack":
		return s.AckTask(ctx, agentID, req.TaskID)
	case "progress":
		return s.ReportProgress(ctx, agentID, req.TaskID, req.Progress, req.Message)
	case "complete":
		return s.CompleteTask(ctx, agentID, req.TaskID, result)
	default:
		if req.Error != "" {
			result.Error = req.Error
		}
		retryable := req.Retryable == nil || *req.Retryable
		return s.FailTask(ctx, agentID, req.TaskID, result, retryable)
	}
}

func respondResult(msg *nats.Msg, key string, v any, err error) {
	if err != nil {
		respondErr(msg, err)
		return
	}
	respondIPC(msg, map[string]any{"ok": true, key: v})
}

func respondErr(msg *nats.Msg, err error) {
	code := ErrorCode(err)
	if code == "internal" {
		slog.Error("IPC command failed", "subject", msg.Subject, "error", err)
	}
	respondIPC(msg, map[string]any{"error": err.Error(), "code": code})
}

func respondIPC(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
