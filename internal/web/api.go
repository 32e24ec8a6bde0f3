package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/control"
	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxBody      = 1 << 20
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.createAgent)
	mux.HandleFunc("GET /api/agents/metrics", s.systemMetrics)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.patchAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.deleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/start", s.startAgent)
	mux.HandleFunc("POST /api/agents/{id}/stop", s.stopAgent)
	mux.HandleFunc("POST /api/agents/{id}/restart", s.restartAgent)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.heartbeat)
	mux.HandleFunc("GET /api/agents/{id}/metrics", s.agentMetrics)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", s.assignTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.retryTask)

	// Agent signals
	mux.HandleFunc("POST /api/tasks/{id}/ack", s.ackTask)
	mux.HandleFunc("POST /api/tasks/{id}/progress", s.reportProgress)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/tasks/{id}/fail", s.failTask)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows", s.createWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("PATCH /api/workflows/{id}", s.patchWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.deleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/execute", s.executeWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/executions", s.listExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.getExecution)
	mux.HandleFunc("POST /api/hooks/{id}", s.fireWebhook)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// listResponse is the envelope of every listing.
type listResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

func listResult[T any](w http.ResponseWriter, data []T, total int, p store.Page) {
	if data == nil {
		data = []T{}
	}
	jsonResponse(w, listResponse[T]{Data: data, Total: total, Page: p.Page, Limit: p.Limit})
}

func parsePage(r *http.Request) (store.Page, error) {
	p := store.Page{Page: 1, Limit: defaultLimit}
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, model.Validationf("page must be a positive integer")
		}
		p.Page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			return p, model.Validationf("limit must be between 1 and %d", maxLimit)
		}
		p.Limit = n
	}
	return p, nil
}

// --- agents ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	f := store.AgentFilter{
		Type:   model.AgentType(q.Get("type")),
		Status: model.AgentStatus(q.Get("status")),
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, model.Validationf("invalid agent type %q", f.Type))
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, model.Validationf("invalid agent status %q", f.Status))
		return
	}
	agents, total, err := s.svc.ListAgents(r.Context(), f, p)
	if err != nil {
		writeError(w, err)
		return
	}
	listResult(w, agents, total, p)
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	var a model.Agent
	if !decodeBody(w, r, &a) {
		return
	}
	created, err := s.svc.CreateAgent(r.Context(), &a)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonCreated(w, created)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAgent(r.Context(), r.PathValue("id"))
	respond(w, a, err)
}

func (s *Server) patchAgent(w http.ResponseWriter, r *http.Request) {
	var p control.AgentPatch
	if !decodeBody(w, r, &p) {
		return
	}
	a, err := s.svc.PatchAgent(r.Context(), r.PathValue("id"), p)
	respond(w, a, err)
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	drain := r.URL.Query().Get("drain") == "true"
	if err := s.svc.DeleteAgent(r.Context(), r.PathValue("id"), drain); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.StartAgent(r.Context(), r.PathValue("id"))
	respond(w, a, err)
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.StopAgent(r.Context(), r.PathValue("id"))
	respond(w, a, err)
}

func (s *Server) restartAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.RestartAgent(r.Context(), r.PathValue("id"))
	respond(w, a, err)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Heartbeat(r.Context(), r.PathValue("id"))
	respond(w, a, err)
}

func (s *Server) agentMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.AgentMetrics(r.Context(), r.PathValue("id"))
	respond(w, m, err)
}

func (s *Server) systemMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.SystemMetrics(r.Context())
	respond(w, m, err)
}

// --- tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	f := store.TaskFilter{
		AssignedTo:  q.Get("assigned_to"),
		WorkflowID:  q.Get("workflow_id"),
		ExecutionID: q.Get("execution_id"),
	}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status := model.TaskStatus(strings.TrimSpace(st))
			if !status.Valid() {
				writeError(w, model.Validationf("invalid task status %q", status))
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	tasks, total, err := s.svc.ListTasks(r.Context(), f, p)
	if err != nil {
		writeError(w, err)
		return
	}
	listResult(w, tasks, total, p)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if !decodeBody(w, r, &t) {
		return
	}
	created, err := s.svc.CreateTask(r.Context(), &t)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonCreated(w, created)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTask(r.Context(), r.PathValue("id"))
	respond(w, t, err)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.AgentID == "" {
		writeError(w, model.Validationf("agent_id is required"))
		return
	}
	t, err := s.svc.AssignTask(r.Context(), r.PathValue("id"), body.AgentID)
	respond(w, t, err)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	t, err := s.svc.CancelTask(r.Context(), r.PathValue("id"), body.Reason)
	respond(w, t, err)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.RetryTask(r.Context(), r.PathValue("id"))
	respond(w, t, err)
}

type signalBody struct {
	AgentID   string           `json:"agent_id"`
	Progress  int              `json:"progress"`
	Message   string           `json:"message"`
	Result    model.TaskResult `json:"result"`
	Error     string           `json:"error"`
	Retryable *bool            `json:"retryable"`
}

func decodeSignal(w http.ResponseWriter, r *http.Request) (signalBody, bool) {
	var body signalBody
	if !decodeBody(w, r, &body) {
		return body, false
	}
	if body.AgentID == "" {
		writeError(w, model.Validationf("agent_id is required"))
		return body, false
	}
	return body, true
}

func (s *Server) ackTask(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSignal(w, r)
	if !ok {
		return
	}
	t, err := s.svc.AckTask(r.Context(), body.AgentID, r.PathValue("id"))
	respond(w, t, err)
}

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSignal(w, r)
	if !ok {
		return
	}
	t, err := s.svc.ReportProgress(r.Context(), body.AgentID, r.PathValue("id"), body.Progress, body.Message)
	respond(w, t, err)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSignal(w, r)
	if !ok {
		return
	}
	t, err := s.svc.CompleteTask(r.Context(), body.AgentID, r.PathValue("id"), body.Result)
	respond(w, t, err)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeSignal(w, r)
	if !ok {
		return
	}
	if body.Error != "" {
		body.Result.Error = body.Error
	}
	retryable := body.Retryable == nil || *body.Retryable
	t, err := s.svc.FailTask(r.Context(), body.AgentID, r.PathValue("id"), body.Result, retryable)
	respond(w, t, err)
}

// --- workflows ---

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := store.WorkflowFilter{Status: model.WorkflowStatus(r.URL.Query().Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, model.Validationf("invalid workflow status %q", f.Status))
		return
	}
	wfs, total, err := s.svc.ListWorkflows(r.Context(), f, p)
	if err != nil {
		writeError(w, err)
		return
	}
	listResult(w, wfs, total, p)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf model.Workflow
	if !decodeBody(w, r, &wf) {
		return
	}
	created, err := s.svc.CreateWorkflow(r.Context(), &wf)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonCreated(w, created)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.GetWorkflow(r.Context(), r.PathValue("id"))
	respond(w, wf, err)
}

func (s *Server) patchWorkflow(w http.ResponseWriter, r *http.Request) {
	var p control.WorkflowPatch
	if !decodeBody(w, r, &p) {
		return
	}
	wf, err := s.svc.PatchWorkflow(r.Context(), r.PathValue("id"), p)
	respond(w, wf, err)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteWorkflow(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	x, err := s.svc.ExecuteWorkflow(r.Context(), r.PathValue("id"), body.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonCreated(w, x)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	p, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f := store.ExecutionFilter{
		WorkflowID: r.PathValue("id"),
		Status:     model.ExecutionStatus(r.URL.Query().Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, model.Validationf("invalid execution status %q", f.Status))
		return
	}
	execs, total, err := s.svc.ListExecutions(r.Context(), f, p)
	if err != nil {
		writeError(w, err)
		return
	}
	listResult(w, execs, total, p)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	x, err := s.svc.GetExecution(r.Context(), r.PathValue("id"))
	respond(w, x, err)
}

// fireWebhook takes the request body as the execution input.
func (s *Server) fireWebhook(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if !decodeOptionalBody(w, r, &input) {
		return
	}
	x, err := s.svc.FireWebhook(r.Context(), r.PathValue("id"), r.Header.Get("X-Webhook-Token"), input)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonCreated(w, x)
}

// --- system ---

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.SystemMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"websocket_clients": s.hub.Clients(),
		"metrics":           m,
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

// --- helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, v)
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch control.ErrorCode(err) {
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "capacity":
		return http.StatusServiceUnavailable
	case "agent_failure":
		return http.StatusBadGateway
	case "forbidden":
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": control.ErrorCode(err)})
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
