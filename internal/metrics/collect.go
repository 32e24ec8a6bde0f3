package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/orkestra/internal/model"
	"github.com/mtzanidakis/orkestra/internal/store"
)

// SystemMetrics is a point-in-time summary of the whole system.
type SystemMetrics struct {
	Agents            int                       `json:"agents"`
	AgentsByStatus    map[model.AgentStatus]int `json:"agents_by_status"`
	Tasks             int                       `json:"tasks"`
	TasksByStatus     map[model.TaskStatus]int  `json:"tasks_by_status"`
	Workflows         int                       `json:"workflows"`
	ExecutionsRunning int                       `json:"executions_running"`
	Capacity          int                       `json:"capacity"`
	ActiveTasks       int                       `json:"active_tasks"`
	Utilization       float64                   `json:"utilization"`
	Timestamp         time.Time                 `json:"timestamp"`
}

// AgentStats summarizes one agent's workload and history.
type AgentStats struct {
	AgentID        string            `json:"agent_id"`
	Status         model.AgentStatus `json:"status"`
	ActiveTasks    int               `json:"active_tasks"`
	Capacity       int               `json:"capacity"`
	Completed      int               `json:"completed"`
	Failed         int               `json:"failed"`
	Cancelled      int               `json:"cancelled"`
	SuccessRate    float64           `json:"success_rate"`
	AvgExecutionMs float64           `json:"avg_execution_ms"`
	LastHeartbeat  *time.Time        `json:"last_heartbeat,omitempty"`
}

// Collect builds a SystemMetrics snapshot from the store.
func Collect(ctx context.Context, s *store.Store) (*SystemMetrics, error) {
	agents, _, err := s.ListAgents(ctx, store.AgentFilter{}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	tasks, _, err := s.ListTasks(ctx, store.TaskFilter{}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	_, workflows, err := s.ListWorkflows(ctx, store.WorkflowFilter{}, store.Page{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	_, running, err := s.ListExecutions(ctx, store.ExecutionFilter{Status: model.ExecutionStarted}, store.Page{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}

	m := &SystemMetrics{
		Agents:            len(agents),
		AgentsByStatus:    make(map[model.AgentStatus]int),
		Tasks:             len(tasks),
		TasksByStatus:     make(map[model.TaskStatus]int),
		Workflows:         workflows,
		ExecutionsRunning: running,
		Timestamp:         time.Now().UTC(),
	}
	for _, a := range agents {
		m.AgentsByStatus[a.Status]++
		if a.Status.Running() {
			m.Capacity += a.Config.MaxConcurrentTasks
		}
	}
	for _, t := range tasks {
		m.TasksByStatus[t.Status]++
		if t.Status.Active() {
			m.ActiveTasks++
		}
	}
	if m.Capacity > 0 {
		m.Utilization = float64(m.ActiveTasks) / float64(m.Capacity)
	}
	return m, nil
}

// CollectAgent builds AgentStats for one agent.
func CollectAgent(ctx context.Context, s *store.Store, agentID string) (*AgentStats, error) {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	tasks, _, err := s.ListTasks(ctx, store.TaskFilter{AssignedTo: agentID}, store.Page{})
	if err != nil {
		return nil, fmt.Errorf("list agent tasks: %w", err)
	}

	st := &AgentStats{
		AgentID:       a.ID,
		Status:        a.Status,
		Capacity:      a.Config.MaxConcurrentTasks,
		LastHeartbeat: a.LastHeartbeat,
	}
	var (
		timed   int
		totalMs int64
	)
	for _, t := range tasks {
		switch t.Status {
		case model.TaskAssigned, model.TaskInProgress:
			st.ActiveTasks++
		case model.TaskCompleted:
			st.Completed++
		case model.TaskFailed:
			st.Failed++
		case model.TaskCancelled:
			st.Cancelled++
		}
		if t.Result != nil && t.Result.ExecutionTimeMs > 0 {
			timed++
			totalMs += t.Result.ExecutionTimeMs
		}
	}
	if finished := st.Completed + st.Failed; finished > 0 {
		st.SuccessRate = float64(st.Completed) / float64(finished)
	}
	if timed > 0 {
		st.AvgExecutionMs = float64(totalMs) / float64(timed)
	}
	return st, nil
}
