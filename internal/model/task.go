package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Priority int

const (
	PriorityLow      Priority = 1
	PriorityMedium   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a priority name or its numeric rank.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Priority(n).Valid() {
		return Priority(n), nil
	}
	return 0, Validationf("invalid priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return json.Marshal(int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a name or a number: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// Active reports whether the task occupies an agent slot.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskInProgress
}

// Terminal reports whether the task has stopped running. Failed tasks are
// terminal but may still be retried.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskPending, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled, TaskPending},
	TaskFailed:     {TaskPending},
}

// CanTransitionTask reports whether a task may move between statuses.
// Completed and cancelled are final; failed only re-enters pending on retry.
func CanTransitionTask(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Requirements struct {
	Capabilities []string       `json:"capabilities"`
	Resources    ResourceLimits `json:"resources"`
	Dependencies []string       `json:"dependencies"`
}

type TaskResult struct {
	Success         bool               `json:"success"`
	Data            map[string]any     `json:"data,omitempty"`
	Error           string             `json:"error,omitempty"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	ResourceUsage   map[string]float64 `json:"resource_usage,omitempty"`
}

type Task struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         string          `json:"type"`
	Priority     Priority        `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Requirements Requirements    `json:"requirements"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	Status       TaskStatus      `json:"status"`
	Result       *TaskResult     `json:"result,omitempty"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message,omitempty"`

	// Attempt counts executions, starting at 1. Fatal marks a failure that
	// can no longer be retried.
	Attempt    int  `json:"attempt"`
	MaxRetries int  `json:"max_retries"`
	Fatal      bool `json:"fatal,omitempty"`

	WorkflowID  string `json:"workflow_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`

	Revision    int64      `json:"revision"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t *Task) Normalize() {
	t.Name = strings.TrimSpace(t.Name)
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == 0 {
		t.Priority = PriorityMedium
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	t.Requirements.Capabilities = NormalizeSet(t.Requirements.Capabilities)
	t.Requirements.Dependencies = NormalizeSet(t.Requirements.Dependencies)
}

func (t *Task) Validate() error {
	if t.ID == "" {
		return Validationf("task id is required")
	}
	if t.Name == "" {
		return Validationf("task name is required")
	}
	if !t.Priority.Valid() {
		return Validationf("invalid priority %d", t.Priority)
	}
	if !t.Status.Valid() {
		return Validationf("invalid task status %q", t.Status)
	}
	if t.MaxRetries < 0 {
		return Validationf("max_retries must not be negative")
	}
	if t.Progress < 0 || t.Progress > 100 {
		return Validationf("progress must be between 0 and 100")
	}
	if t.Status.Active() && t.AssignedTo == "" {
		return Validationf("task in status %s must name its agent", t.Status)
	}
	for _, dep := range t.Requirements.Dependencies {
		if dep == t.ID {
			return Validationf("task %s depends on itself", t.ID)
		}
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return Validationf("payload must be valid JSON")
	}
	return nil
}

// Settled reports whether nothing more will happen to the task: it completed,
// was cancelled or failed with no retries left.
func (t *Task) Settled() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled || (t.Status == TaskFailed && t.Fatal)
}

// RetriesLeft reports whether another attempt is allowed.
func (t *Task) RetriesLeft() bool {
	return t.Attempt <= t.MaxRetries
}

// Less orders tasks for dispatch: priority descending, then creation time,
// then id.
func (t *Task) Less(o *Task) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if !t.CreatedAt.Equal(o.CreatedAt) {
		return t.CreatedAt.Before(o.CreatedAt)
	}
	return t.ID < o.ID
}
