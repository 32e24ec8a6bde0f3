package model

import (
	"strings"
	"time"
)

type AgentType string

const (
	AgentOrchestrator AgentType = "orchestrator"
	AgentWorker       AgentType = "worker"
	AgentMonitor      AgentType = "monitor"
	AgentAnalyzer     AgentType = "analyzer"
	AgentExecutor     AgentType = "executor"
	AgentValidator    AgentType = "validator"
)

func (t AgentType) Valid() bool {
	switch t {
	case AgentOrchestrator, AgentWorker, AgentMonitor, AgentAnalyzer, AgentExecutor, AgentValidator:
		return true
	}
	return false
}

// Capability is the implicit capability every agent of this type carries.
// Workflow steps that require an agent type are matched through it.
func (t AgentType) Capability() string {
	return "agent-type:" + string(t)
}

type AgentStatus string

const (
	AgentIdle        AgentStatus = "idle"
	AgentBusy        AgentStatus = "busy"
	AgentOffline     AgentStatus = "offline"
	AgentError       AgentStatus = "error"
	AgentMaintenance AgentStatus = "maintenance"
)

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentBusy, AgentOffline, AgentError, AgentMaintenance:
		return true
	}
	return false
}

// Running reports whether the agent is up and able to hold tasks.
func (s AgentStatus) Running() bool {
	return s == AgentIdle || s == AgentBusy
}

var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentOffline:     {AgentIdle, AgentMaintenance},
	AgentIdle:        {AgentBusy, AgentOffline, AgentError, AgentMaintenance},
	AgentBusy:        {AgentIdle, AgentOffline, AgentError},
	AgentError:       {AgentOffline, AgentMaintenance},
	AgentMaintenance: {AgentIdle, AgentOffline},
}

// CanTransitionAgent reports whether an agent may move from one status to
// another. Staying in the same status is always allowed.
func CanTransitionAgent(from, to AgentStatus) bool {
	if from == to {
		return true
	}
	for _, s := range agentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type RetryPolicy struct {
	MaxRetries int   `json:"max_retries"`
	BackoffMs  int64 `json:"backoff_ms,omitempty"`
}

type ResourceLimits struct {
	CPU      float64 `json:"cpu,omitempty"`
	MemoryMB int64   `json:"memory_mb,omitempty"`
	DiskMB   int64   `json:"disk_mb,omitempty"`
}

// Fits reports whether a request stays within the limits. Zero limits are
// unbounded.
func (l ResourceLimits) Fits(req ResourceLimits) bool {
	if l.CPU > 0 && req.CPU > l.CPU {
		return false
	}
	if l.MemoryMB > 0 && req.MemoryMB > l.MemoryMB {
		return false
	}
	if l.DiskMB > 0 && req.DiskMB > l.DiskMB {
		return false
	}
	return true
}

type AgentConfig struct {
	MaxConcurrentTasks int            `json:"max_concurrent_tasks"`
	TimeoutMs          int64          `json:"timeout_ms,omitempty"`
	RetryPolicy        RetryPolicy    `json:"retry_policy"`
	ResourceLimits     ResourceLimits `json:"resource_limits"`
	Permissions        []string       `json:"permissions,omitempty"`
}

type AgentMetadata struct {
	Version string            `json:"version,omitempty"`
	Host    string            `json:"host,omitempty"`
	Port    int               `json:"port,omitempty"`
	Region  string            `json:"region,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

type Agent struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Type          AgentType     `json:"type"`
	Status        AgentStatus   `json:"status"`
	Capabilities  []string      `json:"capabilities"`
	Config        AgentConfig   `json:"config"`
	Metadata      AgentMetadata `json:"metadata"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
	Revision      int64         `json:"revision"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Normalize fills defaults and canonicalizes set-valued fields.
func (a *Agent) Normalize() {
	a.Name = strings.TrimSpace(a.Name)
	if a.Status == "" {
		a.Status = AgentOffline
	}
	if a.Config.MaxConcurrentTasks == 0 {
		a.Config.MaxConcurrentTasks = 1
	}
	a.Capabilities = NormalizeSet(a.Capabilities)
	a.Config.Permissions = NormalizeSet(a.Config.Permissions)
}

func (a *Agent) Validate() error {
	if a.ID == "" {
		return Validationf("agent id is required")
	}
	if a.Name == "" {
		return Validationf("agent name is required")
	}
	if !a.Type.Valid() {
		return Validationf("invalid agent type %q", a.Type)
	}
	if !a.Status.Valid() {
		return Validationf("invalid agent status %q", a.Status)
	}
	if a.Config.MaxConcurrentTasks < 1 {
		return Validationf("max_concurrent_tasks must be at least 1")
	}
	if a.Config.TimeoutMs < 0 {
		return Validationf("timeout_ms must not be negative")
	}
	if a.Config.RetryPolicy.MaxRetries < 0 {
		return Validationf("retry_policy.max_retries must not be negative")
	}
	if a.Metadata.Port < 0 || a.Metadata.Port > 65535 {
		return Validationf("invalid metadata port %d", a.Metadata.Port)
	}
	return nil
}

// EffectiveCapabilities is the declared capability set plus the implicit
// agent-type capability.
func (a *Agent) EffectiveCapabilities() []string {
	out := make([]string, 0, len(a.Capabilities)+1)
	out = append(out, a.Capabilities...)
	return NormalizeSet(append(out, a.Type.Capability()))
}

// NormalizeSet trims, drops empties and removes duplicates while
// keeping first-seen order.
func NormalizeSet(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// HasCapabilities reports whether have is a superset of need.
func HasCapabilities(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range need {
		if !set[c] {
			return false
		}
	}
	return true
}
