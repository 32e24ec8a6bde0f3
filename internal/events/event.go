package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/orkestra/internal/natsbus"
)

// Type is the closed set of event names published on the bus.
type Type string

const (
	AgentConnected     Type = "agent:connected"
	AgentDisconnected  Type = "agent:disconnected"
	AgentStatusChanged Type = "agent:status_changed"
	TaskCreated        Type = "task:created"
	TaskAssigned       Type = "task:assigned"
	TaskCompleted      Type = "task:completed"
	TaskFailed         Type = "task:failed"
	WorkflowStarted    Type = "workflow:started"
	WorkflowCompleted  Type = "workflow:completed"
	MetricsUpdate      Type = "metrics:update"
)

var allTypes = []Type{
	AgentConnected, AgentDisconnected, AgentStatusChanged,
	TaskCreated, TaskAssigned, TaskCompleted, TaskFailed,
	WorkflowStarted, WorkflowCompleted,
	MetricsUpdate,
}

func Types() []Type {
	return append([]Type(nil), allTypes...)
}

func (t Type) Valid() bool {
	for _, v := range allTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Entity returns the entity family of the event: agent, task, workflow or
// metrics.
func (t Type) Entity() string {
	family, _, _ := strings.Cut(string(t), ":")
	return family
}

// Event is an immutable snapshot of one state transition.
type Event struct {
	Type      Type            `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	EntityID  string          `json:"entity_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
}

// New snapshots data into an event. entityID names the agent, task or
// workflow the event is about; agentID is set whenever an agent is involved.
func New(t Type, entityID, agentID string, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	return Event{
		Type:      t,
		Data:      raw,
		Timestamp: time.Now().UTC(),
		EntityID:  entityID,
		AgentID:   agentID,
	}
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Subject is the NATS subject the event is published on.
func (e Event) Subject() string {
	switch e.Type.Entity() {
	case "agent":
		_, kind, _ := strings.Cut(string(e.Type), ":")
		return natsbus.TopicEventsAgent(e.EntityID, kind)
	case "task":
		return natsbus.TopicEventsTask(e.EntityID)
	case "workflow":
		return natsbus.TopicEventsWorkflow(e.EntityID)
	}
	return natsbus.TopicEventsMetric
}
