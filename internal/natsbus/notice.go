package natsbus

// Notice kinds sent on agent.<id>.control.
const (
	NoticeCancel   = "cancel"
	NoticeRollback = "rollback"
)

// Notice is an out-of-band instruction to an agent about a task it holds
// or has finished.
type Notice struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// SendNotice publishes n on the agent's control subject.
func (c *Client) SendNotice(agentID string, n Notice) error {
	return c.PublishJSON(TopicAgentControl(agentID), n)
}
