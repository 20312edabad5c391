package models

import "time"

// InterruptReason classifies why a run paused for human input.
type InterruptReason string

const (
	InterruptClarification  InterruptReason = "clarification"
	InterruptHumanApproval  InterruptReason = "human_approval"
	InterruptUploadRequired InterruptReason = "upload_required"
	InterruptPolicyHold     InterruptReason = "policy_hold"
	InterruptErrorRecovery  InterruptReason = "error_recovery"
	InterruptPlanReview     InterruptReason = "plan_review"
	InterruptCustom         InterruptReason = "custom"
)

// InterruptPayload is the question presented to the human.
type InterruptPayload struct {
	Question  string   `json:"question"`
	Options   []string `json:"options,omitempty"`
	InputType string   `json:"input_type"`
	Context   any      `json:"context,omitempty"`
	Proposal  any      `json:"proposal,omitempty"`
}

// InterruptResponse records how a pending interrupt was answered.
type InterruptResponse struct {
	Answer        string         `json:"answer"`
	Modifications map[string]any `json:"modifications,omitempty"`
	RespondedAt   time.Time      `json:"responded_at"`
}

// PendingInterrupt is one durable clarification request. Only leader agents
// may create them; resolution is idempotent.
type PendingInterrupt struct {
	InterruptID string             `json:"interrupt_id"`
	ThreadID    string             `json:"thread_id"`
	RunID       string             `json:"run_id"`
	Reason      InterruptReason    `json:"reason"`
	Payload     InterruptPayload   `json:"payload"`
	AgentID     string             `json:"agent_id,omitempty"`
	AgentRole   AgentRole          `json:"agent_role"`
	CreatedAt   time.Time          `json:"created_at"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Response    *InterruptResponse `json:"response,omitempty"`
	Resolved    bool               `json:"resolved"`
}

// ResumePayload is handed back to the caller that resolves an interrupt, so
// a resumed run can read the answer.
type ResumePayload struct {
	InterruptID   string         `json:"interrupt_id"`
	ThreadID      string         `json:"thread_id"`
	RunID         string         `json:"run_id"`
	Answer        string         `json:"answer"`
	Modifications map[string]any `json:"modifications,omitempty"`
}
