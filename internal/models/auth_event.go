package models

import "time"

const (
	FlowLogin     = "login"
	FlowEnroll    = "enroll"
	FlowEmergency = "emergency"
	FlowRevoke    = "revoke"
)

// AuthEvent is the internal record of one auth decision. It carries the
// internal reason and scores, so it is only ever written to internal sinks.
type AuthEvent struct {
	EventID     string    `json:"event_id"`
	EventBucket int       `json:"event_bucket"`
	Flow        string    `json:"flow"`
	EmployeeID  string    `json:"employee_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Similarity  float64   `json:"similarity,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	OccurredAt  time.Time `json:"occurred_at"`
}
