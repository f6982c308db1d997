package model

import (
	"encoding/json"
	"time"
)

// CloudEvent is the structured envelope carrying one unit of work or
// notification between services. The broker may duplicate or reorder
// deliveries; receivers deduplicate via the processed-event claim.
type CloudEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Time        time.Time       `json:"time"`
	Data        json.RawMessage `json:"data"`
}

const (
	EventTypeAgentRequest  = "dispatch.agent.request"
	EventTypeAgentResponse = "dispatch.agent.response"

	SpecVersion = "1.0"
)

// AgentRequestData is the payload of an outbound agent-request event.
type AgentRequestData struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
}

// AgentResponseData is the payload of an inbound agent-response event.
type AgentResponseData struct {
	RequestID        string  `json:"request_id"`
	SessionID        string  `json:"session_id"`
	AgentID          string  `json:"agent_id"`
	Content          string  `json:"content"`
	Error            *string `json:"error,omitempty"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// ProcessedEvent is the append-only claim/audit record that guarantees
// at-most-one processing of each inbound event across replicas.
type ProcessedEvent struct {
	ID          int64      `json:"id"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	EventSource string     `json:"event_source"`
	RequestID   *string    `json:"request_id,omitempty"`
	SessionID   *string    `json:"session_id,omitempty"`
	ProcessedBy string     `json:"processed_by"`
	Result      *string    `json:"processing_result,omitempty"`
	Error       *string    `json:"error_message,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Processing results recorded on the claim row.
const (
	ProcessingResultSuccess = "success"
	ProcessingResultError   = "error"
	ProcessingResultSkipped = "skipped"
)
