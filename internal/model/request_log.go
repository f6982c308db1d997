package model

import "time"

// RequestLog is the durable source of truth for request completion. The
// response bridge polls it when the response event lands on another replica;
// presence of CompletedAt marks completion.
type RequestLog struct {
	ID               int64      `json:"id"`
	RequestID        string     `json:"request_id"`
	SessionID        string     `json:"session_id"`
	ResponseContent  *string    `json:"response_content,omitempty"`
	AgentID          *string    `json:"agent_id,omitempty"`
	ProcessingTimeMs *int64     `json:"processing_time_ms,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (r *RequestLog) Completed() bool {
	return r.CompletedAt != nil
}
