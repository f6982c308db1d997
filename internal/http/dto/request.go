package dto

import "time"

type CreateRequestRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	ChannelType string `json:"channel_type" binding:"required"`
	AgentID     string `json:"agent_id"`
	Content     string `json:"content" binding:"required"`
	TimeoutMs   int64  `json:"timeout_ms"`
	Async       bool   `json:"async"`
}

type RequestResponse struct {
	Status           string  `json:"status"`
	RequestID        string  `json:"request_id"`
	SessionID        string  `json:"session_id"`
	Content          string  `json:"content,omitempty"`
	Error            *string `json:"error,omitempty"`
	ProcessingTimeMs int64   `json:"processing_time_ms,omitempty"`
}

type RequestLogResponse struct {
	RequestID        string     `json:"request_id"`
	SessionID        string     `json:"session_id"`
	ResponseContent  *string    `json:"response_content,omitempty"`
	AgentID          *string    `json:"agent_id,omitempty"`
	ProcessingTimeMs *int64     `json:"processing_time_ms,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
