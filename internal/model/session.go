package model

import "time"

type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "ACTIVE"
	SessionStatusInactive SessionStatus = "INACTIVE"
	SessionStatusExpired  SessionStatus = "EXPIRED"
	SessionStatusArchived SessionStatus = "ARCHIVED"
)

type ChannelType string

const (
	ChannelSlack   ChannelType = "SLACK"
	ChannelEmail   ChannelType = "EMAIL"
	ChannelWebhook ChannelType = "WEBHOOK"
)

// Session is the shared conversation state mutated by concurrent writers.
// Every mutation increments Version; updates with a stale expected version
// affect zero rows. At most one ACTIVE session exists per (user, channel),
// enforced by a partial unique index.
type Session struct {
	ID             string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	ChannelType    ChannelType    `json:"channel_type"`
	Status         SessionStatus  `json:"status"`
	CurrentAgentID *string        `json:"current_agent_id,omitempty"`
	Version        int64          `json:"version"`
	TotalRequests  int64          `json:"total_requests"`
	LastRequestAt  *time.Time     `json:"last_request_at,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SessionUpdate carries the mutable fields of a session. Nil fields are left
// unchanged.
type SessionUpdate struct {
	Status         *SessionStatus
	CurrentAgentID *string
	Context        map[string]any
}
