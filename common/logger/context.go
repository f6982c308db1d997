package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, enabling zero-touch logging where business
// context (request_id, session_id, etc.) is automatically included in all log statements.
type LogFields struct {
	RequestID *string // Dispatch request ID
	SessionID *string // Conversation session ID
	EventID   *string // CloudEvent ID being processed
	UserID    *string // End-user identifier
	Channel   *string // Channel type (e.g., "SLACK", "EMAIL")
	Component string  // Component name (OTel semantic convention style, e.g., "dispatch.bridge")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.RequestID != nil {
		result.RequestID = next.RequestID
	}
	if next.SessionID != nil {
		result.SessionID = next.SessionID
	}
	if next.EventID != nil {
		result.EventID = next.EventID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.Channel != nil {
		result.Channel = next.Channel
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}
