package model

// DeliveryRequest asks a channel integration to carry a response back to the
// originating channel. Integration-specific formatting and transport live in
// the handlers consuming these.
type DeliveryRequest struct {
	RequestID   string      `json:"request_id"`
	SessionID   string      `json:"session_id"`
	ChannelType ChannelType `json:"channel_type"`
	Recipient   string      `json:"recipient"`
	Content     string      `json:"content"`
	Attempt     int         `json:"attempt"`
}
