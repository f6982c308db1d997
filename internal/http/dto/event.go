package dto

import (
	"encoding/json"
	"time"
)

// IngestEventRequest is the inbound CloudEvent envelope. Type and source are
// mandatory; requests missing them are rejected with 400.
type IngestEventRequest struct {
	ID          string          `json:"id" binding:"required"`
	Type        string          `json:"type" binding:"required"`
	Source      string          `json:"source" binding:"required"`
	SpecVersion string          `json:"specversion"`
	Time        time.Time       `json:"time"`
	Data        json.RawMessage `json:"data"`
}

type IngestEventResponse struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	EventID string `json:"event_id"`
}
