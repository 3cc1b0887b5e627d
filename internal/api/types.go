package api

import (
	"encoding/json"
	"time"
)

type DeviceResponse struct {
	DeviceID              string `json:"device_id"`
	DisplayName           string `json:"display_name,omitempty"`
	LastSeenViaAPI        string `json:"last_seen_via_api,omitempty"`
	LastSeenViaStream     string `json:"last_seen_via_stream,omitempty"`
	ActiveViaAPI          bool   `json:"active_via_api"`
	ActiveViaStream       bool   `json:"active_via_stream"`
	LocationSampleCount   int    `json:"location_sample_count"`
	LastExceptionCategory string `json:"last_exception_category,omitempty"`
	HealthScore           int    `json:"health_score"`
	UpdatedAt             string `json:"updated_at"`
}

type CorrelationResponse struct {
	ID            string          `json:"id"`
	DeviceID      string          `json:"device_id"`
	Trigger       string          `json:"trigger"`
	SourceEventID string          `json:"source_event_id,omitempty"`
	APISnapshot   json.RawMessage `json:"api_snapshot,omitempty"`
	APIStatus     string          `json:"api_status"`
	Result        string          `json:"result"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     string          `json:"created_at"`
}

type ListInventoryResponse struct {
	Devices []DeviceResponse `json:"devices"`
}

type ListCorrelationsResponse struct {
	Correlations []CorrelationResponse `json:"correlations"`
}

type SyncResponse struct {
	Devices int `json:"devices"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
