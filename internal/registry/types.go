package registry

import "time"

// DeviceSummary is one entry of the registry's device list.
type DeviceSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// DeviceDetail is the registry's full view of one device.
type DeviceDetail struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Active         bool       `json:"active"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
}

// LocationSample is one recent position report held by the registry.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Address    string    `json:"address,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
