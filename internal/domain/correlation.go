package domain

import (
	"time"

	"github.com/google/uuid"
)

type Trigger string

const (
	TriggerEvent     Trigger = "event"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type APIStatus string

const (
	APIStatusSuccess APIStatus = "success"
	APIStatusError   APIStatus = "error"
	APIStatusNoCall  APIStatus = "no_call"
)

type Result string

const (
	ResultConfirmed  Result = "confirmed"
	ResultConflicted Result = "conflicted"
	ResultNoData     Result = "no_data"
)

// CorrelationLogEntry is the append-only audit record for one correlation
// decision. It is the system of record for why the registry API was or was
// not called. Never mutated after insert.
type CorrelationLogEntry struct {
	ID       uuid.UUID
	DeviceID string

	Trigger       Trigger
	SourceEventID string // back-reference to the triggering stream event, non-owning

	APISnapshot []byte // opaque registry payload or error descriptor, JSON
	APIStatus   APIStatus
	Result      Result

	Notes string // human-readable decision summary

	CreatedAt time.Time
}

// CorrelationFilter narrows read-side correlation log queries.
type CorrelationFilter struct {
	DeviceID string // exact match, empty = all devices
	Search   string // case-insensitive substring over notes/result/status

	Limit  int
	Offset int
}
