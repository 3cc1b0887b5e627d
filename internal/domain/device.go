package domain

import "time"

// DeviceInventoryRecord is the merged view of one device: stream-side and
// API-side signals plus the derived health score. One row per device, keyed
// by DeviceID. The core never deletes records.
type DeviceInventoryRecord struct {
	DeviceID    string
	DisplayName string

	LastSeenViaAPI    *time.Time
	LastSeenViaStream *time.Time
	ActiveViaAPI      bool
	ActiveViaStream   bool

	LocationSampleCount   int
	LastExceptionCategory string

	HealthScore int // invariant: 0 <= HealthScore <= 100

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DevicePatch is a partial inventory update. Nil fields are left untouched
// by the upsert; set fields win last-write per field.
type DevicePatch struct {
	DeviceID string

	DisplayName *string

	LastSeenViaAPI    *time.Time
	LastSeenViaStream *time.Time
	ActiveViaAPI      *bool
	ActiveViaStream   *bool

	LocationSampleCount   *int
	LastExceptionCategory *string

	HealthScore *int
}
