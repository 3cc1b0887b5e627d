package postgres

// Expected schema:
//
//	CREATE TABLE devices (
//	    device_id               TEXT PRIMARY KEY,
//	    display_name            TEXT,
//	    last_seen_via_api       TIMESTAMPTZ,
//	    last_seen_via_stream    TIMESTAMPTZ,
//	    active_via_api          BOOLEAN NOT NULL DEFAULT FALSE,
//	    active_via_stream       BOOLEAN NOT NULL DEFAULT FALSE,
//	    location_sample_count   INTEGER NOT NULL DEFAULT 0,
//	    last_exception_category TEXT,
//	    health_score            INTEGER NOT NULL DEFAULT 100,
//	    created_at              TIMESTAMPTZ NOT NULL,
//	    updated_at              TIMESTAMPTZ NOT NULL
//	);
//
//	CREATE TABLE correlation_log (
//	    id              UUID PRIMARY KEY,
//	    device_id       TEXT NOT NULL,
//	    trigger         TEXT NOT NULL,
//	    source_event_id TEXT,
//	    api_snapshot    JSONB,
//	    api_status      TEXT NOT NULL,
//	    result          TEXT NOT NULL,
//	    notes           TEXT NOT NULL DEFAULT '',
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX correlation_log_device_created_idx
//	    ON correlation_log (device_id, created_at DESC);

const queryUpsertDevice = `
INSERT INTO devices (
    device_id, display_name, last_seen_via_api, last_seen_via_stream,
    active_via_api, active_via_stream, location_sample_count,
    last_exception_category, health_score, created_at, updated_at
)
VALUES (
    $1, $2, $3, $4,
    COALESCE($5, FALSE), COALESCE($6, FALSE), COALESCE($7, 0),
    $8, COALESCE($9, 100), $10, $10
)
ON CONFLICT (device_id) DO UPDATE SET
    display_name            = COALESCE($2, devices.display_name),
    last_seen_via_api       = COALESCE($3, devices.last_seen_via_api),
    last_seen_via_stream    = COALESCE($4, devices.last_seen_via_stream),
    active_via_api          = COALESCE($5, devices.active_via_api),
    active_via_stream       = COALESCE($6, devices.active_via_stream),
    location_sample_count   = COALESCE($7, devices.location_sample_count),
    last_exception_category = COALESCE($8, devices.last_exception_category),
    health_score            = COALESCE($9, devices.health_score),
    updated_at              = $10
`

const queryInsertCorrelation = `
INSERT INTO correlation_log (
    id, device_id, trigger, source_event_id,
    api_snapshot, api_status, result, notes, created_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryListInventory = `
SELECT
    device_id, display_name, last_seen_via_api, last_seen_via_stream,
    active_via_api, active_via_stream, location_sample_count,
    last_exception_category, health_score, created_at, updated_at
FROM devices
ORDER BY updated_at DESC
LIMIT $1 OFFSET $2
`

const queryListCorrelations = `
SELECT
    id, device_id, trigger, source_event_id,
    api_snapshot, api_status, result, notes, created_at
FROM correlation_log
WHERE ($1 = '' OR device_id = $1)
  AND ($2 = ''
       OR notes ILIKE '%' || $2 || '%'
       OR result ILIKE '%' || $2 || '%'
       OR api_status ILIKE '%' || $2 || '%')
ORDER BY created_at DESC
LIMIT $3 OFFSET $4
`

const queryListDeviceIDs = `
SELECT device_id FROM devices ORDER BY device_id
`
