// Package postgres persists the device inventory and the append-only
// correlation log.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/avelio/fleetwatch/internal/domain"
)

// Store implements the correlator, sync, and api store contracts on
// PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. opTimeout bounds every single operation; 0 means no
// bound beyond the caller's context.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// UpsertDevice merges the patch into the device's row. Nil patch fields
// leave the stored value untouched; set fields win last-write per field.
// Inserting and updating share one statement, so first discovery via any
// path creates the row.
func (s *Store) UpsertDevice(ctx context.Context, patch domain.DevicePatch) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, queryUpsertDevice,
		patch.DeviceID,
		patch.DisplayName,
		patch.LastSeenViaAPI,
		patch.LastSeenViaStream,
		patch.ActiveViaAPI,
		patch.ActiveViaStream,
		patch.LocationSampleCount,
		patch.LastExceptionCategory,
		patch.HealthScore,
		now,
	)
	return err
}

// AppendCorrelation inserts one audit entry. Entries are never updated or
// deleted by the core.
func (s *Store) AppendCorrelation(ctx context.Context, entry domain.CorrelationLogEntry) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var sourceEventID *string
	if entry.SourceEventID != "" {
		sourceEventID = &entry.SourceEventID
	}

	snapshot := entry.APISnapshot
	if len(snapshot) == 0 {
		snapshot = []byte("null")
	}

	_, err := s.db.ExecContext(ctx, queryInsertCorrelation,
		entry.ID,
		entry.DeviceID,
		string(entry.Trigger),
		sourceEventID,
		snapshot,
		string(entry.APIStatus),
		string(entry.Result),
		entry.Notes,
		entry.CreatedAt,
	)
	return err
}

// ListInventory returns devices ordered by most recent update, the read
// side consumed by dashboards.
func (s *Store) ListInventory(ctx context.Context, limit, offset int) ([]domain.DeviceInventoryRecord, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListInventory, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DeviceInventoryRecord
	for rows.Next() {
		var rec domain.DeviceInventoryRecord
		var displayName, category sql.NullString

		err := rows.Scan(
			&rec.DeviceID,
			&displayName,
			&rec.LastSeenViaAPI,
			&rec.LastSeenViaStream,
			&rec.ActiveViaAPI,
			&rec.ActiveViaStream,
			&rec.LocationSampleCount,
			&category,
			&rec.HealthScore,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		rec.DisplayName = displayName.String
		rec.LastExceptionCategory = category.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListRecentCorrelations returns audit entries newest-first, optionally
// narrowed to one device and a free-text search over notes/result/status.
func (s *Store) ListRecentCorrelations(ctx context.Context, filter domain.CorrelationFilter) ([]domain.CorrelationLogEntry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListCorrelations,
		filter.DeviceID, filter.Search, filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CorrelationLogEntry
	for rows.Next() {
		var entry domain.CorrelationLogEntry
		var sourceEventID sql.NullString

		err := rows.Scan(
			&entry.ID,
			&entry.DeviceID,
			&entry.Trigger,
			&sourceEventID,
			&entry.APISnapshot,
			&entry.APIStatus,
			&entry.Result,
			&entry.Notes,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entry.SourceEventID = sourceEventID.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ListDeviceIDs returns every inventoried device id; backs the known-set
// refresh.
func (s *Store) ListDeviceIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDeviceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
