package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/birbparty/fmdapi/dataapi"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a record is not mirrored
var ErrNotFound = errors.New("record not mirrored")

// Record is one mirrored row
type Record struct {
	Database   string
	Layout     string
	RecordID   string
	ModID      string
	FieldData  map[string]interface{}
	PortalData map[string][]map[string]interface{}
	SyncedAt   time.Time
}

// FromDataAPI converts a fetched record
func FromDataAPI(database, layout string, r dataapi.Record) *Record {
	return &Record{
		Database:   database,
		Layout:     layout,
		RecordID:   r.RecordID,
		ModID:      r.ModID,
		FieldData:  r.FieldData,
		PortalData: r.PortalData,
	}
}

// RecordRepository reads and writes mirrored records
type RecordRepository struct {
	db *DB
}

// NewRecordRepository creates a repository over db
func NewRecordRepository(db *DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Upsert stores rec. A row whose modId already matches is left alone;
// the result reports whether anything was written.
func (r *RecordRepository) Upsert(ctx context.Context, rec *Record) (bool, error) {
	fields, err := marshalObject(rec.FieldData)
	if err != nil {
		return false, fmt.Errorf("failed to encode field data: %w", err)
	}
	portals, err := marshalObject(rec.PortalData)
	if err != nil {
		return false, fmt.Errorf("failed to encode portal data: %w", err)
	}

	query := `
		INSERT INTO fm_records (database_name, layout, record_id, mod_id, field_data, portal_data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (database_name, layout, record_id) DO UPDATE SET
			mod_id = EXCLUDED.mod_id,
			field_data = EXCLUDED.field_data,
			portal_data = EXCLUDED.portal_data,
			synced_at = CURRENT_TIMESTAMP
		WHERE fm_records.mod_id IS DISTINCT FROM EXCLUDED.mod_id
	`
	tag, err := r.db.Exec(ctx, query, rec.Database, rec.Layout, rec.RecordID, rec.ModID, fields, portals)
	if err != nil {
		return false, fmt.Errorf("failed to upsert record %s: %w", rec.RecordID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Get returns one mirrored record
func (r *RecordRepository) Get(ctx context.Context, database, layout, recordID string) (*Record, error) {
	query := `
		SELECT database_name, layout, record_id, mod_id, field_data, portal_data, synced_at
		FROM fm_records
		WHERE database_name = $1 AND layout = $2 AND record_id = $3
	`
	var rec Record
	var fields, portals []byte
	err := r.db.QueryRow(ctx, query, database, layout, recordID).Scan(
		&rec.Database,
		&rec.Layout,
		&rec.RecordID,
		&rec.ModID,
		&fields,
		&portals,
		&rec.SyncedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if err := json.Unmarshal(fields, &rec.FieldData); err != nil {
		return nil, fmt.Errorf("corrupt field data for record %s: %w", recordID, err)
	}
	if err := json.Unmarshal(portals, &rec.PortalData); err != nil {
		return nil, fmt.Errorf("corrupt portal data for record %s: %w", recordID, err)
	}
	return &rec, nil
}

// Delete removes a mirrored record. A record that is not mirrored is not
// an error; the result reports whether a row was removed.
func (r *RecordRepository) Delete(ctx context.Context, database, layout, recordID string) (bool, error) {
	query := `DELETE FROM fm_records WHERE database_name = $1 AND layout = $2 AND record_id = $3`
	tag, err := r.db.Exec(ctx, query, database, layout, recordID)
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", recordID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Count returns the number of mirrored records of a layout
func (r *RecordRepository) Count(ctx context.Context, database, layout string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM fm_records WHERE database_name = $1 AND layout = $2`,
		database, layout,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// RecordIDs returns the mirrored record ids of a layout
func (r *RecordRepository) RecordIDs(ctx context.Context, database, layout string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT record_id FROM fm_records WHERE database_name = $1 AND layout = $2 ORDER BY record_id`,
		database, layout,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan record ids: %w", err)
	}
	return ids, nil
}

// LayoutSummary counts the mirrored records of one layout
type LayoutSummary struct {
	Layout     string
	Count      int64
	LastSynced time.Time
}

// Layouts summarizes every mirrored layout of a database
func (r *RecordRepository) Layouts(ctx context.Context, database string) ([]LayoutSummary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT layout, COUNT(*), MAX(synced_at) FROM fm_records
		 WHERE database_name = $1 GROUP BY layout ORDER BY layout`,
		database,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize layouts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LayoutSummary, error) {
		var s LayoutSummary
		err := row.Scan(&s.Layout, &s.Count, &s.LastSynced)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan layouts: %w", err)
	}
	return out, nil
}

// DeleteMissing removes the mirrored records of a layout whose ids are not
// in keep and returns how many were removed
func (r *RecordRepository) DeleteMissing(ctx context.Context, database, layout string, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM fm_records WHERE database_name = $1 AND layout = $2 AND NOT (record_id = ANY($3))`,
		database, layout, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// marshalObject encodes v as a JSON object, mapping nil to {}
func marshalObject(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte("{}"), nil
	}
	return data, nil
}
