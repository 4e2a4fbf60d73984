package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"alarmguard/internal/model"
)

const importColumns = `id, filename, file_hash, status, events_count, duplicates_count, unmatched_count,
	adapter_name, error_message, import_metadata, raw_payload, archive_path, archived_at, archive_status,
	support_path, support_hash, source_message_id, provider_id, profile_id, created_at, updated_at`

// CreateImport inserts rec as a new import and sets its id and timestamps.
func (q *Queries) CreateImport(ctx context.Context, rec *model.ImportRecord) error {
	if rec.Status == "" {
		rec.Status = model.ImportPending
	}
	if rec.ArchiveStatus == "" {
		rec.ArchiveStatus = "PENDING"
	}
	now := nowUTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	rec.RawPayload = truncatePayload(rec.RawPayload)
	err := q.queryRow(ctx,
		`INSERT INTO imports (filename, file_hash, status, events_count, duplicates_count, unmatched_count,
			adapter_name, error_message, import_metadata, raw_payload, archive_status, support_path, support_hash,
			source_message_id, provider_id, profile_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		rec.Filename,
		nullString(rec.FileHash),
		string(rec.Status),
		rec.EventsCount,
		rec.DuplicatesCount,
		rec.UnmatchedCount,
		nullString(rec.AdapterName),
		nullString(rec.ErrorMessage),
		encodeJSON(rec.Metadata),
		nullString(rec.RawPayload),
		rec.ArchiveStatus,
		nullString(rec.SupportPath),
		nullString(rec.SupportHash),
		nullString(rec.SourceMessageID),
		nullInt(rec.ProviderID),
		nullString(rec.ProfileID),
		q.ts(now),
		q.ts(now),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("create import: %w", err)
	}
	return nil
}

// UpdateImport persists the mutable fields of rec.
func (q *Queries) UpdateImport(ctx context.Context, rec *model.ImportRecord) error {
	rec.UpdatedAt = nowUTC()
	rec.RawPayload = truncatePayload(rec.RawPayload)
	_, err := q.exec(ctx,
		`UPDATE imports SET status = ?, events_count = ?, duplicates_count = ?, unmatched_count = ?,
			adapter_name = ?, error_message = ?, import_metadata = ?, raw_payload = ?, support_path = ?,
			support_hash = ?, source_message_id = ?, provider_id = ?, profile_id = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Status),
		rec.EventsCount,
		rec.DuplicatesCount,
		rec.UnmatchedCount,
		nullString(rec.AdapterName),
		nullString(rec.ErrorMessage),
		encodeJSON(rec.Metadata),
		nullString(rec.RawPayload),
		nullString(rec.SupportPath),
		nullString(rec.SupportHash),
		nullString(rec.SourceMessageID),
		nullInt(rec.ProviderID),
		nullString(rec.ProfileID),
		q.ts(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update import %d: %w", rec.ID, err)
	}
	return nil
}

// ForceImportError marks an import ERROR outside of any pipeline transaction.
func (q *Queries) ForceImportError(ctx context.Context, id int64, message string) error {
	_, err := q.exec(ctx,
		`UPDATE imports SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(model.ImportError), message, q.ts(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("force import %d to error: %w", id, err)
	}
	return nil
}

func (q *Queries) UpdateImportArchive(ctx context.Context, id int64, path, hash, status string, at time.Time) error {
	_, err := q.exec(ctx,
		`UPDATE imports SET archive_path = ?, file_hash = COALESCE(file_hash, ?), archived_at = ?, archive_status = ?,
			updated_at = ?
		WHERE id = ?`,
		nullString(path), nullString(hash), q.ts(at), status, q.ts(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("update import %d archive: %w", id, err)
	}
	return nil
}

func (q *Queries) GetImport(ctx context.Context, id int64) (*model.ImportRecord, error) {
	row := q.queryRow(ctx, `SELECT `+importColumns+` FROM imports WHERE id = ?`, id)
	rec, err := scanImport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetImportByHash returns the record that decides idempotency for a content
// hash: a SUCCESS first, then a pending replay, then the latest attempt. It
// returns nil when the hash was never seen.
func (q *Queries) GetImportByHash(ctx context.Context, hash string) (*model.ImportRecord, error) {
	row := q.queryRow(ctx,
		`SELECT `+importColumns+` FROM imports WHERE file_hash = ?
		ORDER BY CASE status WHEN 'SUCCESS' THEN 0 WHEN 'REPLAY_REQUESTED' THEN 1 ELSE 2 END,
			created_at DESC, id DESC
		LIMIT 1`, hash)
	rec, err := scanImport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("import by hash: %w", err)
	}
	return rec, nil
}

// ImportProcessedByMessageID reports whether a message already produced a
// successful import.
func (q *Queries) ImportProcessedByMessageID(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM imports WHERE source_message_id = ? AND status = ?`,
		messageID, string(model.ImportSuccess)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("import by message id: %w", err)
	}
	return n > 0, nil
}

// RequestReplay flags the latest import for hash so the next ingestion
// replaces its events.
func (q *Queries) RequestReplay(ctx context.Context, hash string) (int64, error) {
	rec, err := q.GetImportByHash(ctx, hash)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, ErrNotFound
	}
	_, err = q.exec(ctx, `UPDATE imports SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.ImportReplayRequested), q.ts(nowUTC()), rec.ID)
	if err != nil {
		return 0, fmt.Errorf("request replay: %w", err)
	}
	return rec.ID, nil
}

func (q *Queries) RecentImports(ctx context.Context, limit int) ([]model.ImportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.query(ctx, `SELECT `+importColumns+` FROM imports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ImportRecord
	for rows.Next() {
		rec, err := scanImport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (q *Queries) ImportStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := q.query(ctx, `SELECT status, COUNT(*) FROM imports GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImport(row rowScanner) (*model.ImportRecord, error) {
	var rec model.ImportRecord
	var status string
	var hash, adapter, errMsg, meta, payload, archivePath sql.NullString
	var supportPath, supportHash, messageID, profileID sql.NullString
	var providerID sql.NullInt64
	var archivedAt, createdAt, updatedAt dbTime
	if err := row.Scan(&rec.ID, &rec.Filename, &hash, &status, &rec.EventsCount, &rec.DuplicatesCount,
		&rec.UnmatchedCount, &adapter, &errMsg, &meta, &payload, &archivePath, &archivedAt, &rec.ArchiveStatus,
		&supportPath, &supportHash, &messageID, &providerID, &profileID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.FileHash = hash.String
	rec.Status = model.ImportStatus(status)
	rec.AdapterName = adapter.String
	rec.ErrorMessage = errMsg.String
	rec.RawPayload = payload.String
	rec.ArchivePath = archivePath.String
	rec.ArchivedAt = archivedAt.Ptr()
	rec.SupportPath = supportPath.String
	rec.SupportHash = supportHash.String
	rec.SourceMessageID = messageID.String
	rec.ProviderID = providerID.Int64
	rec.ProfileID = profileID.String
	rec.CreatedAt = createdAt.Time
	rec.UpdatedAt = updatedAt.Time
	if err := decodeJSON(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode import metadata: %w", err)
	}
	return &rec, nil
}
