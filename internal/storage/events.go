package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmguard/internal/model"
)

const eventColumns = `id, time, import_id, site_code, secondary_code, client_name, weekday_label, event_type,
	raw_message, normalized_message, raw_code, normalized_type, sub_type, state, severity, zone_label, category,
	alertable_default, in_maintenance, dup_count, event_metadata, source_file, row_index, raw_data`

// EnsureSites returns site ids for every code in events, creating unknown
// sites on the fly.
func (q *Queries) EnsureSites(ctx context.Context, events []*model.CanonicalEvent) (map[string]int64, error) {
	secondary := make(map[string]string)
	var codes []string
	for _, ev := range events {
		if ev == nil || ev.SiteCode == "" {
			continue
		}
		if _, ok := secondary[ev.SiteCode]; !ok {
			codes = append(codes, ev.SiteCode)
			secondary[ev.SiteCode] = ev.SecondaryCode
		}
	}
	ids := make(map[string]int64, len(codes))
	for _, code := range codes {
		_, err := q.exec(ctx,
			`INSERT INTO sites (code_client, secondary_code, name, status, created_at)
			VALUES (?, ?, ?, 'UNKNOWN', ?)
			ON CONFLICT (code_client) DO NOTHING`,
			code, nullString(secondary[code]), "Site "+code, q.ts(nowUTC()))
		if err != nil {
			return nil, fmt.Errorf("ensure site %s: %w", code, err)
		}
		var id int64
		if err := q.queryRow(ctx, `SELECT id FROM sites WHERE code_client = ?`, code).Scan(&id); err != nil {
			return nil, fmt.Errorf("load site %s: %w", code, err)
		}
		ids[code] = id
	}
	return ids, nil
}

func (q *Queries) GetSite(ctx context.Context, code string) (*model.Site, error) {
	var s model.Site
	var secondary sql.NullString
	err := q.queryRow(ctx, `SELECT id, code_client, secondary_code, name, status FROM sites WHERE code_client = ?`, code).
		Scan(&s.ID, &s.Code, &secondary, &s.Name, &s.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.SecondaryCode = secondary.String
	return &s, nil
}

// InsertEvents persists events under importID and sets their ids.
func (q *Queries) InsertEvents(ctx context.Context, importID int64, events []*model.CanonicalEvent) error {
	if len(events) == 0 {
		return nil
	}
	sites, err := q.EnsureSites(ctx, events)
	if err != nil {
		return err
	}
	now := q.ts(nowUTC())
	for _, ev := range events {
		state := ev.State
		if state == "" {
			state = model.StateUnknown
		}
		err := q.queryRow(ctx,
			`INSERT INTO events (time, site_id, import_id, site_code, secondary_code, client_name, weekday_label,
				event_type, raw_message, normalized_message, raw_code, normalized_type, sub_type, state, severity,
				zone_label, category, alertable_default, in_maintenance, dup_count, event_metadata, source_file,
				row_index, raw_data, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			q.ts(ev.Timestamp),
			nullInt(sites[ev.SiteCode]),
			nullInt(importID),
			ev.SiteCode,
			nullString(ev.SecondaryCode),
			nullString(ev.ClientName),
			nullString(ev.WeekdayLabel),
			nullString(ev.EventType),
			ev.RawMessage,
			nullString(ev.NormalizedMessage),
			nullString(ev.RawCode),
			nullString(ev.StoredType()),
			nullString(ev.SubType),
			string(state),
			nullString(ev.Status),
			nullString(ev.ZoneLabel),
			nullString(ev.Category),
			ev.AlertableDefault,
			ev.InMaintenance,
			ev.DupCount,
			encodeJSON(ev.Metadata),
			nullString(ev.SourceFile),
			ev.RowIndex,
			nullString(ev.RawData),
			now,
		).Scan(&ev.ID)
		if err != nil {
			return fmt.Errorf("insert event row %d: %w", ev.RowIndex, err)
		}
		ev.ImportID = importID
	}
	return nil
}

func (q *Queries) GetEvent(ctx context.Context, id int64) (*model.CanonicalEvent, error) {
	ev, err := scanEvent(q.queryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// EventsForImport returns the persisted events of one import in time order.
func (q *Queries) EventsForImport(ctx context.Context, importID int64) ([]*model.CanonicalEvent, error) {
	rows, err := q.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE import_id = ? ORDER BY time, id`, importID)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

// EventPage selects a keyset page of events by id, optionally bounded by
// creation time.
type EventPage struct {
	AfterID int64
	Limit   int
	From    *time.Time
	To      *time.Time
}

func (q *Queries) ListEvents(ctx context.Context, page EventPage) ([]*model.CanonicalEvent, error) {
	where := []string{"id > ?"}
	args := []any{page.AfterID}
	if page.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, q.ts(*page.From))
	}
	if page.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, q.ts(*page.To))
	}
	limit := page.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	rows, err := q.query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (q *Queries) UpdateEventSeverity(ctx context.Context, id int64, severity string) error {
	_, err := q.exec(ctx, `UPDATE events SET severity = ? WHERE id = ?`, severity, id)
	if err != nil {
		return fmt.Errorf("update event %d severity: %w", id, err)
	}
	return nil
}

func (q *Queries) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// DeleteImportData removes hits, incidents and events of an import in that
// order and resets its counters.
func (q *Queries) DeleteImportData(ctx context.Context, importID int64) error {
	stmts := []string{
		`DELETE FROM event_rule_hits WHERE event_id IN (SELECT id FROM events WHERE import_id = ?)`,
		`DELETE FROM incidents WHERE open_event_id IN (SELECT id FROM events WHERE import_id = ?)
			OR close_event_id IN (SELECT id FROM events WHERE import_id = ?)`,
		`DELETE FROM events WHERE import_id = ?`,
	}
	for i, stmt := range stmts {
		args := []any{importID}
		if i == 1 {
			args = append(args, importID)
		}
		if _, err := q.exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete import %d data: %w", importID, err)
		}
	}
	_, err := q.exec(ctx,
		`UPDATE imports SET status = ?, events_count = 0, duplicates_count = 0, unmatched_count = 0,
			error_message = NULL, updated_at = ?
		WHERE id = ?`,
		string(model.ImportPending), q.ts(nowUTC()), importID)
	if err != nil {
		return fmt.Errorf("reset import %d: %w", importID, err)
	}
	return nil
}

func collectEvents(rows *sql.Rows) ([]*model.CanonicalEvent, error) {
	defer rows.Close()
	var out []*model.CanonicalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*model.CanonicalEvent, error) {
	var ev model.CanonicalEvent
	var ts dbTime
	var importID sql.NullInt64
	var secondary, client, weekday, eventType, normMsg, rawCode, normType sql.NullString
	var subType, state, severity, zone, category, meta, sourceFile, rawData sql.NullString
	if err := row.Scan(&ev.ID, &ts, &importID, &ev.SiteCode, &secondary, &client, &weekday, &eventType,
		&ev.RawMessage, &normMsg, &rawCode, &normType, &subType, &state, &severity, &zone, &category,
		&ev.AlertableDefault, &ev.InMaintenance, &ev.DupCount, &meta, &sourceFile, &ev.RowIndex, &rawData); err != nil {
		return nil, err
	}
	ev.Timestamp = ts.Time
	ev.ImportID = importID.Int64
	ev.SecondaryCode = secondary.String
	ev.ClientName = client.String
	ev.WeekdayLabel = weekday.String
	ev.EventType = eventType.String
	ev.NormalizedMessage = normMsg.String
	ev.RawCode = rawCode.String
	ev.NormalizedType = normType.String
	ev.SubType = subType.String
	ev.State = model.State(state.String)
	ev.Status = severity.String
	ev.ZoneLabel = zone.String
	ev.Category = category.String
	ev.SourceFile = sourceFile.String
	ev.RawData = rawData.String
	if err := decodeJSON(meta, &ev.Metadata); err != nil {
		return nil, fmt.Errorf("decode event metadata: %w", err)
	}
	return &ev, nil
}
