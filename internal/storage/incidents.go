package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"alarmguard/internal/model"
)

const incidentColumns = `id, site_code, incident_key, label, opened_at, closed_at, status, duration_seconds,
	open_event_id, close_event_id`

func (q *Queries) IncidentExists(ctx context.Context, site, key string, openedAt time.Time) (bool, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM incidents WHERE site_code = ? AND incident_key = ? AND opened_at = ?`,
		site, key, q.ts(openedAt)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("incident exists: %w", err)
	}
	return n > 0, nil
}

// OpenIncident returns the latest OPEN incident for (site, key), or nil.
func (q *Queries) OpenIncident(ctx context.Context, site, key string) (*model.Incident, error) {
	inc, err := scanIncident(q.queryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE site_code = ? AND incident_key = ? AND status = ?
		ORDER BY opened_at DESC, id DESC LIMIT 1`,
		site, key, model.IncidentOpen))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open incident: %w", err)
	}
	return inc, nil
}

// CreateIncident inserts inc unless (site, key, opened_at) exists. It reports
// whether a row was written.
func (q *Queries) CreateIncident(ctx context.Context, inc *model.Incident) (bool, error) {
	if inc.Status == "" {
		inc.Status = model.IncidentOpen
	}
	err := q.queryRow(ctx,
		`INSERT INTO incidents (site_code, incident_key, label, opened_at, status, open_event_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_code, incident_key, opened_at) DO NOTHING
		RETURNING id`,
		inc.SiteCode, inc.Key, nullString(inc.Label), q.ts(inc.OpenedAt), inc.Status, nullInt(inc.OpenEventID),
	).Scan(&inc.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create incident: %w", err)
	}
	return true, nil
}

func (q *Queries) CloseIncident(ctx context.Context, id int64, closedAt time.Time, closeEventID int64, durationSeconds int64) error {
	_, err := q.exec(ctx,
		`UPDATE incidents SET status = ?, closed_at = ?, close_event_id = ?, duration_seconds = ? WHERE id = ?`,
		model.IncidentClosed, q.ts(closedAt), nullInt(closeEventID), durationSeconds, id)
	if err != nil {
		return fmt.Errorf("close incident %d: %w", id, err)
	}
	return nil
}

// IncidentClosedBy reports whether eventID already closed an incident.
func (q *Queries) IncidentClosedBy(ctx context.Context, eventID int64) (bool, error) {
	if eventID == 0 {
		return false, nil
	}
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM incidents WHERE close_event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("incident closed by: %w", err)
	}
	return n > 0, nil
}

// ListIncidents filters by site and status when they are non-empty.
func (q *Queries) ListIncidents(ctx context.Context, site, status string) ([]model.Incident, error) {
	stmt := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1 = 1`
	var args []any
	if site != "" {
		stmt += ` AND site_code = ?`
		args = append(args, site)
	}
	if status != "" {
		stmt += ` AND status = ?`
		args = append(args, status)
	}
	rows, err := q.query(ctx, stmt+` ORDER BY opened_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

func (q *Queries) CountOpenIncidents(ctx context.Context) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM incidents WHERE status = ?`, model.IncidentOpen).Scan(&n)
	return n, err
}

func scanIncident(row rowScanner) (*model.Incident, error) {
	var inc model.Incident
	var label sql.NullString
	var opened, closed dbTime
	var duration, openEv, closeEv sql.NullInt64
	if err := row.Scan(&inc.ID, &inc.SiteCode, &inc.Key, &label, &opened, &closed, &inc.Status, &duration,
		&openEv, &closeEv); err != nil {
		return nil, err
	}
	inc.Label = label.String
	inc.OpenedAt = opened.Time
	inc.ClosedAt = closed.Ptr()
	if duration.Valid {
		d := duration.Int64
		inc.DurationSeconds = &d
	}
	inc.OpenEventID = openEv.Int64
	inc.CloseEventID = closeEv.Int64
	return &inc, nil
}
