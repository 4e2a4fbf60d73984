package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"alarmguard/internal/model"
	"alarmguard/internal/profile"
)

func (q *Queries) ActiveCatalog(ctx context.Context) ([]model.CatalogEntry, error) {
	rows, err := q.query(ctx,
		`SELECT code, label, category, severity, alertable_default, is_active FROM event_code_catalog
		WHERE is_active = ? ORDER BY code`, true)
	if err != nil {
		return nil, fmt.Errorf("active catalog: %w", err)
	}
	defer rows.Close()
	var out []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		var label sql.NullString
		if err := rows.Scan(&e.Code, &label, &e.Category, &e.Severity, &e.AlertableDefault, &e.Active); err != nil {
			return nil, err
		}
		e.Label = label.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertCatalogEntry(ctx context.Context, e model.CatalogEntry) error {
	_, err := q.exec(ctx,
		`INSERT INTO event_code_catalog (code, label, category, severity, alertable_default, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET label = excluded.label, category = excluded.category,
			severity = excluded.severity, alertable_default = excluded.alertable_default, is_active = excluded.is_active`,
		e.Code, nullString(e.Label), e.Category, e.Severity, e.AlertableDefault, e.Active)
	if err != nil {
		return fmt.Errorf("upsert catalog %s: %w", e.Code, err)
	}
	return nil
}

func (q *Queries) ActiveProfiles(ctx context.Context) ([]profile.Profile, error) {
	rows, err := q.query(ctx,
		`SELECT profile_id, name, priority, source_timezone, provider_code, version_number, confidence_threshold,
			detection, parser_config, is_active, updated_at
		FROM ingestion_profiles WHERE is_active = ? ORDER BY profile_id`, true)
	if err != nil {
		return nil, fmt.Errorf("active profiles: %w", err)
	}
	defer rows.Close()
	var out []profile.Profile
	for rows.Next() {
		var p profile.Profile
		var tz, provider, detection, parserCfg sql.NullString
		var updated dbTime
		if err := rows.Scan(&p.ProfileID, &p.Name, &p.Priority, &tz, &provider, &p.VersionNumber,
			&p.ConfidenceThreshold, &detection, &parserCfg, &p.Active, &updated); err != nil {
			return nil, err
		}
		p.SourceTimezone = tz.String
		p.ProviderCode = provider.String
		p.UpdatedAt = updated.Ptr()
		if err := decodeJSON(detection, &p.Detection); err != nil {
			return nil, fmt.Errorf("decode profile %s detection: %w", p.ProfileID, err)
		}
		if err := decodeJSON(parserCfg, &p.ParserConfig); err != nil {
			return nil, fmt.Errorf("decode profile %s parser config: %w", p.ProfileID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveProfile upserts p by profile id and bumps its version number.
func (q *Queries) SaveProfile(ctx context.Context, p profile.Profile) error {
	_, err := q.exec(ctx,
		`INSERT INTO ingestion_profiles (profile_id, name, priority, source_timezone, provider_code, version_number,
			confidence_threshold, detection, parser_config, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id) DO UPDATE SET name = excluded.name, priority = excluded.priority,
			source_timezone = excluded.source_timezone, provider_code = excluded.provider_code,
			version_number = ingestion_profiles.version_number + 1,
			confidence_threshold = excluded.confidence_threshold, detection = excluded.detection,
			parser_config = excluded.parser_config, is_active = excluded.is_active, updated_at = excluded.updated_at`,
		p.ProfileID, p.Name, p.Priority, nullString(p.SourceTimezone), nullString(p.ProviderCode),
		p.ConfidenceThreshold, encodeJSON(p.Detection), encodeJSON(p.ParserConfig), p.Active, q.ts(nowUTC()))
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ProfileID, err)
	}
	return nil
}

func (q *Queries) Providers(ctx context.Context) ([]model.Provider, error) {
	rows, err := q.query(ctx,
		`SELECT id, code, label, accepted_attachment_types, is_active FROM monitoring_providers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("providers: %w", err)
	}
	defer rows.Close()
	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		var types sql.NullString
		if err := rows.Scan(&p.ID, &p.Code, &p.Label, &types, &p.Active); err != nil {
			return nil, err
		}
		if err := decodeJSON(types, &p.AcceptedAttachmentTypes); err != nil {
			return nil, fmt.Errorf("decode provider %s types: %w", p.Code, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queries) ProviderRules(ctx context.Context) ([]model.ProviderRule, error) {
	rows, err := q.query(ctx,
		`SELECT id, provider_id, match_type, match_value, priority, is_active FROM smtp_provider_rules
		WHERE is_active = ? ORDER BY priority DESC, id`, true)
	if err != nil {
		return nil, fmt.Errorf("provider rules: %w", err)
	}
	defer rows.Close()
	var out []model.ProviderRule
	for rows.Next() {
		var r model.ProviderRule
		var mt string
		if err := rows.Scan(&r.ID, &r.ProviderID, &mt, &r.MatchValue, &r.Priority, &r.Active); err != nil {
			return nil, err
		}
		r.MatchType = model.ProviderMatchType(mt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q *Queries) CreateProvider(ctx context.Context, p *model.Provider) error {
	types := p.AcceptedAttachmentTypes
	if types == nil {
		types = []string{"pdf", "xls", "xlsx"}
	}
	err := q.queryRow(ctx,
		`INSERT INTO monitoring_providers (code, label, is_active, accepted_attachment_types) VALUES (?, ?, ?, ?)
		RETURNING id`, p.Code, p.Label, p.Active, encodeJSON(types)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("create provider %s: %w", p.Code, err)
	}
	return nil
}

func (q *Queries) CreateProviderRule(ctx context.Context, r *model.ProviderRule) error {
	err := q.queryRow(ctx,
		`INSERT INTO smtp_provider_rules (provider_id, match_type, match_value, priority, is_active)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		r.ProviderID, string(r.MatchType), r.MatchValue, r.Priority, r.Active).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create provider rule: %w", err)
	}
	return nil
}

func (q *Queries) TouchProviderImport(ctx context.Context, providerID int64, at time.Time) error {
	if providerID == 0 {
		return nil
	}
	_, err := q.exec(ctx, `UPDATE monitoring_providers SET last_successful_import_at = ? WHERE id = ?`,
		q.ts(at), providerID)
	return err
}

// Setting returns the raw JSON value stored under key.
func (q *Queries) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := q.queryRow(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("setting %s: %w", key, err)
	}
	return value, true, nil
}

func (q *Queries) PutSetting(ctx context.Context, key, value string) error {
	_, err := q.exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, q.ts(nowUTC()))
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// Bookmark returns the last processed UID for an IMAP folder.
func (q *Queries) Bookmark(ctx context.Context, folder string) (uint32, error) {
	var uid int64
	err := q.queryRow(ctx, `SELECT last_uid FROM email_bookmarks WHERE folder = ?`, folder).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bookmark %s: %w", folder, err)
	}
	return uint32(uid), nil
}

// SetBookmark only ever moves the folder bookmark forward.
func (q *Queries) SetBookmark(ctx context.Context, folder string, uid uint32) error {
	_, err := q.exec(ctx,
		`INSERT INTO email_bookmarks (folder, last_uid, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (folder) DO UPDATE SET last_uid = excluded.last_uid, updated_at = excluded.updated_at
		WHERE email_bookmarks.last_uid < excluded.last_uid`,
		folder, int64(uid), q.ts(nowUTC()))
	if err != nil {
		return fmt.Errorf("set bookmark %s: %w", folder, err)
	}
	return nil
}
