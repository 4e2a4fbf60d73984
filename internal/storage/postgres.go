package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func NewPostgres(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/alarmguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return newStore(db, DialectPostgres), nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id BIGSERIAL PRIMARY KEY,
		code_client TEXT NOT NULL UNIQUE,
		secondary_code TEXT,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'UNKNOWN',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS monitoring_providers (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		accepted_attachment_types JSONB NOT NULL DEFAULT '["pdf","xls","xlsx"]',
		last_successful_import_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS smtp_provider_rules (
		id BIGSERIAL PRIMARY KEY,
		provider_id BIGINT NOT NULL REFERENCES monitoring_providers(id),
		match_type TEXT NOT NULL,
		match_value TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS imports (
		id BIGSERIAL PRIMARY KEY,
		filename TEXT NOT NULL,
		file_hash TEXT,
		status TEXT NOT NULL,
		events_count INTEGER NOT NULL DEFAULT 0,
		duplicates_count INTEGER NOT NULL DEFAULT 0,
		unmatched_count INTEGER NOT NULL DEFAULT 0,
		adapter_name TEXT,
		error_message TEXT,
		import_metadata JSONB,
		raw_payload TEXT,
		archive_path TEXT,
		archived_at TIMESTAMPTZ,
		archive_status TEXT NOT NULL DEFAULT 'PENDING',
		support_path TEXT,
		support_hash TEXT,
		source_message_id TEXT,
		provider_id BIGINT,
		profile_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_imports_hash ON imports(file_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_imports_message ON imports(source_message_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		time TIMESTAMPTZ NOT NULL,
		site_id BIGINT REFERENCES sites(id),
		import_id BIGINT REFERENCES imports(id),
		site_code TEXT NOT NULL,
		secondary_code TEXT,
		client_name TEXT,
		weekday_label TEXT,
		event_type TEXT,
		raw_message TEXT NOT NULL,
		normalized_message TEXT,
		raw_code TEXT,
		normalized_type TEXT,
		sub_type TEXT,
		state TEXT,
		severity TEXT,
		zone_label TEXT,
		category TEXT,
		alertable_default BOOLEAN NOT NULL DEFAULT FALSE,
		in_maintenance BOOLEAN NOT NULL DEFAULT FALSE,
		dup_count INTEGER NOT NULL DEFAULT 0,
		event_metadata JSONB,
		source_file TEXT,
		row_index INTEGER NOT NULL DEFAULT 0,
		raw_data TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_time ON events(site_code, time)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_severity_time ON events(site_code, severity, time)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_type_time ON events(site_code, normalized_type, time)`,
	`CREATE INDEX IF NOT EXISTS idx_events_import ON events(import_id)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		condition_type TEXT NOT NULL,
		value TEXT,
		scope_site_code TEXT,
		frequency_count INTEGER NOT NULL DEFAULT 1,
		frequency_window INTEGER NOT NULL DEFAULT 0,
		schedule_start TEXT,
		schedule_end TEXT,
		time_scope TEXT NOT NULL DEFAULT 'NONE',
		match_category TEXT,
		match_keyword TEXT,
		is_open_only BOOLEAN NOT NULL DEFAULT FALSE,
		sliding_window_days INTEGER NOT NULL DEFAULT 0,
		sequence_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		seq_a_category TEXT,
		seq_a_keyword TEXT,
		seq_b_category TEXT,
		seq_b_keyword TEXT,
		seq_max_delay_seconds INTEGER NOT NULL DEFAULT 0,
		seq_lookback_days INTEGER NOT NULL DEFAULT 2,
		logic_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		logic_tree JSONB,
		email_notify BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS rule_conditions (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		label TEXT,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS event_rule_hits (
		id BIGSERIAL PRIMARY KEY,
		event_id BIGINT NOT NULL REFERENCES events(id),
		rule_id BIGINT NOT NULL REFERENCES alert_rules(id),
		rule_name TEXT NOT NULL,
		score DOUBLE PRECISION,
		hit_metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(event_id, rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id BIGSERIAL PRIMARY KEY,
		site_code TEXT NOT NULL,
		incident_key TEXT NOT NULL,
		label TEXT,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		duration_seconds BIGINT,
		open_event_id BIGINT REFERENCES events(id),
		close_event_id BIGINT REFERENCES events(id),
		UNIQUE(site_code, incident_key, opened_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(site_code, incident_key, status)`,
	`CREATE TABLE IF NOT EXISTS event_code_catalog (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		label TEXT,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		alertable_default BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_profiles (
		id BIGSERIAL PRIMARY KEY,
		profile_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		source_timezone TEXT,
		provider_code TEXT,
		version_number INTEGER NOT NULL DEFAULT 1,
		confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 2.0,
		detection JSONB NOT NULL,
		parser_config JSONB,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_bookmarks (
		folder TEXT PRIMARY KEY,
		last_uid BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}
