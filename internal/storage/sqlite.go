package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

func NewSQLite(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:alarmguard.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between the pool and open transactions.
	db.SetMaxOpenConns(1)
	return newStore(db, DialectSQLite), nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sites (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code_client TEXT NOT NULL UNIQUE,
		secondary_code TEXT,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'UNKNOWN',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS monitoring_providers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		accepted_attachment_types TEXT NOT NULL DEFAULT '["pdf","xls","xlsx"]',
		last_successful_import_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS smtp_provider_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_id INTEGER NOT NULL REFERENCES monitoring_providers(id),
		match_type TEXT NOT NULL,
		match_value TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS imports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		file_hash TEXT,
		status TEXT NOT NULL,
		events_count INTEGER NOT NULL DEFAULT 0,
		duplicates_count INTEGER NOT NULL DEFAULT 0,
		unmatched_count INTEGER NOT NULL DEFAULT 0,
		adapter_name TEXT,
		error_message TEXT,
		import_metadata TEXT,
		raw_payload TEXT,
		archive_path TEXT,
		archived_at TEXT,
		archive_status TEXT NOT NULL DEFAULT 'PENDING',
		support_path TEXT,
		support_hash TEXT,
		source_message_id TEXT,
		provider_id INTEGER,
		profile_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_imports_hash ON imports(file_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_imports_message ON imports(source_message_id)`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TEXT NOT NULL,
		site_id INTEGER REFERENCES sites(id),
		import_id INTEGER REFERENCES imports(id),
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
		alertable_default INTEGER NOT NULL DEFAULT 0,
		in_maintenance INTEGER NOT NULL DEFAULT 0,
		dup_count INTEGER NOT NULL DEFAULT 0,
		event_metadata TEXT,
		source_file TEXT,
		row_index INTEGER NOT NULL DEFAULT 0,
		raw_data TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_time ON events(site_code, time)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_severity_time ON events(site_code, severity, time)`,
	`CREATE INDEX IF NOT EXISTS idx_events_site_type_time ON events(site_code, normalized_type, time)`,
	`CREATE INDEX IF NOT EXISTS idx_events_import ON events(import_id)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
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
		is_open_only INTEGER NOT NULL DEFAULT 0,
		sliding_window_days INTEGER NOT NULL DEFAULT 0,
		sequence_enabled INTEGER NOT NULL DEFAULT 0,
		seq_a_category TEXT,
		seq_a_keyword TEXT,
		seq_b_category TEXT,
		seq_b_keyword TEXT,
		seq_max_delay_seconds INTEGER NOT NULL DEFAULT 0,
		seq_lookback_days INTEGER NOT NULL DEFAULT 2,
		logic_enabled INTEGER NOT NULL DEFAULT 0,
		logic_tree TEXT,
		email_notify INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS rule_conditions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		label TEXT,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS event_rule_hits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL REFERENCES events(id),
		rule_id INTEGER NOT NULL REFERENCES alert_rules(id),
		rule_name TEXT NOT NULL,
		score REAL,
		hit_metadata TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(event_id, rule_id)
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site_code TEXT NOT NULL,
		incident_key TEXT NOT NULL,
		label TEXT,
		opened_at TEXT NOT NULL,
		closed_at TEXT,
		status TEXT NOT NULL,
		duration_seconds INTEGER,
		open_event_id INTEGER REFERENCES events(id),
		close_event_id INTEGER REFERENCES events(id),
		UNIQUE(site_code, incident_key, opened_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_open ON incidents(site_code, incident_key, status)`,
	`CREATE TABLE IF NOT EXISTS event_code_catalog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		label TEXT,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		alertable_default INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		source_timezone TEXT,
		provider_code TEXT,
		version_number INTEGER NOT NULL DEFAULT 1,
		confidence_threshold REAL NOT NULL DEFAULT 2.0,
		detection TEXT NOT NULL,
		parser_config TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS email_bookmarks (
		folder TEXT PRIMARY KEY,
		last_uid INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	)`,
}
