package model

import (
	"strings"
	"time"
)

type State string

const (
	StateApparition      State = "APPARITION"
	StateDisparition     State = "DISPARITION"
	StateExpiration      State = "EXPIRATION"
	StateMiseEnService   State = "MISE_EN_SERVICE"
	StateMiseHorsService State = "MISE_HORS_SERVICE"
	StateUnknown         State = "UNKNOWN"
)

// ClassifyState maps action text to a lifecycle state by ordered substring
// match; the service keywords are matched with spaces.
func ClassifyState(action string) State {
	upper := strings.ToUpper(action)
	switch {
	case strings.Contains(upper, "APPARITION"):
		return StateApparition
	case strings.Contains(upper, "DISPARITION"):
		return StateDisparition
	case strings.Contains(upper, "EXPIRATION"):
		return StateExpiration
	case strings.Contains(upper, "MISE EN SERVICE"):
		return StateMiseEnService
	case strings.Contains(upper, "MISE HORS SERVICE"):
		return StateMiseHorsService
	}
	return StateUnknown
}

const (
	SeverityAlarm    = "ALARM"
	SeverityInfo     = "INFO"
	SeverityCritical = "CRITICAL"
)

const (
	TypePDFEvent       = "PDF_EVENT"
	TypeOperatorAction = "OPERATOR_ACTION"
	TypeDetailLog      = "DETAIL_LOG"
	TypeParsingError   = "PARSING_ERROR"
	TypeParsingWarning = "PARSING_WARNING"
)

// CanonicalEvent is the pivot record produced by every parser. It is enriched
// in place by the normalizer, tagging and deduplication stages and persisted
// as an events row, at which point ID is set.
type CanonicalEvent struct {
	ID                int64     `json:"id,omitempty"`
	ImportID          int64     `json:"import_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	SiteCode          string    `json:"site_code"`
	RawSiteCode       string    `json:"raw_site_code,omitempty"`
	SecondaryCode     string    `json:"secondary_code,omitempty"`
	ClientName        string    `json:"client_name,omitempty"`
	WeekdayLabel      string    `json:"weekday_label,omitempty"`
	EventType         string    `json:"event_type"`
	NormalizedType    string    `json:"normalized_type,omitempty"`
	SubType           string    `json:"sub_type,omitempty"`
	State             State     `json:"state,omitempty"`
	RawMessage        string    `json:"raw_message"`
	NormalizedMessage string    `json:"normalized_message,omitempty"`
	RawCode           string    `json:"raw_code,omitempty"`
	Status            string    `json:"status"`
	ZoneLabel         string    `json:"zone_label,omitempty"`
	Category          string    `json:"category,omitempty"`
	AlertableDefault  bool      `json:"alertable_default"`
	InMaintenance     bool      `json:"in_maintenance,omitempty"`
	DupCount          int       `json:"dup_count"`
	Metadata          Metadata  `json:"metadata"`
	SourceFile        string    `json:"source_file"`
	RowIndex          int       `json:"row_index"`
	RawData           string    `json:"raw_data,omitempty"`
}

func (e *CanonicalEvent) Persisted() bool {
	return e != nil && e.ID > 0
}

// Action is the upper-cased type used for state classification: the
// normalized type when a normalization rule set one, else the parser type.
func (e *CanonicalEvent) Action() string {
	if e.NormalizedType != "" {
		return strings.ToUpper(e.NormalizedType)
	}
	return strings.ToUpper(e.EventType)
}

// IsState reports whether the event carries the given lifecycle state. An
// unclassified event falls back to its action text.
func (e *CanonicalEvent) IsState(s State) bool {
	if e.State == s {
		return true
	}
	if e.State != "" && e.State != StateUnknown {
		return false
	}
	return strings.Contains(e.Action(), string(s))
}

// StoredType is the value persisted in the normalized_type column.
func (e *CanonicalEvent) StoredType() string {
	if e.NormalizedType != "" {
		return e.NormalizedType
	}
	return e.EventType
}

type ImportStatus string

const (
	ImportPending             ImportStatus = "PENDING"
	ImportSuccess             ImportStatus = "SUCCESS"
	ImportError               ImportStatus = "ERROR"
	ImportIgnored             ImportStatus = "IGNORED"
	ImportProfileNotConfident ImportStatus = "PROFILE_NOT_CONFIDENT"
	ImportReplayRequested     ImportStatus = "REPLAY_REQUESTED"
)

func (s ImportStatus) Terminal() bool {
	switch s {
	case ImportSuccess, ImportError, ImportIgnored, ImportProfileNotConfident:
		return true
	}
	return false
}

type ImportRecord struct {
	ID              int64          `json:"id"`
	Filename        string         `json:"filename"`
	FileHash        string         `json:"file_hash"`
	Status          ImportStatus   `json:"status"`
	EventsCount     int            `json:"events_count"`
	DuplicatesCount int            `json:"duplicates_count"`
	UnmatchedCount  int            `json:"unmatched_count"`
	AdapterName     string         `json:"adapter_name"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"import_metadata,omitempty"`
	RawPayload      string         `json:"raw_payload,omitempty"`
	ArchivePath     string         `json:"archive_path,omitempty"`
	ArchivedAt      *time.Time     `json:"archived_at,omitempty"`
	ArchiveStatus   string         `json:"archive_status,omitempty"`
	SupportPath     string         `json:"support_path,omitempty"`
	SupportHash     string         `json:"support_hash,omitempty"`
	SourceMessageID string         `json:"source_message_id,omitempty"`
	ProviderID      int64          `json:"provider_id,omitempty"`
	ProfileID       string         `json:"profile_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (r *ImportRecord) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

type Site struct {
	ID            int64  `json:"id"`
	Code          string `json:"code_client"`
	SecondaryCode string `json:"secondary_code,omitempty"`
	Name          string `json:"name"`
	Status        string `json:"status"`
}

type CatalogEntry struct {
	Code             string `json:"code" yaml:"code"`
	Label            string `json:"label" yaml:"label"`
	Category         string `json:"category" yaml:"category"`
	Severity         string `json:"severity" yaml:"severity"`
	AlertableDefault bool   `json:"alertable_default" yaml:"alertable_default"`
	Active           bool   `json:"is_active" yaml:"is_active"`
}

type Provider struct {
	ID                      int64    `json:"id"`
	Code                    string   `json:"code"`
	Label                   string   `json:"label"`
	AcceptedAttachmentTypes []string `json:"accepted_attachment_types"`
	Active                  bool     `json:"is_active"`
}

type ProviderMatchType string

const (
	MatchExact    ProviderMatchType = "EXACT"
	MatchDomain   ProviderMatchType = "DOMAIN"
	MatchContains ProviderMatchType = "CONTAINS"
	MatchRegex    ProviderMatchType = "REGEX"
)

type ProviderRule struct {
	ID         int64             `json:"id"`
	ProviderID int64             `json:"provider_id"`
	MatchType  ProviderMatchType `json:"match_type"`
	MatchValue string            `json:"match_value"`
	Priority   int               `json:"priority"`
	Active     bool              `json:"is_active"`
}

type Incident struct {
	ID              int64      `json:"id"`
	SiteCode        string     `json:"site_code"`
	Key             string     `json:"incident_key"`
	Label           string     `json:"label"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
	Status          string     `json:"status"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	OpenEventID     int64      `json:"open_event_id,omitempty"`
	CloseEventID    int64      `json:"close_event_id,omitempty"`
}

const (
	IncidentOpen   = "OPEN"
	IncidentClosed = "CLOSED"
)

// Alert is the trace of a triggered rule, kept in the recent-alerts buffer
// and published to the notification topic.
type Alert struct {
	Timestamp time.Time         `json:"timestamp"`
	RuleID    int64             `json:"rule_id"`
	RuleName  string            `json:"rule_name"`
	EventID   int64             `json:"event_id"`
	ImportID  int64             `json:"import_id,omitempty"`
	SiteCode  string            `json:"site_code"`
	Category  string            `json:"category,omitempty"`
	Message   string            `json:"message"`
	Severity  string            `json:"severity"`
	Source    string            `json:"source"`
	Details   []string          `json:"details,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}
