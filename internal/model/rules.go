package model

import (
	"encoding/json"
	"time"
)

type TimeScope string

const (
	ScopeNone             TimeScope = "NONE"
	ScopeNight            TimeScope = "NIGHT"
	ScopeWeekend          TimeScope = "WEEKEND"
	ScopeHolidays         TimeScope = "HOLIDAYS"
	ScopeBusinessHours    TimeScope = "BUSINESS_HOURS"
	ScopeOffBusinessHours TimeScope = "OFF_BUSINESS_HOURS"
)

const (
	ConditionSeverity = "SEVERITY"
	ConditionKeyword  = "KEYWORD"
	ConditionRegex    = "REGEX"
	ConditionRawCode  = "RAW_CODE"
)

// Sequence describes an A then B pattern on one site.
type Sequence struct {
	Enabled         bool   `json:"sequence_enabled" yaml:"sequence_enabled"`
	ACategory       string `json:"seq_a_category,omitempty" yaml:"seq_a_category"`
	AKeyword        string `json:"seq_a_keyword,omitempty" yaml:"seq_a_keyword"`
	BCategory       string `json:"seq_b_category,omitempty" yaml:"seq_b_category"`
	BKeyword        string `json:"seq_b_keyword,omitempty" yaml:"seq_b_keyword"`
	MaxDelaySeconds int    `json:"seq_max_delay_seconds" yaml:"seq_max_delay_seconds"`
	LookbackDays    int    `json:"seq_lookback_days" yaml:"seq_lookback_days"`
}

type AlertRule struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	ConditionType     string          `json:"condition_type"`
	Value             string          `json:"value"`
	ScopeSiteCode     string          `json:"scope_site_code,omitempty"`
	FrequencyCount    int             `json:"frequency_count"`
	FrequencyWindow   int             `json:"frequency_window"`
	ScheduleStart     string          `json:"schedule_start,omitempty"`
	ScheduleEnd       string          `json:"schedule_end,omitempty"`
	TimeScope         TimeScope       `json:"time_scope"`
	MatchCategory     string          `json:"match_category,omitempty"`
	MatchKeyword      string          `json:"match_keyword,omitempty"`
	OpenOnly          bool            `json:"is_open_only"`
	SlidingWindowDays int             `json:"sliding_window_days"`
	Sequence          Sequence        `json:"sequence"`
	LogicEnabled      bool            `json:"logic_enabled"`
	LogicTree         json.RawMessage `json:"logic_tree,omitempty"`
	EmailNotify       bool            `json:"email_notify"`
	Active            bool            `json:"is_active"`
}

type ConditionType string

const (
	ConditionSimpleV3      ConditionType = "SIMPLE_V3"
	ConditionSequenceShape ConditionType = "SEQUENCE"
)

// ConditionPayload is the stored body of a named condition.
type ConditionPayload struct {
	MatchCategory     string `json:"match_category,omitempty"`
	MatchKeyword      string `json:"match_keyword,omitempty"`
	FrequencyCount    int    `json:"frequency_count,omitempty"`
	SlidingWindowDays int    `json:"sliding_window_days,omitempty"`
	OpenOnly          bool   `json:"is_open_only,omitempty"`
	SeqACategory      string `json:"seq_a_category,omitempty"`
	SeqAKeyword       string `json:"seq_a_keyword,omitempty"`
	SeqBCategory      string `json:"seq_b_category,omitempty"`
	SeqBKeyword       string `json:"seq_b_keyword,omitempty"`
	SeqMaxDelay       int    `json:"seq_max_delay_seconds,omitempty"`
	SeqLookbackDays   int    `json:"seq_lookback_days,omitempty"`
}

type RuleCondition struct {
	ID      int64            `json:"id"`
	Code    string           `json:"code"`
	Label   string           `json:"label"`
	Type    ConditionType    `json:"type"`
	Payload ConditionPayload `json:"payload"`
	Active  bool             `json:"is_active"`
}

type RuleHit struct {
	ID        int64             `json:"id"`
	EventID   int64             `json:"event_id"`
	RuleID    int64             `json:"rule_id"`
	RuleName  string            `json:"rule_name"`
	Score     *float64          `json:"score,omitempty"`
	Metadata  map[string]string `json:"hit_metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RecentMatchQuery is the fixed-window (seconds) frequency lookup.
type RecentMatchQuery struct {
	SiteCode       string
	ConditionType  string
	Value          string
	Window         time.Duration
	Reference      time.Time
	ExcludeEventID int64
}

// WindowMatchQuery is the sliding-window (days) frequency lookup. With
// OpenOnly it counts OPEN incidents through their opening event.
type WindowMatchQuery struct {
	SiteCode  string
	Category  string
	Keyword   string
	Days      int
	OpenOnly  bool
	Reference time.Time
}

type SequenceQuery struct {
	SiteCode        string
	ACategory       string
	AKeyword        string
	BCategory       string
	BKeyword        string
	MaxDelaySeconds int
	LookbackDays    int
	Reference       time.Time
}

type SequenceMatch struct {
	AID   int64     `json:"a_id"`
	BID   int64     `json:"b_id"`
	ATime time.Time `json:"a_time"`
	BTime time.Time `json:"b_time"`
}
