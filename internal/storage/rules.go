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

// SystemRuleEngineV1 is the alert_rules row that owns hardcoded rule hits.
const SystemRuleEngineV1 = "ENGINE_V1"

const ruleColumns = `id, name, condition_type, value, scope_site_code, frequency_count, frequency_window,
	schedule_start, schedule_end, time_scope, match_category, match_keyword, is_open_only, sliding_window_days,
	sequence_enabled, seq_a_category, seq_a_keyword, seq_b_category, seq_b_keyword, seq_max_delay_seconds,
	seq_lookback_days, logic_enabled, logic_tree, email_notify, is_active`

func (q *Queries) ActiveRules(ctx context.Context) ([]model.AlertRule, error) {
	rows, err := q.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE is_active = ? ORDER BY id`, true)
	if err != nil {
		return nil, fmt.Errorf("active rules: %w", err)
	}
	defer rows.Close()
	var out []model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRule inserts r and sets its id.
func (q *Queries) CreateRule(ctx context.Context, r *model.AlertRule) error {
	if r.TimeScope == "" {
		r.TimeScope = model.ScopeNone
	}
	var logic any
	if len(r.LogicTree) > 0 {
		logic = string(r.LogicTree)
	}
	err := q.queryRow(ctx,
		`INSERT INTO alert_rules (name, condition_type, value, scope_site_code, frequency_count, frequency_window,
			schedule_start, schedule_end, time_scope, match_category, match_keyword, is_open_only, sliding_window_days,
			sequence_enabled, seq_a_category, seq_a_keyword, seq_b_category, seq_b_keyword, seq_max_delay_seconds,
			seq_lookback_days, logic_enabled, logic_tree, email_notify, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		r.Name, r.ConditionType, nullString(r.Value), nullString(r.ScopeSiteCode), r.FrequencyCount,
		r.FrequencyWindow, nullString(r.ScheduleStart), nullString(r.ScheduleEnd), string(r.TimeScope),
		nullString(r.MatchCategory), nullString(r.MatchKeyword), r.OpenOnly, r.SlidingWindowDays,
		r.Sequence.Enabled, nullString(r.Sequence.ACategory), nullString(r.Sequence.AKeyword),
		nullString(r.Sequence.BCategory), nullString(r.Sequence.BKeyword), r.Sequence.MaxDelaySeconds,
		r.Sequence.LookbackDays, r.LogicEnabled, logic, r.EmailNotify, r.Active,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create rule %s: %w", r.Name, err)
	}
	return nil
}

// SystemRuleID returns the id of a SYSTEM rule, creating it when missing.
func (q *Queries) SystemRuleID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := q.queryRow(ctx, `SELECT id FROM alert_rules WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	_, err = q.exec(ctx,
		`INSERT INTO alert_rules (name, condition_type, value, is_active, logic_enabled)
		VALUES (?, 'SYSTEM', 'LEGACY_V1', ?, ?)
		ON CONFLICT (name) DO NOTHING`, name, true, false)
	if err != nil {
		return 0, err
	}
	err = q.queryRow(ctx, `SELECT id FROM alert_rules WHERE name = ?`, name).Scan(&id)
	return id, err
}

func scanRule(row rowScanner) (model.AlertRule, error) {
	var r model.AlertRule
	var value, scope, schedStart, schedEnd, matchCat, matchKw sql.NullString
	var aCat, aKw, bCat, bKw, logic sql.NullString
	var timeScope string
	if err := row.Scan(&r.ID, &r.Name, &r.ConditionType, &value, &scope, &r.FrequencyCount, &r.FrequencyWindow,
		&schedStart, &schedEnd, &timeScope, &matchCat, &matchKw, &r.OpenOnly, &r.SlidingWindowDays,
		&r.Sequence.Enabled, &aCat, &aKw, &bCat, &bKw, &r.Sequence.MaxDelaySeconds, &r.Sequence.LookbackDays,
		&r.LogicEnabled, &logic, &r.EmailNotify, &r.Active); err != nil {
		return r, err
	}
	r.Value = value.String
	r.ScopeSiteCode = scope.String
	r.ScheduleStart = schedStart.String
	r.ScheduleEnd = schedEnd.String
	r.TimeScope = model.TimeScope(timeScope)
	r.MatchCategory = matchCat.String
	r.MatchKeyword = matchKw.String
	r.Sequence.ACategory = aCat.String
	r.Sequence.AKeyword = aKw.String
	r.Sequence.BCategory = bCat.String
	r.Sequence.BKeyword = bKw.String
	if logic.Valid && logic.String != "" && logic.String != "null" {
		r.LogicTree = []byte(logic.String)
	}
	return r, nil
}

// Conditions returns the active conditions among codes, keyed by code.
func (q *Queries) Conditions(ctx context.Context, codes []string) (map[string]model.RuleCondition, error) {
	out := make(map[string]model.RuleCondition)
	if len(codes) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(codes)+1)
	for _, c := range codes {
		args = append(args, c)
	}
	args = append(args, true)
	rows, err := q.query(ctx,
		`SELECT id, code, label, type, payload, is_active FROM rule_conditions
		WHERE code IN (`+placeholders(len(codes))+`) AND is_active = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("conditions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c model.RuleCondition
		var label, payload sql.NullString
		var typ string
		if err := rows.Scan(&c.ID, &c.Code, &label, &typ, &payload, &c.Active); err != nil {
			return nil, err
		}
		c.Label = label.String
		c.Type = model.ConditionType(typ)
		if err := decodeJSON(payload, &c.Payload); err != nil {
			return nil, fmt.Errorf("decode condition %s: %w", c.Code, err)
		}
		out[c.Code] = c
	}
	return out, rows.Err()
}

func (q *Queries) CreateCondition(ctx context.Context, c *model.RuleCondition) error {
	err := q.queryRow(ctx,
		`INSERT INTO rule_conditions (code, label, type, payload, is_active) VALUES (?, ?, ?, ?, ?) RETURNING id`,
		c.Code, nullString(c.Label), string(c.Type), encodeJSON(c.Payload), c.Active,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("create condition %s: %w", c.Code, err)
	}
	return nil
}

// RecordHit inserts a rule hit unless (event, rule) already has one. It
// reports whether a row was written.
func (q *Queries) RecordHit(ctx context.Context, hit model.RuleHit) (bool, error) {
	var score any
	if hit.Score != nil {
		score = *hit.Score
	}
	var meta any
	if len(hit.Metadata) > 0 {
		meta = encodeJSON(hit.Metadata)
	}
	res, err := q.exec(ctx,
		`INSERT INTO event_rule_hits (event_id, rule_id, rule_name, score, hit_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, rule_id) DO NOTHING`,
		hit.EventID, hit.RuleID, hit.RuleName, score, meta, q.ts(nowUTC()))
	if err != nil {
		return false, fmt.Errorf("record hit event=%d rule=%d: %w", hit.EventID, hit.RuleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return true, nil
	}
	return n > 0, nil
}

func (q *Queries) HitExists(ctx context.Context, eventID, ruleID int64) (bool, error) {
	var n int
	err := q.queryRow(ctx,
		`SELECT COUNT(*) FROM event_rule_hits WHERE event_id = ? AND rule_id = ?`, eventID, ruleID).Scan(&n)
	return n > 0, err
}

// HitsForEvents groups hits by event id.
func (q *Queries) HitsForEvents(ctx context.Context, eventIDs []int64) (map[int64][]model.RuleHit, error) {
	out := make(map[int64][]model.RuleHit)
	if len(eventIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	rows, err := q.query(ctx,
		`SELECT id, event_id, rule_id, rule_name, score, hit_metadata, created_at FROM event_rule_hits
		WHERE event_id IN (`+placeholders(len(eventIDs))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("hits for events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h model.RuleHit
		var score sql.NullFloat64
		var meta sql.NullString
		var created dbTime
		if err := rows.Scan(&h.ID, &h.EventID, &h.RuleID, &h.RuleName, &score, &meta, &created); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			h.Score = &v
		}
		if err := decodeJSON(meta, &h.Metadata); err != nil {
			return nil, err
		}
		h.CreatedAt = created.Time
		out[h.EventID] = append(out[h.EventID], h)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteHitsForEvents(ctx context.Context, eventIDs []int64) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	res, err := q.exec(ctx,
		`DELETE FROM event_rule_hits WHERE event_id IN (`+placeholders(len(eventIDs))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete hits: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteAllHits(ctx context.Context) (int64, error) {
	res, err := q.exec(ctx, `DELETE FROM event_rule_hits`)
	if err != nil {
		return 0, fmt.Errorf("delete all hits: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queries) CountHits(ctx context.Context) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM event_rule_hits`).Scan(&n)
	return n, err
}

// CountRecentMatches counts the site's events inside [ref-window, ref] that
// satisfy the legacy condition.
func (q *Queries) CountRecentMatches(ctx context.Context, m model.RecentMatchQuery) (int, error) {
	ref := m.Reference
	if ref.IsZero() {
		ref = nowUTC()
	}
	where := []string{"site_code = ?", "time >= ?", "time <= ?"}
	args := []any{m.SiteCode, q.ts(ref.Add(-m.Window)), q.ts(ref)}
	switch strings.ToUpper(m.ConditionType) {
	case model.ConditionSeverity:
		where = append(where, "UPPER(severity) = ?")
		args = append(args, strings.ToUpper(m.Value))
	case model.ConditionKeyword:
		where = append(where, "LOWER(raw_message) LIKE ?")
		args = append(args, likePattern(m.Value))
	case model.ConditionRawCode:
		where = append(where, "raw_code = ?")
		args = append(args, m.Value)
	}
	if m.ExcludeEventID > 0 {
		where = append(where, "id <> ?")
		args = append(args, m.ExcludeEventID)
	}
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM events WHERE `+strings.Join(where, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent matches: %w", err)
	}
	return n, nil
}

// CountWindowMatches counts APPARITION-state events of the site in the sliding
// window. With OpenOnly it counts OPEN incidents through their opening event.
func (q *Queries) CountWindowMatches(ctx context.Context, m model.WindowMatchQuery) (int, error) {
	ref := m.Reference
	if ref.IsZero() {
		ref = nowUTC()
	}
	start := ref.Add(-time.Duration(m.Days) * 24 * time.Hour)
	var stmt string
	var args []any
	if m.OpenOnly {
		stmt = `SELECT COUNT(i.id) FROM incidents i JOIN events e ON e.id = i.open_event_id
			WHERE i.site_code = ? AND i.status = ? AND i.opened_at >= ? AND i.opened_at <= ?
			AND e.state = ?`
		args = []any{m.SiteCode, model.IncidentOpen, q.ts(start), q.ts(ref), string(model.StateApparition)}
	} else {
		stmt = `SELECT COUNT(e.id) FROM events e
			WHERE e.site_code = ? AND e.time >= ? AND e.time <= ? AND e.state = ?`
		args = []any{m.SiteCode, q.ts(start), q.ts(ref), string(model.StateApparition)}
	}
	if m.Category != "" {
		stmt += ` AND e.category = ?`
		args = append(args, m.Category)
	}
	if m.Keyword != "" {
		stmt += ` AND LOWER(e.raw_message) LIKE ?`
		args = append(args, likePattern(m.Keyword))
	}
	var n int
	if err := q.queryRow(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count window matches: %w", err)
	}
	return n, nil
}

// FindSequence returns the earliest A then B pair on the site, or nil.
func (q *Queries) FindSequence(ctx context.Context, s model.SequenceQuery) (*model.SequenceMatch, error) {
	ref := s.Reference
	if ref.IsZero() {
		ref = nowUTC()
	}
	lookback := s.LookbackDays
	if lookback <= 0 {
		lookback = 2
	}
	start := ref.Add(-time.Duration(lookback) * 24 * time.Hour)
	delayExpr := `unixepoch(b.time) <= unixepoch(a.time) + ?`
	var delay any = s.MaxDelaySeconds
	if q.dialect == DialectPostgres {
		delayExpr = `b.time <= a.time + make_interval(secs => ?)`
		delay = float64(s.MaxDelaySeconds)
	}
	stmt := `SELECT a.id, b.id, a.time, b.time FROM events a
		JOIN events b ON b.site_code = a.site_code
		WHERE a.site_code = ? AND a.state = ? AND b.state = ?
		AND a.time >= ? AND a.time <= ? AND b.time > a.time AND ` + delayExpr
	args := []any{s.SiteCode, string(model.StateApparition), string(model.StateApparition),
		q.ts(start), q.ts(ref), delay}
	if s.ACategory != "" {
		stmt += ` AND a.category = ?`
		args = append(args, s.ACategory)
	}
	if s.AKeyword != "" {
		stmt += ` AND LOWER(a.raw_message) LIKE ?`
		args = append(args, likePattern(s.AKeyword))
	}
	if s.BCategory != "" {
		stmt += ` AND b.category = ?`
		args = append(args, s.BCategory)
	}
	if s.BKeyword != "" {
		stmt += ` AND LOWER(b.raw_message) LIKE ?`
		args = append(args, likePattern(s.BKeyword))
	}
	stmt += ` ORDER BY a.time, a.id, b.time, b.id LIMIT 1`
	var m model.SequenceMatch
	var at, bt dbTime
	err := q.queryRow(ctx, stmt, args...).Scan(&m.AID, &m.BID, &at, &bt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find sequence: %w", err)
	}
	m.ATime, m.BTime = at.Time, bt.Time
	return &m, nil
}
