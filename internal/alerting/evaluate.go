package alerting

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
)

// Subject is what the evaluator needs from an event. It is implemented by
// persisted *model.CanonicalEvent values and by Sample.
type Subject interface {
	EventRef() int64
	Site() string
	OccurredAt() time.Time
	Action() string
	IsState(model.State) bool
	EventCategory() string
	Severity() string
	Messages() (normalized, raw string)
}

// Resolver answers the historical lookups rules depend on.
type Resolver interface {
	Conditions(ctx context.Context, codes []string) (map[string]model.RuleCondition, error)
	CountRecentMatches(ctx context.Context, q model.RecentMatchQuery) (int, error)
	CountWindowMatches(ctx context.Context, q model.WindowMatchQuery) (int, error)
	FindSequence(ctx context.Context, q model.SequenceQuery) (*model.SequenceMatch, error)
}

// Sample is a free-standing event used for dry runs.
type Sample struct {
	ID                int64       `json:"id,omitempty"`
	SiteCode          string      `json:"site_code"`
	Timestamp         time.Time   `json:"timestamp"`
	Type              string      `json:"type"`
	State             model.State `json:"state,omitempty"`
	Category          string      `json:"category,omitempty"`
	Status            string      `json:"status,omitempty"`
	Message           string      `json:"message"`
	NormalizedMessage string      `json:"normalized_message,omitempty"`
}

func (s Sample) EventRef() int64       { return s.ID }
func (s Sample) Site() string          { return s.SiteCode }
func (s Sample) OccurredAt() time.Time { return s.Timestamp }
func (s Sample) Action() string        { return strings.ToUpper(s.Type) }
func (s Sample) EventCategory() string { return s.Category }
func (s Sample) Severity() string      { return s.Status }

func (s Sample) IsState(st model.State) bool {
	if s.State != "" && s.State != model.StateUnknown {
		return s.State == st
	}
	return strings.Contains(s.Action(), string(st))
}

func (s Sample) Messages() (string, string) {
	return s.NormalizedMessage, s.Message
}

// SequenceLookupError wraps a failed A-then-B lookup.
type SequenceLookupError struct {
	RuleID int64
	Site   string
	Err    error
}

func (e *SequenceLookupError) Error() string {
	return fmt.Sprintf("sequence lookup rule=%d site=%s: %v", e.RuleID, e.Site, e.Err)
}

func (e *SequenceLookupError) Unwrap() error {
	return e.Err
}

// Options tune one evaluation.
type Options struct {
	// Reference replaces the event time for window lookups and time scopes.
	Reference           time.Time
	Location            *time.Location
	BusinessHours       Schedule
	DefaultLookbackDays int
}

type Report struct {
	RuleID      int64                `json:"rule_id"`
	RuleName    string               `json:"rule_name"`
	Triggered   bool                 `json:"triggered"`
	ConditionOK bool                 `json:"condition_ok"`
	TimeScopeOK bool                 `json:"time_scope_ok"`
	FrequencyOK bool                 `json:"frequency_ok"`
	Count       int                  `json:"count,omitempty"`
	Sequence    *model.SequenceMatch `json:"sequence,omitempty"`
	LogicTree   *NodeResult          `json:"logic_tree_eval,omitempty"`
	Details     []string             `json:"details"`
}

func (r *Report) detail(format string, args ...any) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

func messageText(s Subject) string {
	normalized, raw := s.Messages()
	if normalized != "" {
		return normalized
	}
	return normalize.Text(raw)
}

// Evaluate decides whether rule fires for subj. It has no side effects; res
// may be nil, in which case logic trees and history-based checks are skipped.
func Evaluate(ctx context.Context, subj Subject, rule model.AlertRule, res Resolver, opts Options) (Report, error) {
	report := Report{RuleID: rule.ID, RuleName: rule.Name, TimeScopeOK: true, FrequencyOK: true}

	ref := opts.Reference
	if ref.IsZero() {
		ref = subj.OccurredAt()
	}
	ref = ref.UTC()
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	local := ref.In(loc)

	if rule.ScopeSiteCode != "" && rule.ScopeSiteCode != subj.Site() {
		report.TimeScopeOK = false
		report.detail("Site mismatch: expected %s", rule.ScopeSiteCode)
		return report, nil
	}

	sched, err := ParseSchedule(rule.ScheduleStart, rule.ScheduleEnd)
	if err != nil {
		report.detail("Schedule error: %v", err)
	}
	ok, msg := checkTimeScope(rule.TimeScope, sched, opts.BusinessHours, local)
	report.TimeScopeOK = ok
	report.Details = append(report.Details, msg)
	if !ok {
		return report, nil
	}

	if rule.LogicEnabled && len(rule.LogicTree) > 0 && res != nil {
		return evaluateTree(ctx, subj, rule, res, ref, opts, report)
	}
	return evaluateLegacy(ctx, subj, rule, res, ref, opts, report)
}

func evaluateTree(ctx context.Context, subj Subject, rule model.AlertRule, res Resolver, ref time.Time, opts Options, report Report) (Report, error) {
	tree, err := ParseNode(rule.LogicTree)
	if err != nil {
		report.detail("Invalid logic tree: %v", err)
		return report, nil
	}
	conds, err := res.Conditions(ctx, tree.Codes())
	if err != nil {
		return report, fmt.Errorf("load conditions for rule %d: %w", rule.ID, err)
	}
	trace, err := evalNode(tree, func(code string) (bool, []string, error) {
		cond, ok := conds[code]
		if !ok {
			return false, []string{fmt.Sprintf("Condition '%s' not found or inactive", code)}, nil
		}
		return evaluateCondition(ctx, subj, rule.ID, cond, res, ref, opts)
	})
	if err != nil {
		return report, err
	}
	report.LogicTree = &trace
	report.ConditionOK = trace.Result
	report.Triggered = trace.Result
	if trace.Result {
		report.detail("Logic tree matched")
	} else {
		report.detail("Logic tree did not match")
	}
	return report, nil
}

func evaluateCondition(ctx context.Context, subj Subject, ruleID int64, cond model.RuleCondition, res Resolver, ref time.Time, opts Options) (bool, []string, error) {
	if !subj.IsState(model.StateApparition) {
		return false, []string{"Condition only applies to APPARITION"}, nil
	}
	p := cond.Payload
	var details []string
	if p.MatchCategory != "" && subj.EventCategory() != p.MatchCategory {
		details = append(details, fmt.Sprintf("Cat mismatch: %s", subj.EventCategory()))
	}
	if p.MatchKeyword != "" {
		key := normalize.Text(p.MatchKeyword)
		if !strings.Contains(messageText(subj), key) {
			details = append(details, fmt.Sprintf("Keyword '%s' not found in normalized message", key))
		}
	}
	if len(details) > 0 {
		return false, details, nil
	}

	if cond.Type == model.ConditionSequenceShape {
		m, err := findSequence(ctx, subj, ruleID, res, model.SequenceQuery{
			ACategory:       p.SeqACategory,
			AKeyword:        p.SeqAKeyword,
			BCategory:       p.SeqBCategory,
			BKeyword:        p.SeqBKeyword,
			MaxDelaySeconds: p.SeqMaxDelay,
			LookbackDays:    lookback(p.SeqLookbackDays, opts),
			Reference:       ref,
		})
		if err != nil {
			return false, nil, err
		}
		if m == nil {
			return false, []string{"No sequence match"}, nil
		}
		return true, []string{fmt.Sprintf("Seq match A:%d -> B:%d", m.AID, m.BID)}, nil
	}

	freq := p.FrequencyCount
	if freq <= 0 {
		freq = 1
	}
	count, err := res.CountWindowMatches(ctx, model.WindowMatchQuery{
		SiteCode:  subj.Site(),
		Category:  p.MatchCategory,
		Keyword:   p.MatchKeyword,
		Days:      p.SlidingWindowDays,
		OpenOnly:  p.OpenOnly,
		Reference: ref,
	})
	if err != nil {
		return false, nil, fmt.Errorf("count window matches for condition %s: %w", cond.Code, err)
	}
	actual := withSelf(count, subj)
	if actual >= freq {
		return true, []string{fmt.Sprintf("Freq met: %d/%d", actual, freq)}, nil
	}
	return false, []string{fmt.Sprintf("Freq not met: %d/%d", actual, freq)}, nil
}

func evaluateLegacy(ctx context.Context, subj Subject, rule model.AlertRule, res Resolver, ref time.Time, opts Options, report Report) (Report, error) {
	msg := messageText(subj)

	actionOK := subj.IsState(model.StateApparition)
	catOK := true
	if rule.MatchCategory != "" {
		catOK = subj.EventCategory() == rule.MatchCategory
		if catOK {
			report.detail("Category matched: %s", rule.MatchCategory)
		} else {
			report.detail("Category mismatch: %s != %s", subj.EventCategory(), rule.MatchCategory)
		}
	}
	keyOK := true
	if rule.MatchKeyword != "" {
		key := normalize.Text(rule.MatchKeyword)
		keyOK = strings.Contains(msg, key)
		if keyOK {
			report.detail("Keyword '%s' matched", key)
		} else {
			report.detail("Keyword '%s' not found in normalized message", key)
		}
	}
	legacyOK := true
	switch rule.ConditionType {
	case model.ConditionSeverity:
		sev := strings.ToUpper(subj.Severity())
		legacyOK = sev == strings.ToUpper(rule.Value)
		if !legacyOK {
			report.detail("Severity mismatch: %s != %s", sev, rule.Value)
		}
	case model.ConditionKeyword:
		if rule.MatchKeyword == "" {
			legacyOK = strings.Contains(strings.ToLower(msg), strings.ToLower(rule.Value))
			if !legacyOK {
				report.detail("Condition Keyword '%s' not found", rule.Value)
			}
		}
	case model.ConditionRegex:
		re, err := regexp.Compile("(?i)" + rule.Value)
		if err != nil {
			legacyOK = false
			report.detail("Invalid Regex: %v", err)
		} else if legacyOK = re.MatchString(msg); !legacyOK {
			report.detail("Regex '%s' did not match", rule.Value)
		}
	}
	report.ConditionOK = actionOK && catOK && keyOK && legacyOK
	if !report.ConditionOK {
		if !actionOK {
			report.detail("Action %s is not APPARITION", subj.Action())
		}
		return report, nil
	}
	report.detail("General conditions matched")

	freq := rule.FrequencyCount
	if freq <= 0 {
		freq = 1
	}
	switch {
	case rule.Sequence.Enabled && res != nil:
		seq := rule.Sequence
		m, err := findSequence(ctx, subj, rule.ID, res, model.SequenceQuery{
			ACategory:       seq.ACategory,
			AKeyword:        seq.AKeyword,
			BCategory:       seq.BCategory,
			BKeyword:        seq.BKeyword,
			MaxDelaySeconds: seq.MaxDelaySeconds,
			LookbackDays:    lookback(seq.LookbackDays, opts),
			Reference:       ref,
		})
		if err != nil {
			return report, err
		}
		if m == nil {
			report.FrequencyOK = false
			report.detail("No valid sequence (A->B) found in lookback window")
			break
		}
		report.Sequence = m
		report.detail("Sequence matched: A(id:%d, time:%s) followed by B(id:%d, time:%s)",
			m.AID, m.ATime.Format(time.RFC3339), m.BID, m.BTime.Format(time.RFC3339))
		report.detail("Delay: %.0fs (max allowed: %ds)", m.BTime.Sub(m.ATime).Seconds(), seq.MaxDelaySeconds)

	case rule.SlidingWindowDays > 0 && res != nil:
		count, err := res.CountWindowMatches(ctx, model.WindowMatchQuery{
			SiteCode:  subj.Site(),
			Category:  rule.MatchCategory,
			Keyword:   rule.MatchKeyword,
			Days:      rule.SlidingWindowDays,
			OpenOnly:  rule.OpenOnly,
			Reference: ref,
		})
		if err != nil {
			return report, fmt.Errorf("count window matches for rule %d: %w", rule.ID, err)
		}
		report.Count = withSelf(count, subj)
		if report.Count < freq {
			report.FrequencyOK = false
			report.detail("V3 frequency not met: %d/%d matches in last %d days (open_only=%t)",
				report.Count, freq, rule.SlidingWindowDays, rule.OpenOnly)
		} else {
			report.detail("V3 frequency met: %d/%d matches", report.Count, freq)
		}

	case freq > 1 && rule.FrequencyWindow > 0 && res != nil:
		count, err := res.CountRecentMatches(ctx, model.RecentMatchQuery{
			SiteCode:       subj.Site(),
			ConditionType:  rule.ConditionType,
			Value:          rule.Value,
			Window:         time.Duration(rule.FrequencyWindow) * time.Second,
			Reference:      ref,
			ExcludeEventID: subj.EventRef(),
		})
		if err != nil {
			return report, fmt.Errorf("count recent matches for rule %d: %w", rule.ID, err)
		}
		report.Count = count + 1
		if report.Count < freq {
			report.FrequencyOK = false
			report.detail("B1 frequency not met: %d/%d matches in %ds", report.Count, freq, rule.FrequencyWindow)
		}
	}

	if report.FrequencyOK {
		report.Triggered = true
		report.detail("Rule triggered")
	}
	return report, nil
}

func findSequence(ctx context.Context, subj Subject, ruleID int64, res Resolver, q model.SequenceQuery) (*model.SequenceMatch, error) {
	q.SiteCode = subj.Site()
	m, err := res.FindSequence(ctx, q)
	if err != nil {
		return nil, &SequenceLookupError{RuleID: ruleID, Site: q.SiteCode, Err: err}
	}
	return m, nil
}

// withSelf adds the subject to a window count unless it is already stored
// and therefore counted.
func withSelf(count int, subj Subject) int {
	if subj.EventRef() > 0 {
		return count
	}
	return count + 1
}

func lookback(days int, opts Options) int {
	if days > 0 {
		return days
	}
	if opts.DefaultLookbackDays > 0 {
		return opts.DefaultLookbackDays
	}
	return 2
}
