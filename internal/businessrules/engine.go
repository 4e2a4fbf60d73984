package businessrules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"alarmguard/internal/config"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
)

// SystemRuleName is the rule every built-in hit is recorded under.
const SystemRuleName = "ENGINE_V1"

const (
	RuleIntrusionNoMaintenance = "INTRUSION_NO_MAINTENANCE"
	RuleAbsenceTest            = "ABSENCE_TEST"
	RuleTechnicalFault         = "TECHNICAL_FAULT"
	RuleEjection48h            = "EJECTION_48H"
	RuleZoneInhibition         = "ZONE_INHIBITION"
)

// Repository is the store view needed to evaluate and record rule hits.
type Repository interface {
	SettingsSource
	ActiveRules(ctx context.Context) ([]model.AlertRule, error)
	SystemRuleID(ctx context.Context, name string) (int64, error)
	RecordHit(ctx context.Context, hit model.RuleHit) (bool, error)
}

// Stats summarises one batch evaluation.
type Stats struct {
	Evaluated int `json:"evaluated"`
	Excluded  int `json:"excluded"`
	V1Hits    int `json:"v1_hits"`
	V2Hits    int `json:"v2_hits"`
}

func (s *Stats) add(o Stats) {
	s.Evaluated += o.Evaluated
	s.Excluded += o.Excluded
	s.V1Hits += o.V1Hits
	s.V2Hits += o.V2Hits
}

type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Registry
	cfg     atomic.Value
}

func NewEngine(cfg config.RulesConfig, logger *slog.Logger, metricsReg *metrics.Registry) *Engine {
	e := &Engine{logger: logger, metrics: metricsReg}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg config.RulesConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() config.RulesConfig {
	if v, ok := e.cfg.Load().(config.RulesConfig); ok {
		return v
	}
	return config.DefaultConfig().Rules
}

// batch is the state resolved once per batch.
type batch struct {
	settings Settings
	rules    []model.AlertRule
	systemID int64
}

func (e *Engine) prepare(ctx context.Context, repo Repository) (batch, error) {
	b := batch{settings: LoadSettings(ctx, repo, e.config(), e.logger)}
	rules, err := repo.ActiveRules(ctx)
	if err != nil {
		return b, fmt.Errorf("load active rules: %w", err)
	}
	b.rules = rules
	if b.settings.EngineV1Enabled {
		id, err := repo.SystemRuleID(ctx, SystemRuleName)
		if err != nil {
			return b, fmt.Errorf("resolve %s rule: %w", SystemRuleName, err)
		}
		b.systemID = id
	}
	return b, nil
}

// EvaluateBatch runs the built-in and RAW_CODE rules over persisted events.
func (e *Engine) EvaluateBatch(ctx context.Context, repo Repository, events []*model.CanonicalEvent) (Stats, error) {
	b, err := e.prepare(ctx, repo)
	if err != nil {
		return Stats{}, err
	}
	if e.logger != nil {
		e.logger.Debug("business rules batch", "engine_v1_enabled", b.settings.EngineV1Enabled,
			"raw_code_mode", b.settings.RawCodeMode, "rules", len(b.rules), "events", len(events))
	}
	return e.evaluate(ctx, repo, b, events)
}

func (e *Engine) evaluate(ctx context.Context, repo Repository, b batch, events []*model.CanonicalEvent) (Stats, error) {
	var st Stats
	for _, ev := range events {
		if !ev.Persisted() {
			continue
		}
		if b.settings.ExcludeDupCount && ev.DupCount > 0 {
			st.Excluded++
			if e.logger != nil {
				e.logger.Debug("event excluded by dup count", "event", "rule_dup_excluded", "event_id", ev.ID, "dup_count", ev.DupCount)
			}
			continue
		}
		st.Evaluated++
		if b.settings.EngineV1Enabled {
			n, err := e.evaluateV1(ctx, repo, b.systemID, ev)
			if err != nil {
				return st, err
			}
			st.V1Hits += n
		}
		n, err := e.evaluateV2(ctx, repo, b, ev)
		if err != nil {
			return st, err
		}
		st.V2Hits += n
	}
	return st, nil
}

// BuiltinHit is one built-in rule matched by an event.
type BuiltinHit struct {
	Rule        string
	Explanation string
}

// BuiltinHits lists the built-in rules an event matches, in evaluation order.
func BuiltinHits(cfg config.RulesConfig, ev *model.CanonicalEvent) []BuiltinHit {
	var out []BuiltinHit
	msg := strings.ToLower(ev.NormalizedMessage)
	if containsAny(msg, cfg.Intrusion.Keywords) && !ev.InMaintenance {
		out = append(out, BuiltinHit{RuleIntrusionNoMaintenance, "Intrusion without active maintenance"})
	}
	if containsAny(msg, cfg.AbsenceTest.Keywords) {
		out = append(out, BuiltinHit{RuleAbsenceTest, "Missing cyclic test detected"})
	}
	code := strings.TrimSpace(ev.RawCode)
	if code != "" {
		for _, c := range cfg.Faults.ApparitionCodes {
			if c == code {
				out = append(out, BuiltinHit{RuleTechnicalFault, "Technical fault: " + code})
				break
			}
		}
		if cfg.EjectionCode != "" && code == cfg.EjectionCode {
			out = append(out, BuiltinHit{RuleEjection48h, "Ejection detected (48h watch)"})
		}
	}
	if cfg.InhibitionKeyword != "" && strings.Contains(ev.RawMessage, cfg.InhibitionKeyword) {
		out = append(out, BuiltinHit{RuleZoneInhibition, "Zone inhibited: " + truncateRunes(ev.RawMessage, 80)})
	}
	return out
}

func (e *Engine) evaluateV1(ctx context.Context, repo Repository, systemID int64, ev *model.CanonicalEvent) (int, error) {
	hits := 0
	for _, h := range BuiltinHits(e.config(), ev) {
		ok, err := e.record(ctx, repo, ev, systemID, h.Rule, h.Explanation)
		if err != nil {
			return hits, err
		}
		if ok {
			hits++
		}
	}
	return hits, nil
}

func (e *Engine) evaluateV2(ctx context.Context, repo Repository, b batch, ev *model.CanonicalEvent) (int, error) {
	hits := 0
	for _, rule := range b.rules {
		if !MatchRawCodeRule(rule, ev, b.settings.RawCodeMode) {
			continue
		}
		if e.logger != nil {
			e.logger.Info("raw code rule matched", "event", "rule_raw_code_match", "rule_id", rule.ID,
				"rule", rule.Name, "event_id", ev.ID, "raw_code", ev.RawCode, "mode", b.settings.RawCodeMode)
		}
		ok, err := e.record(ctx, repo, ev, rule.ID, rule.Name, fmt.Sprintf("[V2] raw_code match (mode=%s)", b.settings.RawCodeMode))
		if err != nil {
			return hits, err
		}
		if ok {
			hits++
		}
	}
	return hits, nil
}

func (e *Engine) record(ctx context.Context, repo Repository, ev *model.CanonicalEvent, ruleID int64, name, explanation string) (bool, error) {
	ok, err := repo.RecordHit(ctx, model.RuleHit{
		EventID:  ev.ID,
		RuleID:   ruleID,
		RuleName: name,
		Metadata: map[string]string{"explanation": explanation},
	})
	if err != nil {
		return false, err
	}
	if ok {
		e.metrics.RuleHit(name)
		if e.logger != nil {
			e.logger.Info("rule hit", "event", "rule_hit", "rule", name, "rule_id", ruleID, "event_id", ev.ID)
		}
	}
	return ok, nil
}

// MatchRawCodeRule applies an active RAW_CODE rule to an event. The matching
// config comes from the logic tree when logic is enabled, else from the
// value, which is either a single code or a JSON list.
func MatchRawCodeRule(rule model.AlertRule, ev *model.CanonicalEvent, mode string) bool {
	if !rule.Active || rule.ConditionType != model.ConditionRawCode {
		return false
	}
	if rule.ScopeSiteCode != "" && rule.ScopeSiteCode != ev.SiteCode {
		return false
	}
	return matchRawCode(ev.RawCode, ruleCodeConfig(rule), mode)
}

type codeConfig struct {
	Code  string
	Codes []string
	Mode  string
}

func ruleCodeConfig(rule model.AlertRule) codeConfig {
	var cfg codeConfig
	if rule.LogicEnabled && len(rule.LogicTree) > 0 {
		var m map[string]any
		if err := json.Unmarshal(rule.LogicTree, &m); err != nil {
			return cfg
		}
		if v, ok := m["raw_code"]; ok {
			cfg.Code = scalarString(v)
		}
		list, ok := m["raw_codes"]
		if !ok {
			list = m["raw_code_list"]
		}
		cfg.Codes = stringList(list)
		if v, ok := m["raw_code_mode"].(string); ok {
			cfg.Mode = strings.ToUpper(strings.TrimSpace(v))
		}
		return cfg
	}
	var parsed any
	if err := json.Unmarshal([]byte(rule.Value), &parsed); err == nil {
		if list, ok := parsed.([]any); ok {
			cfg.Codes = stringList(list)
			return cfg
		}
		cfg.Code = scalarString(parsed)
		return cfg
	}
	cfg.Code = rule.Value
	return cfg
}

func matchRawCode(raw string, cfg codeConfig, mode string) bool {
	code := strings.TrimSpace(raw)
	if code == "" {
		return false
	}
	if cfg.Mode != "" {
		mode = cfg.Mode
	}
	switch strings.ToUpper(mode) {
	case ModeExact:
		return code == strings.TrimSpace(cfg.Code)
	case ModeIn:
		targets := cfg.Codes
		if len(targets) == 0 && strings.TrimSpace(cfg.Code) != "" {
			targets = []string{cfg.Code}
		}
		for _, t := range targets {
			if code == strings.TrimSpace(t) {
				return true
			}
		}
	}
	return false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, scalarString(item))
		}
		return out
	case string:
		var list []any
		if err := json.Unmarshal([]byte(t), &list); err == nil {
			return stringList(list)
		}
		return []string{t}
	}
	return nil
}

func containsAny(msg string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(msg, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
