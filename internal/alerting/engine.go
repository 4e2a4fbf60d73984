package alerting

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"alarmguard/internal/alerts"
	"alarmguard/internal/config"
	"alarmguard/internal/metrics"
	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
)

// Repository is the transactional store the engine reads history from and
// writes hits to.
type Repository interface {
	Resolver
	RecordHit(ctx context.Context, hit model.RuleHit) (bool, error)
	UpdateEventSeverity(ctx context.Context, id int64, severity string) error
}

// Publisher forwards alert traces to an external channel.
type Publisher interface {
	Publish(ctx context.Context, alert model.Alert) error
}

const (
	conditionSystem = "SYSTEM"
	sourceName      = "alerting"
)

type Engine struct {
	logger    *slog.Logger
	metrics   *metrics.Registry
	alerts    *alerts.Store
	publisher Publisher
	cfg       atomic.Value
}

func NewEngine(cfg *config.Config, logger *slog.Logger, metricsReg *metrics.Registry, alertsStore *alerts.Store, publisher Publisher) *Engine {
	e := &Engine{
		logger:    logger,
		metrics:   metricsReg,
		alerts:    alertsStore,
		publisher: publisher,
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		if cfg, ok := v.(*config.Config); ok && cfg != nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

func (e *Engine) options(ref time.Time) Options {
	cfg := e.config()
	opts := Options{
		Reference:           ref,
		Location:            normalize.LoadLocation(cfg.Alerting.DisplayTimezone),
		DefaultLookbackDays: cfg.Alerting.DefaultLookbackDays,
	}
	if sched, err := ParseSchedule(cfg.Alerting.BusinessHoursStart, cfg.Alerting.BusinessHoursEnd); err == nil {
		opts.BusinessHours = sched
	}
	return opts
}

// Evaluable reports whether the alerting engine owns a rule. RAW_CODE and
// system rules belong to the business rule engine.
func Evaluable(rule model.AlertRule) bool {
	if !rule.Active {
		return false
	}
	switch rule.ConditionType {
	case model.ConditionRawCode, conditionSystem:
		return false
	}
	return true
}

// ProcessEvent evaluates every rule against a persisted event and triggers
// the ones that match. Per-rule failures are logged and joined into the
// returned error; they never stop the remaining rules.
func (e *Engine) ProcessEvent(ctx context.Context, repo Repository, ev *model.CanonicalEvent, rules []model.AlertRule) ([]model.Alert, error) {
	opts := e.options(time.Time{})
	var out []model.Alert
	var errs []error
	for _, rule := range rules {
		if !Evaluable(rule) {
			continue
		}
		report, err := Evaluate(ctx, ev, rule, repo, opts)
		if err != nil {
			errs = append(errs, err)
			if e.logger != nil {
				var seqErr *SequenceLookupError
				kind := "evaluation"
				if errors.As(err, &seqErr) {
					kind = "sequence_lookup"
				}
				e.logger.Error("rule evaluation failed",
					"event", "rule_error",
					"kind", kind,
					"rule", rule.Name,
					"event_id", ev.ID,
					"error", err,
				)
			}
			continue
		}
		if !report.Triggered {
			continue
		}
		alert, err := e.trigger(ctx, repo, ev, rule, report)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, alert)
	}
	return out, errors.Join(errs...)
}

func (e *Engine) trigger(ctx context.Context, repo Repository, ev *model.CanonicalEvent, rule model.AlertRule, report Report) (model.Alert, error) {
	ev.Status = model.SeverityCritical

	hitMeta := make(map[string]string)
	if ev.ZoneLabel != "" {
		hitMeta["zone_label"] = ev.ZoneLabel
	}
	if zoneID := ev.Metadata.Value(model.MetaZoneID); zoneID != "" {
		hitMeta["zone_id"] = zoneID
	}

	alert := model.Alert{
		Timestamp: ev.Timestamp,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		EventID:   ev.ID,
		ImportID:  ev.ImportID,
		SiteCode:  ev.SiteCode,
		Category:  ev.Category,
		Message:   ev.RawMessage,
		Severity:  model.SeverityCritical,
		Source:    sourceName,
		Details:   report.Details,
		Context:   hitMeta,
	}

	if ev.Persisted() && repo != nil {
		if err := repo.UpdateEventSeverity(ctx, ev.ID, model.SeverityCritical); err != nil {
			return alert, err
		}
		recorded, err := repo.RecordHit(ctx, model.RuleHit{
			EventID:  ev.ID,
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Metadata: hitMeta,
		})
		if err != nil {
			if e.logger != nil {
				e.logger.Error("record rule hit failed", "rule", rule.Name, "event_id", ev.ID, "error", err)
			}
			return alert, err
		}
		if recorded {
			e.metrics.RuleHit(rule.Name)
		}
	}

	if e.alerts != nil {
		e.alerts.Add(alert)
	}
	if e.logger != nil {
		e.logger.Warn("alert triggered",
			"event", "alert_triggered",
			"rule", rule.Name,
			"site_code", ev.SiteCode,
			"event_id", ev.ID,
			"message", ev.RawMessage,
		)
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, alert); err != nil {
			e.metrics.PublishFailure()
			if e.logger != nil {
				e.logger.Warn("alert publish failed", "rule", rule.Name, "event_id", ev.ID, "error", err)
			}
		}
	}
	return alert, nil
}

// DryRun evaluates a rule against a sample without recording anything. A
// zero ref uses the sample time.
func (e *Engine) DryRun(ctx context.Context, res Resolver, subj Subject, rule model.AlertRule, ref time.Time) (Report, error) {
	return Evaluate(ctx, subj, rule, res, e.options(ref))
}
