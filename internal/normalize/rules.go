package normalize

import (
	"log/slog"
	"regexp"
	"strings"

	"alarmguard/internal/config"
	"alarmguard/internal/model"
)

type compiledRule struct {
	re       *regexp.Regexp
	typ      string
	severity string
	extract  map[string]int
}

// Normalizer applies the ordered regex rule list to raw messages.
type Normalizer struct {
	rules     []compiledRule
	stopFirst bool
}

func NewNormalizer(cfg config.NormalizationConfig, logger *slog.Logger) *Normalizer {
	n := &Normalizer{stopFirst: cfg.StopFirst()}
	for _, rule := range cfg.Rules {
		re, err := regexp.Compile("(?i)" + rule.Regex)
		if err != nil {
			if logger != nil {
				logger.Error("invalid normalization rule", "regex", rule.Regex, "err", err)
			}
			continue
		}
		n.rules = append(n.rules, compiledRule{
			re:       re,
			typ:      rule.Type,
			severity: rule.Severity,
			extract:  rule.Extract,
		})
	}
	return n
}

func (n *Normalizer) Len() int {
	return len(n.rules)
}

// Apply enriches ev in place and reports whether any rule matched.
func (n *Normalizer) Apply(ev *model.CanonicalEvent) bool {
	if ev == nil || ev.RawMessage == "" {
		return false
	}
	matched := false
	for _, rule := range n.rules {
		groups := rule.re.FindStringSubmatch(ev.RawMessage)
		if groups == nil {
			continue
		}
		matched = true
		if rule.typ != "" {
			ev.EventType = rule.typ
			ev.NormalizedType = rule.typ
		}
		if rule.severity != "" {
			ev.Status = rule.severity
		}
		for field, idx := range rule.extract {
			if idx < 1 || idx >= len(groups) {
				continue
			}
			if val := strings.TrimSpace(groups[idx]); val != "" {
				applyExtraction(ev, field, val)
			}
		}
		if n.stopFirst {
			break
		}
	}
	return matched
}

func applyExtraction(ev *model.CanonicalEvent, field, value string) {
	switch field {
	case "zone_label":
		ev.ZoneLabel = value
	case "site_code":
		ev.SiteCode = SiteCode(value)
	case "sub_type":
		ev.SubType = value
	default:
		ev.Metadata.Set(field, value)
	}
}
