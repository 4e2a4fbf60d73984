package provider

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"alarmguard/internal/model"
)

// Store loads providers and their sender rules.
type Store interface {
	Providers(ctx context.Context) ([]model.Provider, error)
	ProviderRules(ctx context.Context) ([]model.ProviderRule, error)
}

type compiledRule struct {
	model.ProviderRule
	re *regexp.Regexp
}

// Resolver maps a sender address to a monitoring provider from a cached
// rule set. Reload swaps the cache atomically.
type Resolver struct {
	store  Store
	logger *slog.Logger

	mu        sync.RWMutex
	providers map[int64]model.Provider
	tiers     [3][]compiledRule
}

func NewResolver(store Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger, providers: make(map[int64]model.Provider)}
}

func tierOf(t model.ProviderMatchType) (int, bool) {
	switch model.ProviderMatchType(strings.ToUpper(string(t))) {
	case model.MatchExact:
		return 0, true
	case model.MatchDomain:
		return 1, true
	case model.MatchContains, model.MatchRegex:
		return 2, true
	}
	return 0, false
}

func (r *Resolver) Reload(ctx context.Context) error {
	providers, err := r.store.Providers(ctx)
	if err != nil {
		return fmt.Errorf("load providers: %w", err)
	}
	rules, err := r.store.ProviderRules(ctx)
	if err != nil {
		return fmt.Errorf("load provider rules: %w", err)
	}
	byID := make(map[int64]model.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	var tiers [3][]compiledRule
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if p, ok := byID[rule.ProviderID]; !ok || !p.Active {
			continue
		}
		tier, ok := tierOf(rule.MatchType)
		if !ok {
			r.warn("unknown provider match type", rule, nil)
			continue
		}
		cr := compiledRule{ProviderRule: rule}
		cr.MatchType = model.ProviderMatchType(strings.ToUpper(string(rule.MatchType)))
		if cr.MatchType == model.MatchRegex {
			re, err := regexp.Compile("(?i)" + rule.MatchValue)
			if err != nil {
				r.warn("invalid provider regex", rule, err)
				continue
			}
			cr.re = re
		}
		tiers[tier] = append(tiers[tier], cr)
	}
	for i := range tiers {
		sort.SliceStable(tiers[i], func(a, b int) bool {
			if tiers[i][a].Priority != tiers[i][b].Priority {
				return tiers[i][a].Priority > tiers[i][b].Priority
			}
			return tiers[i][a].ID < tiers[i][b].ID
		})
	}

	r.mu.Lock()
	r.providers = byID
	r.tiers = tiers
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.Info("provider rules loaded", "providers", len(byID), "rules", len(tiers[0])+len(tiers[1])+len(tiers[2]))
	}
	return nil
}

func (r *Resolver) warn(msg string, rule model.ProviderRule, err error) {
	if r.logger == nil {
		return
	}
	if err != nil {
		r.logger.Warn(msg, "rule_id", rule.ID, "match_type", rule.MatchType, "error", err)
		return
	}
	r.logger.Warn(msg, "rule_id", rule.ID, "match_type", rule.MatchType)
}

// Resolve returns the provider of a sender address. EXACT rules win over
// DOMAIN rules, which win over CONTAINS and REGEX; inside a tier the highest
// priority wins.
func (r *Resolver) Resolve(sender string) (model.Provider, bool) {
	addr := strings.ToLower(strings.TrimSpace(sender))
	if addr == "" {
		return model.Provider{}, false
	}
	if i := strings.LastIndex(addr, "<"); i >= 0 && strings.HasSuffix(addr, ">") {
		addr = addr[i+1 : len(addr)-1]
	}
	domain := ""
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		domain = addr[at+1:]
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tier := range r.tiers {
		for _, rule := range tier {
			if matches(rule, addr, domain) {
				return r.providers[rule.ProviderID], true
			}
		}
	}
	return model.Provider{}, false
}

func matches(rule compiledRule, addr, domain string) bool {
	value := strings.ToLower(strings.TrimSpace(rule.MatchValue))
	switch rule.MatchType {
	case model.MatchExact:
		return addr == value
	case model.MatchDomain:
		return domain != "" && domain == strings.TrimPrefix(value, "@")
	case model.MatchContains:
		return value != "" && strings.Contains(addr, value)
	case model.MatchRegex:
		return rule.re != nil && rule.re.MatchString(addr)
	}
	return false
}

// Accepts reports whether the provider takes attachments with the given
// extension. A provider without a list accepts everything.
func Accepts(p model.Provider, ext string) bool {
	if len(p.AcceptedAttachmentTypes) == 0 {
		return true
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, t := range p.AcceptedAttachmentTypes {
		if strings.TrimPrefix(strings.ToLower(strings.TrimSpace(t)), ".") == ext {
			return true
		}
	}
	return false
}
