package tagging

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
)

const CodeUnknown = "UNKNOWN"

var reCamera = regexp.MustCompile(`cam\d+(-\d+)?`)

var fallback = model.CatalogEntry{
	Code:             CodeUnknown,
	Label:            "Unknown Code",
	Category:         "unknown",
	Severity:         "info",
	AlertableDefault: false,
	Active:           true,
}

// CatalogSource lists the active code catalog rows.
type CatalogSource interface {
	ActiveCatalog(ctx context.Context) ([]model.CatalogEntry, error)
}

type entry struct {
	model.CatalogEntry
	normLabel string
}

// Service tags events from an in-memory copy of the code catalog. The cache
// is filled by Reload and reused across batches.
type Service struct {
	source CatalogSource
	seed   []model.CatalogEntry
	logger *slog.Logger

	mu     sync.RWMutex
	byCode map[string]entry
	codes  []string
}

func NewService(source CatalogSource, seed []model.CatalogEntry, logger *slog.Logger) *Service {
	s := &Service{source: source, seed: seed, logger: logger}
	s.install(seed)
	return s
}

// Reload replaces the cache from the catalog source. The configured seed is
// used when the source has no rows.
func (s *Service) Reload(ctx context.Context) error {
	if s.source == nil {
		s.install(s.seed)
		return nil
	}
	rows, err := s.source.ActiveCatalog(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		rows = s.seed
	}
	s.install(rows)
	if s.logger != nil {
		s.logger.Debug("tagging cache loaded", "entries", len(rows))
	}
	return nil
}

func (s *Service) install(rows []model.CatalogEntry) {
	byCode := make(map[string]entry, len(rows))
	codes := make([]string, 0, len(rows))
	for _, row := range rows {
		code := strings.ToUpper(strings.TrimSpace(row.Code))
		if code == "" {
			continue
		}
		if _, dup := byCode[code]; !dup {
			codes = append(codes, code)
		}
		byCode[code] = entry{CatalogEntry: row, normLabel: normalize.Text(row.Label)}
	}
	sort.Strings(codes)
	s.mu.Lock()
	s.byCode = byCode
	s.codes = codes
	s.mu.Unlock()
}

func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCode)
}

// ExtractCode returns the lookup code for an event: the cleaned raw code,
// CAM for camera references, else UNKNOWN.
func ExtractCode(ev *model.CanonicalEvent) string {
	if ev.RawCode != "" {
		code := strings.ToUpper(strings.TrimSpace(ev.RawCode))
		return strings.NewReplacer(`"`, "", "=", "").Replace(code)
	}
	if reCamera.MatchString(message(ev)) {
		return "CAM"
	}
	return CodeUnknown
}

func message(ev *model.CanonicalEvent) string {
	if ev.NormalizedMessage != "" {
		return ev.NormalizedMessage
	}
	return normalize.Text(ev.RawMessage)
}

// Lookup resolves the catalog entry for an event: exact code, then the first
// entry whose code or label appears in the message, then the fallback.
func (s *Service) Lookup(ev *model.CanonicalEvent) model.CatalogEntry {
	code := ExtractCode(ev)
	msg := message(ev)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if code != CodeUnknown {
		if e, ok := s.byCode[code]; ok {
			return e.CatalogEntry
		}
	}
	for _, c := range s.codes {
		e := s.byCode[c]
		if c != CodeUnknown && strings.Contains(msg, strings.ToLower(c)) {
			return e.CatalogEntry
		}
		if e.normLabel != "" && strings.Contains(msg, e.normLabel) {
			return e.CatalogEntry
		}
	}
	if e, ok := s.byCode[CodeUnknown]; ok {
		return e.CatalogEntry
	}
	return fallback
}

// Tag applies category, severity, alertable flag and catalog label.
func (s *Service) Tag(ev *model.CanonicalEvent) {
	if ev == nil {
		return
	}
	e := s.Lookup(ev)
	ev.Category = e.Category
	ev.Status = strings.ToUpper(e.Severity)
	ev.AlertableDefault = e.AlertableDefault
	if e.Label != "" {
		ev.Metadata.Set(model.MetaCatalogLabel, e.Label)
	}
}
