package profile

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"alarmguard/internal/config"
)

// Probe is the lightweight sample taken from a file before parsing. A nil
// Headers or empty Text means that probe was not supplied.
type Probe struct {
	Headers []string `json:"headers,omitempty"`
	Text    string   `json:"text,omitempty"`
}

type Candidate struct {
	ProfileID string   `json:"profile_id"`
	Priority  int      `json:"priority"`
	Score     float64  `json:"score"`
	Threshold float64  `json:"threshold"`
	Valid     bool     `json:"valid"`
	Breakdown []string `json:"breakdown"`
}

// Report is the full scoring diagnostic, returned with or without a winner.
type Report struct {
	Filename   string      `json:"filename"`
	Extension  string      `json:"extension"`
	Candidates []Candidate `json:"candidates"`
	Winner     string      `json:"winner,omitempty"`
	Ambiguous  bool        `json:"ambiguous,omitempty"`
}

// BestScore returns the highest candidate score, or 0 when none.
func (r Report) BestScore() float64 {
	if len(r.Candidates) == 0 {
		return 0
	}
	return r.Candidates[0].Score
}

type Matcher struct {
	manager *Manager
	scoring config.ScoringConfig
	logger  *slog.Logger
}

func NewMatcher(manager *Manager, scoring config.ScoringConfig, logger *slog.Logger) *Matcher {
	return &Matcher{manager: manager, scoring: scoring, logger: logger}
}

// Match scores the loaded profiles against the file and probe.
func (m *Matcher) Match(filename string, probe Probe) (*Profile, Report) {
	profiles := m.manager.List()
	winner, report := Score(profiles, filename, probe, m.scoring)
	if m.logger != nil {
		if report.Ambiguous {
			m.logger.Warn("ambiguous profile match", "file", filename, "winner", report.Winner, "score", report.BestScore())
		}
		m.logger.Info("profile match", "event", "profile_match", "file", filename, "winner", report.Winner, "candidates", len(report.Candidates))
	}
	return winner, report
}

// Score is the deterministic scoring function: highest score wins, then
// priority descending, then profile id ascending.
func Score(profiles []Profile, filename string, probe Probe, sc config.ScoringConfig) (*Profile, Report) {
	name := filepath.Base(filename)
	ext := strings.ToLower(filepath.Ext(name))
	report := Report{Filename: name, Extension: ext, Candidates: []Candidate{}}
	byID := make(map[string]int, len(profiles))

	for i := range profiles {
		p := &profiles[i]
		if !p.AcceptsExtension(ext) {
			continue
		}
		c := Candidate{ProfileID: p.ProfileID, Priority: p.Priority, Threshold: p.ConfidenceThreshold}
		if c.Threshold == 0 {
			c.Threshold = sc.DefaultThreshold
		}
		add := func(delta float64, reason string) {
			c.Score += delta
			c.Breakdown = append(c.Breakdown, fmt.Sprintf("%s %+.1f", reason, delta))
		}
		add(sc.Base, "extension")

		if pattern := p.Detection.FilenamePattern; pattern != "" {
			if re, err := regexp.Compile("(?i)" + pattern); err == nil && re.MatchString(name) {
				add(sc.FilenameBonus, "filename")
			}
		}

		if len(probe.Headers) > 0 && len(p.Detection.RequiredHeaders) > 0 {
			matched := 0
			for _, req := range p.Detection.RequiredHeaders {
				if containsFold(probe.Headers, req) {
					matched++
					add(sc.HeaderBonus, "header:"+req)
				}
			}
			if matched == 0 {
				add(sc.HeaderPenalty, "headers missing")
			}
		}

		if probe.Text != "" && len(p.Detection.RequiredText) > 0 {
			lower := strings.ToLower(probe.Text)
			matched := 0
			for _, req := range p.Detection.RequiredText {
				if strings.Contains(lower, strings.ToLower(req)) {
					matched++
					add(sc.KeywordBonus, "text:"+req)
				}
			}
			if matched == 0 {
				add(sc.KeywordPenalty, "text missing")
			}
		}

		c.Valid = c.Score >= c.Threshold
		byID[p.ProfileID] = i
		report.Candidates = append(report.Candidates, c)
	}

	sort.SliceStable(report.Candidates, func(i, j int) bool {
		a, b := report.Candidates[i], report.Candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ProfileID < b.ProfileID
	})

	var best *Candidate
	for i := range report.Candidates {
		c := &report.Candidates[i]
		if !c.Valid {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		if c.Score == best.Score {
			report.Ambiguous = true
		}
		break
	}
	if best == nil {
		return nil, report
	}
	report.Winner = best.ProfileID
	winner := profiles[byID[best.ProfileID]]
	return &winner, report
}

func containsFold(haystack []string, needle string) bool {
	needle = strings.ToLower(needle)
	for _, h := range haystack {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}
