package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"alarmguard/internal/config"
)

func testScoring() config.ScoringConfig {
	return config.DefaultScoring()
}

func xlsProfile(id string, priority int) Profile {
	return Profile{
		ProfileID:           id,
		Name:                id,
		Priority:            priority,
		ConfidenceThreshold: 2.0,
		Detection:           Detection{Extensions: []string{".xls"}, FilenamePattern: `^export`},
	}
}

func TestScoreTieBreaksByPriorityThenID(t *testing.T) {
	profiles := []Profile{xlsProfile("zeta", 1), xlsProfile("alpha", 1), xlsProfile("mid", 5)}
	winner, report := Score(profiles, "/in/export_01.xls", Probe{}, testScoring())
	if winner == nil || winner.ProfileID != "mid" {
		t.Fatalf("expected mid to win by priority, report=%+v", report)
	}
	profiles[2].Priority = 1
	winner, report = Score(profiles, "export_01.xls", Probe{}, testScoring())
	if winner == nil || winner.ProfileID != "alpha" {
		t.Fatalf("expected alpha by id, got %+v", report)
	}
	if !report.Ambiguous {
		t.Fatalf("equal scores should be flagged ambiguous")
	}
}

func TestScoreHigherScoreBeatsPriority(t *testing.T) {
	low := xlsProfile("low", 100)
	low.Detection.FilenamePattern = ""
	low.ConfidenceThreshold = 1
	high := xlsProfile("high", 0)
	winner, _ := Score([]Profile{low, high}, "export.xls", Probe{}, testScoring())
	if winner == nil || winner.ProfileID != "high" {
		t.Fatalf("strictly higher score must win")
	}
}

func TestScoreExtensionIsHardFilterAndPenalties(t *testing.T) {
	pdf := Profile{
		ProfileID:           "pdf_report",
		Name:                "pdf",
		ConfidenceThreshold: 2,
		Detection:           Detection{Extensions: []string{".pdf"}, RequiredText: []string{"Rapport"}},
	}
	xls := xlsProfile("xls", 0)
	xls.Detection.RequiredHeaders = []string{"Site"}

	winner, report := Score([]Profile{pdf, xls}, "a.pdf", Probe{Text: "nothing here"}, testScoring())
	if winner != nil {
		t.Fatalf("no winner expected")
	}
	if len(report.Candidates) != 1 || report.Candidates[0].Score != -9 || report.Candidates[0].Valid {
		t.Fatalf("report: %+v", report.Candidates)
	}

	winner, _ = Score([]Profile{pdf}, "a.pdf", Probe{Text: "RAPPORT d'alarmes"}, testScoring())
	if winner == nil {
		t.Fatalf("keyword should lift the score over threshold")
	}

	_, report = Score([]Profile{xls}, "export.xls", Probe{Headers: []string{"Date", "Action"}}, testScoring())
	if report.Candidates[0].Score != -4 {
		t.Fatalf("header penalty: %+v", report.Candidates[0])
	}
	_, report = Score([]Profile{xls}, "export.xls", Probe{}, testScoring())
	if report.Candidates[0].Score != 6 {
		t.Fatalf("no probe means no penalty: %+v", report.Candidates[0])
	}
}

func TestValidateRejectsBadProfileID(t *testing.T) {
	p := xlsProfile("bad-id", 0)
	if err := Validate(&p); err == nil {
		t.Fatalf("expected profile_id validation error")
	}
	p = xlsProfile("good_id", 0)
	p.ParserConfig.Format = "histo"
	if err := Validate(&p); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.Format() != FormatHisto || p.SourceTimezone != "Europe/Paris" {
		t.Fatalf("defaults not applied: %+v", p)
	}
}

type fakeStore struct {
	profiles []Profile
}

func (f fakeStore) ActiveProfiles(ctx context.Context) ([]Profile, error) {
	return f.profiles, nil
}

func TestManagerDBWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	doc := `profiles:
  - profile_id: shared
    name: from yaml
    detection:
      extensions: [".xls"]
  - profile_id: yaml_only
    name: yaml only
    detection:
      extensions: [".pdf"]
  - profile_id: "bad id"
    name: broken
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := fakeStore{profiles: []Profile{{ProfileID: "shared", Name: "from db", Active: true, Detection: Detection{Extensions: []string{"xls"}}}}}
	m := NewManager(config.ProfilesConfig{Mode: config.ProfilesDBFallbackYAML, Path: path}, store, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	shared, ok := m.Get("shared")
	if !ok || shared.Name != "from db" {
		t.Fatalf("db profile should win: %+v", shared)
	}
	if _, ok := m.Get("yaml_only"); !ok {
		t.Fatalf("yaml should fill missing ids")
	}
	if len(m.Invalid()) != 1 {
		t.Fatalf("invalid: %v", m.Invalid())
	}
	if got := m.List(); len(got) != 2 || got[0].ProfileID != "shared" {
		t.Fatalf("list: %+v", got)
	}

	m = NewManager(config.ProfilesConfig{Mode: config.ProfilesYAML, Path: path}, store, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	shared, _ = m.Get("shared")
	if shared.Name != "from yaml" {
		t.Fatalf("yaml mode ignores db: %+v", shared)
	}
}
