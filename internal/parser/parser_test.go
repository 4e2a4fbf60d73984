package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
)

func testOptions() Options {
	return Options{Location: normalize.LoadLocation("Europe/Paris")}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestTabularInheritsSiteAndDate(t *testing.T) {
	tsv := strings.Join([]string{
		`="C-69000"` + "\t" + `="LUN"` + "\t" + `="27/01/2026 16:24:25"` + "\t" + `="APPARITION"` + "\t" + `="130"` + "\t" + `="Intrusion Zone 1"`,
		"\t\t" + `="16:30:00"` + "\t" + `="DISPARITION"` + "\t" + `="130"` + "\t" + `="Intrusion Zone 1"`,
		"\t\t\t\t\t",
	}, "\r\n")
	path := writeFile(t, "export.xls", []byte(tsv))
	events, err := NewTabular().Parse(path, testOptions())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first, second := events[0], events[1]
	if first.SiteCode != "69000" || second.SiteCode != "69000" {
		t.Fatalf("site codes: %q %q", first.SiteCode, second.SiteCode)
	}
	if !first.Timestamp.Equal(time.Date(2026, 1, 27, 15, 24, 25, 0, time.UTC)) {
		t.Fatalf("first ts: %s", first.Timestamp)
	}
	if !second.Timestamp.Equal(time.Date(2026, 1, 27, 15, 30, 0, 0, time.UTC)) {
		t.Fatalf("second ts: %s", second.Timestamp)
	}
	if first.State != model.StateApparition || first.Status != model.SeverityAlarm {
		t.Fatalf("first state: %s %s", first.State, first.Status)
	}
	if second.State != model.StateDisparition || second.Status != model.SeverityInfo || second.WeekdayLabel != "LUN" {
		t.Fatalf("second: %+v", second)
	}
	if first.RawMessage != "APPARITION | Intrusion Zone 1" || first.RawCode != "130" {
		t.Fatalf("message: %q code %q", first.RawMessage, first.RawCode)
	}
	if first.Metadata.Value(model.MetaRawDetails) != "Intrusion Zone 1" {
		t.Fatalf("metadata: %v", first.Metadata.Keys())
	}
}

func TestTabularHistoLayoutAndLatin1(t *testing.T) {
	row := []string{"00032009", "CLIENT X", "", "", "", "", "27/01/2026 16:24:25", "APPARITION", "D\xe9faut secteur $570-A", "", "", "", "", "", ""}
	data := "YPSILON_HISTO\n" + strings.Join(row, "\t") + "\n"
	path := writeFile(t, "histo.xls", []byte(data))
	events, err := NewTabular().Parse(path, testOptions())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.SiteCode != "32009" || ev.ClientName != "CLIENT X" {
		t.Fatalf("site: %+v", ev)
	}
	if ev.RawCode != "570-A" || ev.WeekdayLabel != "MAR" {
		t.Fatalf("code %q weekday %q", ev.RawCode, ev.WeekdayLabel)
	}
	if ev.RawMessage != "APPARITION | Défaut secteur $570-A" {
		t.Fatalf("latin-1 decode: %q", ev.RawMessage)
	}
	if ev.NormalizedMessage != "apparition defaut secteur 570 a" {
		t.Fatalf("normalized: %q", ev.NormalizedMessage)
	}
}

func fixedPDF() *PDF {
	p := NewPDF()
	p.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func TestPDFLineStateMachine(t *testing.T) {
	filler := "Rapport d'exploitation " + strings.Repeat("-", 200)
	page := strings.Join([]string{
		filler,
		"SITE : C-69000 CLIENT TEST",
		"32009999 ANNEXE",
		"Mar 27/01/2026 16:24:25 APPARITION Intrusion $130",
		"16:24:28 Appel operateur",
		"MA27/01/2026 16:30:00 $OPERATEUR MODIFICATION DE DOSSIER",
	}, "\n")
	events := fixedPDF().parsePages([]string{page}, "report.pdf", testOptions())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	head := events[0]
	if head.SiteCode != "69000" || head.RawSiteCode != "C-69000" || head.SecondaryCode != "32009999" {
		t.Fatalf("site context: %+v", head)
	}
	if head.EventType != model.TypePDFEvent || head.State != model.StateApparition || head.RawCode != "130" || head.WeekdayLabel != "MAR" {
		t.Fatalf("header: %+v", head)
	}
	sub := events[1]
	if sub.EventType != model.TypeDetailLog || !sub.Timestamp.Equal(time.Date(2026, 1, 27, 15, 24, 28, 0, time.UTC)) {
		t.Fatalf("sub: %+v", sub)
	}
	op := events[2]
	if op.EventType != model.TypeOperatorAction || op.RawCode != "OPERATEUR" || op.WeekdayLabel != "MA" {
		t.Fatalf("operator: %+v", op)
	}
	if op.Metadata.Value(model.MetaIsOperator) != "true" {
		t.Fatalf("is_operator metadata missing")
	}
}

func TestPDFDiagnostics(t *testing.T) {
	events := fixedPDF().parsePages([]string{"scanned"}, "scan.pdf", testOptions())
	if len(events) != 1 || events[0].EventType != model.TypeParsingError || events[0].SiteCode != "SYSTEM" {
		t.Fatalf("expected parsing error: %+v", events)
	}
	events = fixedPDF().parsePages([]string{strings.Repeat("lorem ipsum ", 30)}, "text.pdf", testOptions())
	if len(events) != 1 || events[0].EventType != model.TypeParsingWarning {
		t.Fatalf("expected parsing warning: %+v", events)
	}
}

func TestParserErrorOnUnreadableInput(t *testing.T) {
	_, err := NewTabular().Parse(filepath.Join(t.TempDir(), "missing.xls"), testOptions())
	var perr *ParserError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParserError, got %v", err)
	}
	path := writeFile(t, "broken.pdf", []byte("not a pdf"))
	if _, err := NewPDF().Parse(path, testOptions()); !errors.As(err, &perr) {
		t.Fatalf("expected ParserError for pdf, got %v", err)
	}
	if _, err := ForExtension(".csv"); !errors.Is(err, ErrNoParser) {
		t.Fatalf("expected ErrNoParser, got %v", err)
	}
}

func TestProbeAndHash(t *testing.T) {
	path := writeFile(t, "probe.xls", []byte("\n\t\n"+`="Site"`+"\tDate\t\tAction\n"))
	probe := ProbeFile(path, nil)
	if len(probe.Headers) != 3 || probe.Headers[0] != "Site" || probe.Headers[2] != "Action" {
		t.Fatalf("headers: %v", probe.Headers)
	}
	if IsZip(path) {
		t.Fatalf("tsv is not a zip")
	}
	abc := writeFile(t, "abc.txt", []byte("abc"))
	sum, err := HashFile(abc)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if sum != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256: %s", sum)
	}
}
