package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"alarmguard/internal/ingest"
	"alarmguard/internal/model"
	"alarmguard/internal/parser"
)

var reportHeader = []string{
	"Rapport journalier des evenements de telesurveillance",
	"Edition automatique generee par le centre de supervision",
	"SITE : C-69000 CLIENT TEST",
}

const (
	reportOpen  = "Mar 27/01/2026 16:24:00 APPARITION Intrusion Zone 1 $130"
	reportClose = "Mar 27/01/2026 16:30:00 DISPARITION Intrusion Zone 1 $130"
)

// textPDF renders one page of monospaced text lines as a minimal PDF.
func textPDF(lines ...string) []byte {
	var content bytes.Buffer
	content.WriteString("BT\n/F1 9 Tf\n40 560 Td\n")
	for _, line := range lines {
		esc := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(line)
		fmt.Fprintf(&content, "(%s) Tj\n0 -14 Td\n", esc)
	}
	content.WriteString("ET\n")

	widths := strings.TrimSpace(strings.Repeat("600 ", 126-32+1))
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 842 595] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Courier /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 126 /Widths [" + widths + "] >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func reportPDF(events ...string) string {
	return string(textPDF(append(append([]string{}, reportHeader...), events...)...))
}

func emailPair(t *testing.T, sheet, pdf string) []model.SourceItem {
	t.Helper()
	meta := func() map[string]string { return map[string]string{} }
	a := sourceItem(t, "export.xls", sheet, meta())
	b := sourceItem(t, "report.pdf", pdf, meta())
	a.CorrelationID, b.CorrelationID = "email:42", "email:42"
	a.Origin, b.Origin = model.OriginEmail, model.OriginEmail
	return []model.SourceItem{b, a}
}

func outcomes(done []Processed) map[string]ingest.Outcome {
	out := make(map[string]ingest.Outcome, len(done))
	for _, p := range done {
		out[p.Item.Filename] = p.Ack.Outcome
	}
	return out
}

func TestGroupLinksPDFAsSupport(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	done := f.coord.ProcessGroup(ctx, "email", emailPair(t, workedExampleTSV(), reportPDF(reportOpen, reportClose)))
	if len(done) != 2 || done[0].Item.Filename != "export.xls" {
		t.Fatalf("spreadsheet must run first: %+v", done)
	}
	got := outcomes(done)
	if got["export.xls"] != ingest.OutcomeSuccess || got["report.pdf"] != ingest.OutcomeSuccess {
		t.Fatalf("outcomes: %v", got)
	}
	rec, err := f.store.GetImport(ctx, done[0].Result.ImportID)
	if err != nil {
		t.Fatalf("get import: %v", err)
	}
	if rec.SupportPath != "report.pdf" || rec.SupportHash != done[1].Result.Hash || rec.SupportHash == "" {
		t.Fatalf("support link: path=%q hash=%q", rec.SupportPath, rec.SupportHash)
	}
	if rec.Metadata["integrity_score"] != float64(100) || rec.Metadata["integrity_warning"] != nil {
		t.Fatalf("integrity: %v", rec.Metadata)
	}
	if n, _ := f.store.CountEvents(ctx); n != 2 {
		t.Fatalf("support pdf must not be ingested: %d events", n)
	}
	if pdfRec, _ := f.store.GetImportByHash(ctx, rec.SupportHash); pdfRec != nil {
		t.Fatalf("support pdf got its own import: %+v", pdfRec)
	}
}

func TestGroupFlagsLowIntegrity(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	done := f.coord.ProcessGroup(ctx, "email", emailPair(t, workedExampleTSV(), reportPDF(reportOpen)))
	rec, _ := f.store.GetImport(ctx, done[0].Result.ImportID)
	if rec == nil || rec.Metadata["integrity_score"] != float64(50) || rec.Metadata["integrity_warning"] != true {
		t.Fatalf("integrity: %+v", rec)
	}
}

func TestGroupFallsBackToPDFWhenSheetIsEmpty(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	done := f.coord.ProcessGroup(ctx, "email", emailPair(t, "Rapport vide", reportPDF(reportOpen, reportClose)))
	got := outcomes(done)
	if got["export.xls"] != ingest.OutcomeSuccess || got["report.pdf"] != ingest.OutcomeSuccess {
		t.Fatalf("outcomes: %v", got)
	}
	if done[0].Result.Events != 0 || done[1].Result.Events != 2 || done[1].Result.ImportID == 0 {
		t.Fatalf("fallback results: %+v / %+v", done[0].Result, done[1].Result)
	}
	rec, _ := f.store.GetImport(ctx, done[1].Result.ImportID)
	if rec == nil || rec.ProfileID != "pdf_report" || rec.EventsCount != 2 {
		t.Fatalf("pdf import: %+v", rec)
	}
}

func TestGroupRedeliveryLinksPDFToExistingImport(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	first, err := f.coord.ProcessItem(ctx, "email", sourceItem(t, "export.xls", workedExampleTSV(), nil))
	if err != nil {
		t.Fatalf("sheet alone: %v", err)
	}

	pair := emailPair(t, workedExampleTSV(), reportPDF(reportOpen, reportClose))
	done := f.coord.ProcessGroup(ctx, "email", pair)
	got := outcomes(done)
	if got["export.xls"] != ingest.OutcomeDuplicate || got["report.pdf"] != ingest.OutcomeSuccess {
		t.Fatalf("outcomes: %v", got)
	}
	rec, _ := f.store.GetImport(ctx, first.ImportID)
	if rec == nil || rec.SupportPath != "report.pdf" || rec.Metadata["integrity_score"] != float64(100) {
		t.Fatalf("existing import not linked: %+v", rec)
	}
	if n, _ := f.store.CountEvents(ctx); n != 2 {
		t.Fatalf("pdf of a duplicate must not be ingested: %d events", n)
	}

	again := outcomes(f.coord.ProcessGroup(ctx, "email", emailPair(t, workedExampleTSV(), reportPDF(reportOpen, reportClose))))
	if again["export.xls"] != ingest.OutcomeDuplicate || again["report.pdf"] != ingest.OutcomeDuplicate {
		t.Fatalf("second redelivery: %v", again)
	}
}

func TestGroupDefersPDFWhileSheetIsLocked(t *testing.T) {
	f := newFixture(t, testConfig(t), nil)
	ctx := context.Background()
	pair := emailPair(t, workedExampleTSV(), reportPDF(reportOpen, reportClose))
	sheetHash, err := parser.HashFile(pair[1].Path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	pdfHash, err := parser.HashFile(pair[0].Path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if ok, _ := f.mem.Acquire(ctx, lockPrefix+sheetHash, "other-worker", f.coord.config().Ingestion.LockTTL); !ok {
		t.Fatalf("pre-acquire lock")
	}

	done := f.coord.ProcessGroup(ctx, "email", pair)
	got := outcomes(done)
	if got["export.xls"] != ingest.OutcomeSkipped || got["report.pdf"] != ingest.OutcomeSkipped {
		t.Fatalf("outcomes: %v", got)
	}
	if rec, _ := f.store.GetImportByHash(ctx, pdfHash); rec != nil {
		t.Fatalf("pdf must wait for its spreadsheet: %+v", rec)
	}
	if n, _ := f.store.CountEvents(ctx); n != 0 {
		t.Fatalf("events: %d", n)
	}
}
