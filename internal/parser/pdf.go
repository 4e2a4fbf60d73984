package parser

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
)

const (
	minPDFTextLen = 200
	siteSystem    = "SYSTEM"
)

var (
	rePDFSiteC    = regexp.MustCompile(`^(?:SITE\s*:\s*)?(C-\d+)\s+(.*)$`)
	rePDFSiteNum  = regexp.MustCompile(`^(?:SITE\s*:\s*)?(\d{8,})\s+(.*)$`)
	rePDFHeader   = regexp.MustCompile(`(?i)^(lun|mar|mer|jeu|ven|sam|dim|lu|ma|me|je|ve|sa|di)\s*(\d{2}/\d{2}/\d{4})\s*(\d{2}:\d{2}:\d{2})\s*(.*)$`)
	rePDFSub      = regexp.MustCompile(`^(\d{2}:\d{2}:\d{2})\s+(.*)$`)
	rePDFCode     = regexp.MustCompile(`\$([\w-]+)|(\d{5,}-[\w-]+)`)
	reSitePrefixC = regexp.MustCompile(`^C-`)
)

// PDF parses per-page report text with a line state machine: SITE lines
// reset the site context, HEADER lines open top-level events and SUB lines
// attach detail events on the header's date.
type PDF struct {
	now func() time.Time
}

func NewPDF() *PDF {
	return &PDF{now: func() time.Time { return time.Now().UTC() }}
}

func (p *PDF) Parse(path string, opts Options) ([]model.CanonicalEvent, error) {
	pages, err := extractPDFPages(path, 0)
	if err != nil {
		return nil, &ParserError{Path: path, Format: "pdf", Err: err}
	}
	return p.parsePages(pages, path, opts), nil
}

type pdfContext struct {
	site      string
	rawSite   string
	client    string
	secondary string
	lastDate  time.Time
	hasDate   bool
}

func (p *PDF) parsePages(pages []string, path string, opts Options) []model.CanonicalEvent {
	var events []model.CanonicalEvent
	var ctx pdfContext
	total := 0
	loc := opts.location()
	for _, text := range pages {
		if text == "" {
			continue
		}
		total += len([]rune(text))
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if ev := p.classifyLine(line, path, loc, &ctx); ev != nil {
				events = append(events, *ev)
			}
		}
	}

	switch {
	case total < minPDFTextLen:
		events = append(events, p.diagnostic(model.TypeParsingError, path,
			fmt.Sprintf("PDF seems empty or scanned (text length %d), OCR required", total)))
	case len(events) == 0:
		events = append(events, p.diagnostic(model.TypeParsingWarning, path,
			fmt.Sprintf("text extracted (%d chars) but no line matched the report layout", total)))
	}
	return events
}

func (p *PDF) classifyLine(line, path string, loc *time.Location, ctx *pdfContext) *model.CanonicalEvent {
	if m := rePDFSiteC.FindStringSubmatch(line); m != nil {
		ctx.rawSite = m[1]
		ctx.site = normalize.SiteCode(reSitePrefixC.ReplaceAllString(m[1], ""))
		ctx.client = strings.TrimSpace(m[2])
		ctx.secondary = ""
		return nil
	}
	if m := rePDFSiteNum.FindStringSubmatch(line); m != nil {
		if strings.HasPrefix(strings.ToUpper(line), "SITE") || ctx.site == "" {
			ctx.rawSite = m[1]
			ctx.site = normalize.SiteCode(m[1])
			ctx.client = strings.TrimSpace(m[2])
			ctx.secondary = ""
		} else {
			ctx.secondary = normalize.SiteCode(m[1])
		}
		return nil
	}
	if ctx.site == "" {
		return nil
	}

	if m := rePDFHeader.FindStringSubmatch(line); m != nil {
		wall, err := time.Parse("02/01/2006 15:04:05", m[2]+" "+m[3])
		if err != nil {
			return nil
		}
		ctx.lastDate, ctx.hasDate = wall, true
		remainder := strings.TrimSpace(m[4])
		upper := strings.ToUpper(remainder)
		state := model.ClassifyState(remainder)
		operator := strings.HasPrefix(remainder, "$") || strings.Contains(upper, "MODIFICATION DE DOSSIER")
		eventType := model.TypePDFEvent
		if operator {
			eventType = model.TypeOperatorAction
		}
		day := strings.ToUpper(m[1])
		if len(day) > 3 {
			day = day[:3]
		}
		ev := p.base(path, ctx, normalize.Localize(wall, loc), remainder)
		ev.WeekdayLabel = day
		ev.EventType = eventType
		ev.State = state
		ev.Status = severityFor(state)
		if cm := rePDFCode.FindString(remainder); cm != "" {
			ev.RawCode = strings.TrimPrefix(cm, "$")
		}
		ev.Metadata = model.NewMetadata(
			model.MetaState, string(state),
			model.MetaRawLine, line,
			model.MetaIsOperator, fmt.Sprintf("%t", operator),
		)
		return ev
	}

	if m := rePDFSub.FindStringSubmatch(line); m != nil && ctx.hasDate {
		tod, ok := parseTimeOfDay(m[1])
		if !ok {
			return nil
		}
		state := model.StateUnknown
		switch upper := strings.ToUpper(m[2]); {
		case strings.Contains(upper, "APPARITION"):
			state = model.StateApparition
		case strings.Contains(upper, "DISPARITION"):
			state = model.StateDisparition
		}
		ev := p.base(path, ctx, normalize.Localize(combine(ctx.lastDate, tod), loc), m[2])
		ev.EventType = model.TypeDetailLog
		ev.SubType = "PDF_LOG"
		ev.State = state
		ev.Status = model.SeverityInfo
		ev.Metadata = model.NewMetadata(model.MetaRawLine, line, model.MetaState, string(state))
		return ev
	}
	return nil
}

func (p *PDF) base(path string, ctx *pdfContext, ts time.Time, msg string) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		Timestamp:         ts,
		SiteCode:          ctx.site,
		RawSiteCode:       ctx.rawSite,
		SecondaryCode:     ctx.secondary,
		ClientName:        ctx.client,
		RawMessage:        msg,
		NormalizedMessage: normalize.Text(msg),
		SourceFile:        path,
		RowIndex:          -1,
	}
}

func (p *PDF) diagnostic(eventType, path, msg string) model.CanonicalEvent {
	return model.CanonicalEvent{
		Timestamp:         p.now(),
		SiteCode:          siteSystem,
		EventType:         eventType,
		State:             model.StateUnknown,
		RawMessage:        msg,
		NormalizedMessage: normalize.Text(msg),
		Status:            model.SeverityInfo,
		SourceFile:        path,
		RowIndex:          -1,
	}
}

// extractPDFPages returns the plain text of up to limit pages (0 for all),
// rebuilt line by line from the positioned text runs.
func extractPDFPages(path string, limit int) ([]string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	n := r.NumPage()
	if limit > 0 && n > limit {
		n = limit
	}
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		var b strings.Builder
		for _, row := range rows {
			var prev *pdf.Text
			for j := range row.Content {
				t := row.Content[j]
				if prev != nil && t.X-(prev.X+prev.W) > math.Max(prev.FontSize*0.2, 1) && !strings.HasSuffix(prev.S, " ") {
					b.WriteByte(' ')
				}
				b.WriteString(t.S)
				prev = &row.Content[j]
			}
			b.WriteByte('\n')
		}
		pages = append(pages, b.String())
	}
	return pages, nil
}
