package parser

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"alarmguard/internal/model"
	"alarmguard/internal/normalize"
	"alarmguard/internal/profile"
)

const histoSentinel = "YPSILON_HISTO"

var (
	reSiteCell = regexp.MustCompile(`^(C-)?(\d+)$`)
	reTimeOnly = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)
	reMsgCode  = regexp.MustCompile(`\$([\w-]+)`)
)

// Tabular parses pseudo-Excel TSV exports and real XLSX workbooks. Site,
// weekday and date cells are inherited by the rows below them.
type Tabular struct{}

func NewTabular() *Tabular {
	return &Tabular{}
}

type rowContext struct {
	site    string
	rawSite string
	client  string
	day     string
	date    time.Time
	hasDate bool
}

func (t *Tabular) Parse(path string, opts Options) ([]model.CanonicalEvent, error) {
	rows, err := readRows(path, 0)
	if err != nil {
		return nil, &ParserError{Path: path, Format: "tabular", Err: err}
	}
	histo := strings.EqualFold(opts.Format, profile.FormatHisto)
	if !histo && len(rows) > 0 && len(rows[0]) > 0 {
		histo = strings.EqualFold(normalize.CleanExcelValue(rows[0][0]), histoSentinel)
	}
	var ctx rowContext
	events := make([]model.CanonicalEvent, 0, len(rows))
	for i, raw := range rows {
		if len(raw) == 0 {
			continue
		}
		row := make([]string, len(raw))
		for j, cell := range raw {
			row[j] = normalize.CleanExcelValue(cell)
		}
		var ev *model.CanonicalEvent
		if histo {
			ev = t.histoRow(row, i+1, path, opts, &ctx)
		} else {
			ev = t.standardRow(row, i+1, path, opts, &ctx)
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

func (t *Tabular) standardRow(row []string, rowIdx int, path string, opts Options, ctx *rowContext) *model.CanonicalEvent {
	colSite := cell(row, opts.column("site", 0))
	colDay := cell(row, opts.column("day", 1))
	colDate := cell(row, opts.column("date", 2))
	action := cell(row, opts.column("action", 3))
	code := cell(row, opts.column("code", 4))
	details := cell(row, opts.column("details", 5))

	if colSite != "" {
		if m := reSiteCell.FindStringSubmatch(colSite); m != nil {
			ctx.site = normalize.SiteCode(m[2])
			ctx.rawSite = colSite
			if _, isDay := isWeekdayLabel(colDay); colDay != "" && !isDay {
				ctx.client = colDay
			}
		}
	}
	if day, ok := isWeekdayLabel(colDay); ok {
		ctx.day = day
	}

	var wall time.Time
	var hasTS bool
	if colDate != "" {
		if full, ok := parseFullDate(colDate); ok {
			wall, hasTS = full, true
			ctx.date, ctx.hasDate = full, true
		} else if ctx.hasDate {
			if tod, ok := parseTimeOfDay(colDate); ok {
				wall, hasTS = combine(ctx.date, tod), true
			}
		}
	}
	if !hasTS || action == "" || ctx.site == "" {
		return nil
	}

	state := model.ClassifyState(action)
	msg := action
	if details != "" {
		msg = action + " | " + details
	}
	ev := &model.CanonicalEvent{
		Timestamp:         normalize.Localize(wall, opts.location()),
		SiteCode:          ctx.site,
		RawSiteCode:       ctx.rawSite,
		ClientName:        ctx.client,
		WeekdayLabel:      ctx.day,
		EventType:         action,
		State:             state,
		RawMessage:        msg,
		NormalizedMessage: normalize.Text(msg),
		RawCode:           code,
		Status:            severityFor(state),
		SourceFile:        path,
		RowIndex:          rowIdx,
		RawData:           rawData(row),
	}
	ev.Metadata = model.NewMetadata(
		model.MetaRawAction, action,
		model.MetaRawDetails, details,
		model.MetaColE, code,
		model.MetaState, string(state),
	)
	return ev
}

func (t *Tabular) histoRow(row []string, rowIdx int, path string, opts Options, ctx *rowContext) *model.CanonicalEvent {
	colSite := cell(row, opts.column("site", 0))
	colClient := cell(row, opts.column("client", 1))
	colTS := cell(row, opts.column("timestamp", 6))
	action := cell(row, opts.column("action", 7))
	msgCell := cell(row, opts.column("message", 8))

	if colSite != "" {
		if m := reSiteCell.FindStringSubmatch(colSite); m != nil {
			ctx.site = normalize.SiteCode(m[2])
			ctx.rawSite = colSite
			if colClient != "" {
				ctx.client = colClient
			}
		}
	}
	wall, ok := parseFullDate(colTS)
	if !ok || msgCell == "" || ctx.site == "" {
		return nil
	}

	state := model.ClassifyState(action)
	eventType := action
	msg := msgCell
	if action != "" {
		msg = action + " | " + msgCell
	} else {
		eventType = "EVENT"
	}
	ev := &model.CanonicalEvent{
		Timestamp:         normalize.Localize(wall, opts.location()),
		SiteCode:          ctx.site,
		RawSiteCode:       ctx.rawSite,
		ClientName:        ctx.client,
		WeekdayLabel:      weekdayLabel(wall),
		EventType:         eventType,
		State:             state,
		RawMessage:        msg,
		NormalizedMessage: normalize.Text(msg),
		Status:            severityFor(state),
		SourceFile:        path,
		RowIndex:          rowIdx,
		RawData:           rawData(row),
	}
	if m := reMsgCode.FindStringSubmatch(msgCell); m != nil {
		ev.RawCode = m[1]
	}
	ev.Metadata = model.NewMetadata(
		model.MetaState, string(state),
		model.MetaRawAction, action,
		model.MetaRawMessage, msgCell,
	)
	return ev
}

func severityFor(state model.State) string {
	if state == model.StateApparition {
		return model.SeverityAlarm
	}
	return model.SeverityInfo
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func rawData(row []string) string {
	data, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	return string(data)
}

var fullDateLayouts = []string{
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05",
}

// parseFullDate reads a naive date-time. Workbook cells may hold an Excel
// serial number instead of text.
func parseFullDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range fullDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial >= 1 {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return t.Round(time.Second), true
		}
	}
	return time.Time{}, false
}

func parseTimeOfDay(value string) (time.Duration, bool) {
	if reTimeOnly.MatchString(value) {
		t, err := time.Parse("15:04:05", value)
		if err != nil {
			return 0, false
		}
		return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, true
	}
	if frac, err := strconv.ParseFloat(value, 64); err == nil && frac >= 0 && frac < 1 {
		return (time.Duration(frac*86400+0.5) * time.Second), true
	}
	return 0, false
}

func combine(date time.Time, tod time.Duration) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC).Add(tod)
}

// readRows loads up to limit rows (0 for all) from either format.
func readRows(path string, limit int) ([][]string, error) {
	if IsZip(path) {
		return readXLSX(path, limit)
	}
	return readTSV(path, limit)
}

func readXLSX(path string, limit int) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func readTSV(path string, limit int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(f))
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	var rows [][]string
	for limit <= 0 || len(rows) < limit {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tsv: %w", err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
