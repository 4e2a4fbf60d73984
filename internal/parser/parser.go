package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"alarmguard/internal/model"
	"alarmguard/internal/profile"
)

// ParserError reports a structurally unreadable input. It is final for the
// item: retrying the same bytes cannot succeed.
type ParserError struct {
	Path   string
	Format string
	Err    error
}

func (e *ParserError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.Path, e.Format, e.Err)
}

func (e *ParserError) Unwrap() error {
	return e.Err
}

var ErrNoParser = errors.New("no parser for extension")

// Options carries the per-profile parse settings.
type Options struct {
	Location *time.Location
	Format   string
	Columns  map[string]int
}

func OptionsFor(p *profile.Profile, def *time.Location) Options {
	if def == nil {
		def = time.UTC
	}
	if p == nil {
		return Options{Location: def}
	}
	return Options{
		Location: p.Location(def),
		Format:   p.Format(),
		Columns:  p.ParserConfig.Columns,
	}
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

func (o Options) column(name string, def int) int {
	if idx, ok := o.Columns[name]; ok && idx >= 0 {
		return idx
	}
	return def
}

type Parser interface {
	Parse(path string, opts Options) ([]model.CanonicalEvent, error)
}

// ForExtension returns the parser registered for a file extension.
func ForExtension(ext string) (Parser, error) {
	switch strings.ToLower(ext) {
	case ".xls", ".xlsx":
		return NewTabular(), nil
	case ".pdf":
		return NewPDF(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoParser, ext)
}

var weekdayLabels = [...]string{"DIM", "LUN", "MAR", "MER", "JEU", "VEN", "SAM"}

func weekdayLabel(t time.Time) string {
	return weekdayLabels[t.Weekday()]
}

func isWeekdayLabel(value string) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(value))
	if len(upper) < 3 {
		return "", false
	}
	prefix := upper[:3]
	for _, d := range weekdayLabels {
		if d == prefix {
			return prefix, true
		}
	}
	return "", false
}
