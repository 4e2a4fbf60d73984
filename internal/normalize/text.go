package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	reNonAlnum     = regexp.MustCompile(`[^a-z0-9 ]+`)
	reLeadingZeros = regexp.MustCompile(`^0+\d+$`)
)

// Text folds a free-text value for matching: unwraps the spreadsheet
// ="..." wrapper, lower-cases, strips accents, replaces punctuation with
// spaces and collapses whitespace.
func Text(value string) string {
	if value == "" {
		return ""
	}
	value = unwrap(value)
	value = strings.ToLower(strings.TrimSpace(value))
	value = StripAccents(value)
	value = reNonAlnum.ReplaceAllString(value, " ")
	return strings.Join(strings.Fields(value), " ")
}

// StripAccents removes combining marks after NFKD decomposition and drops
// anything left outside ASCII.
func StripAccents(value string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return out
}

// CleanExcelValue strips the ="..." wrapper without folding the text.
func CleanExcelValue(value string) string {
	return strings.TrimSpace(unwrap(value))
}

// SiteCode canonicalizes a site identifier: wrapper stripped, trimmed and,
// when purely numeric with leading zeros, stripped of them.
func SiteCode(raw string) string {
	if raw == "" {
		return raw
	}
	raw = strings.TrimSpace(unwrap(raw))
	if reLeadingZeros.MatchString(raw) {
		raw = strings.TrimLeft(raw, "0")
		if raw == "" {
			raw = "0"
		}
	}
	return raw
}

func unwrap(value string) string {
	if len(value) >= 3 && strings.HasPrefix(value, `="`) && strings.HasSuffix(value, `"`) {
		return value[2 : len(value)-1]
	}
	return value
}
