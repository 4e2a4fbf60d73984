package alerting

import "time"

type monthDay struct {
	month time.Month
	day   int
}

var fixedHolidays = []monthDay{
	{time.January, 1},
	{time.May, 1},
	{time.May, 8},
	{time.July, 14},
	{time.August, 15},
	{time.November, 1},
	{time.November, 11},
	{time.December, 25},
}

// Easter returns Easter Sunday of the given Gregorian year (Meeus/Jones/Butcher).
func Easter(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// Holidays lists the French public holidays of a year as UTC midnights:
// the fixed dates plus Easter Monday, Ascension and Whit Monday.
func Holidays(year int) []time.Time {
	out := make([]time.Time, 0, len(fixedHolidays)+3)
	for _, md := range fixedHolidays {
		out = append(out, time.Date(year, md.month, md.day, 0, 0, 0, 0, time.UTC))
	}
	easter := Easter(year)
	for _, offset := range []int{1, 39, 50} {
		out = append(out, easter.AddDate(0, 0, offset))
	}
	return out
}

// IsHoliday checks the calendar date of t in t's own location.
func IsHoliday(t time.Time) bool {
	y, m, d := t.Date()
	for _, h := range Holidays(y) {
		if h.Month() == m && h.Day() == d {
			return true
		}
	}
	return false
}

func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
