// Package timeparse turns natural-language time expressions ("last week",
// "yesterday afternoon", "two days ago") into half-open timestamp ranges.
// It also returns the query with the recognised tokens removed, so the caller
// can hand the remainder to semantic search.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Range is a half-open [Start, End) window in local time.
type Range struct {
	Start time.Time
	End   time.Time
}

var (
	reAgo = regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|five|six|seven|eight|nine|ten)\s+(minute|hour|day|week|month|year)s?\s+ago\b`)

	reRelative = regexp.MustCompile(`(?i)\b(last|past|this)\s+(week|month|year)\b`)

	reDay = regexp.MustCompile(`(?i)\b(yesterday|today|tomorrow)\b(?:\s+(morning|afternoon|evening|night))?`)

	reSeason = regexp.MustCompile(`(?i)\b(?:(last|this)\s+)?(spring|summer|autumn|fall|winter)\b`)

	reHoliday = regexp.MustCompile(`(?i)\b(christmas|thanksgiving|new\s+year(?:'s)?(?:\s+eve)?)\b`)

	// Connectives left dangling once the time tokens are gone.
	reLeadingConnective = regexp.MustCompile(`(?i)\s*\b(from|since|during|in|of|on)\s*$`)
	reSpaces            = regexp.MustCompile(`\s+`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// Parse recognises a time expression in query against the current wall clock.
// It returns nil and the unchanged query when nothing is recognised.
func Parse(query string) (*Range, string) {
	return ParseAt(query, time.Now())
}

// ParseAt is Parse with an injectable clock.
func ParseAt(query string, now time.Time) (*Range, string) {
	type matcher struct {
		re      *regexp.Regexp
		resolve func(groups []string) *Range
	}

	matchers := []matcher{
		{reAgo, func(g []string) *Range { return resolveAgo(g[1], g[2], now) }},
		{reRelative, func(g []string) *Range { return resolveRelative(g[1], g[2], now) }},
		{reDay, func(g []string) *Range { return resolveDay(g[1], g[2], now) }},
		{reHoliday, func(g []string) *Range { return resolveHoliday(g[1], now) }},
		{reSeason, func(g []string) *Range { return resolveSeason(g[2], now) }},
	}

	for _, m := range matchers {
		loc := m.re.FindStringSubmatchIndex(query)
		if loc == nil {
			continue
		}
		groups := make([]string, 0, len(loc)/2)
		for i := 0; i < len(loc); i += 2 {
			if loc[i] < 0 {
				groups = append(groups, "")
			} else {
				groups = append(groups, query[loc[i]:loc[i+1]])
			}
		}
		r := m.resolve(groups)
		if r == nil {
			continue
		}
		return r, removeMatch(query, loc[0], loc[1])
	}

	return nil, query
}

// removeMatch cuts [start,end) out of query together with a dangling
// connective in front of it, then normalizes whitespace.
func removeMatch(query string, start, end int) string {
	before := query[:start]
	before = reLeadingConnective.ReplaceAllString(before, "")
	cleaned := before + " " + query[end:]
	cleaned = reSpaces.ReplaceAllString(cleaned, " ")
	return strings.TrimSpace(cleaned)
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the Monday 00:00 of the week containing t.
func startOfWeek(t time.Time) time.Time {
	wd := int(t.Weekday())
	if wd == 0 { // Sunday
		wd = 7
	}
	return midnight(t).AddDate(0, 0, -(wd - 1))
}

func resolveAgo(count, unit string, now time.Time) *Range {
	n, err := strconv.Atoi(count)
	if err != nil {
		var ok bool
		n, ok = numberWords[strings.ToLower(count)]
		if !ok {
			return nil
		}
	}
	if n <= 0 {
		return nil
	}

	switch strings.ToLower(unit) {
	case "minute":
		point := now.Add(-time.Duration(n) * time.Minute)
		return &Range{point.Add(-30 * time.Second), point.Add(30 * time.Second)}
	case "hour":
		point := now.Add(-time.Duration(n) * time.Hour)
		return &Range{point.Add(-30 * time.Minute), point.Add(30 * time.Minute)}
	case "day":
		day := midnight(now.AddDate(0, 0, -n))
		return &Range{day, day.AddDate(0, 0, 1)}
	case "week":
		start := startOfWeek(now.AddDate(0, 0, -7*n))
		return &Range{start, start.AddDate(0, 0, 7)}
	case "month":
		then := now.AddDate(0, -n, 0)
		start := time.Date(then.Year(), then.Month(), 1, 0, 0, 0, 0, then.Location())
		return &Range{start, start.AddDate(0, 1, 0)}
	case "year":
		y := now.Year() - n
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, now.Location())
		return &Range{start, start.AddDate(1, 0, 0)}
	}
	return nil
}

func resolveRelative(qualifier, unit string, now time.Time) *Range {
	qualifier = strings.ToLower(qualifier)
	unit = strings.ToLower(unit)

	if qualifier == "this" {
		switch unit {
		case "week":
			return &Range{startOfWeek(now), now}
		case "month":
			return &Range{time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now}
		case "year":
			return &Range{time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location()), now}
		}
		return nil
	}

	// last / past: a trailing window of one unit ending now.
	switch unit {
	case "week":
		return &Range{now.AddDate(0, 0, -7), now}
	case "month":
		return &Range{now.AddDate(0, -1, 0), now}
	case "year":
		return &Range{now.AddDate(-1, 0, 0), now}
	}
	return nil
}

var dayParts = map[string][2]int{
	"morning":   {6, 12},
	"afternoon": {12, 18},
	"evening":   {18, 22},
	"night":     {22, 30}, // 22:00 through 06:00 the next day
}

func resolveDay(day, part string, now time.Time) *Range {
	var base time.Time
	switch strings.ToLower(day) {
	case "today":
		base = midnight(now)
	case "yesterday":
		base = midnight(now).AddDate(0, 0, -1)
	case "tomorrow":
		base = midnight(now).AddDate(0, 0, 1)
	default:
		return nil
	}

	if part != "" {
		hours, ok := dayParts[strings.ToLower(part)]
		if !ok {
			return nil
		}
		return &Range{base.Add(time.Duration(hours[0]) * time.Hour), base.Add(time.Duration(hours[1]) * time.Hour)}
	}

	switch strings.ToLower(day) {
	case "today":
		return &Range{base, now}
	default:
		return &Range{base, base.AddDate(0, 0, 1)}
	}
}

// Seasons follow the meteorological convention: three whole months each.
var seasonStart = map[string]time.Month{
	"spring": time.March,
	"summer": time.June,
	"autumn": time.September,
	"fall":   time.September,
	"winter": time.December,
}

func resolveSeason(name string, now time.Time) *Range {
	month, ok := seasonStart[strings.ToLower(name)]
	if !ok {
		return nil
	}
	start := time.Date(now.Year(), month, 1, 0, 0, 0, 0, now.Location())
	if start.After(now) {
		start = start.AddDate(-1, 0, 0)
	}
	return &Range{start, start.AddDate(0, 3, 0)}
}

func resolveHoliday(name string, now time.Time) *Range {
	name = strings.ToLower(reSpaces.ReplaceAllString(name, " "))
	switch {
	case name == "christmas":
		start := time.Date(now.Year(), time.December, 24, 0, 0, 0, 0, now.Location())
		if start.After(now) {
			start = start.AddDate(-1, 0, 0)
		}
		return &Range{start, start.AddDate(0, 0, 3)}
	case name == "thanksgiving":
		start := thanksgiving(now.Year(), now.Location())
		if start.After(now) {
			start = thanksgiving(now.Year()-1, now.Location())
		}
		// Thursday through the end of the long weekend.
		return &Range{start, start.AddDate(0, 0, 4)}
	case strings.HasPrefix(name, "new year"):
		start := time.Date(now.Year()-1, time.December, 31, 0, 0, 0, 0, now.Location())
		thisYear := time.Date(now.Year(), time.December, 31, 0, 0, 0, 0, now.Location())
		if !thisYear.After(now) {
			start = thisYear
		}
		return &Range{start, start.AddDate(0, 0, 2)}
	}
	return nil
}

// thanksgiving returns the fourth Thursday of November at 00:00.
func thanksgiving(year int, loc *time.Location) time.Time {
	first := time.Date(year, time.November, 1, 0, 0, 0, 0, loc)
	offset := (int(time.Thursday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+21)
}
