package relay

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is the outcome of parsing a caption.
type Schedule struct {
	FireAt  time.Time
	Caption string
	// Immediate is set when no directive was applied.
	Immediate bool
	// Clamped is set when an absolute time in the past was moved up to now.
	Clamped bool
	// Ignored lists malformed directives left in the caption.
	Ignored []string
}

var (
	directiveRe = regexp.MustCompile(`(?i)(?:^|\s)(#(in|at))\b[ \t]*([^\s#]*)(?:[ \t]+(\d{1,2}:\d{2}(?::\d{2})?))?`)
	relativeRe  = regexp.MustCompile(`(?i)^(\d+)(m|min|mins|minute|minutes|h|hr|hrs|hour|hours)$`)
)

var dateTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

var tokenLayouts = []string{
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseSchedule extracts the first well-formed "#in <N><unit>" or
// "#at <time>" directive from caption and removes it. Absolute times are UTC
// unless they carry an offset. Malformed directives are skipped and stay in
// the caption. Without a directive the fire time is now and the caption is
// only trimmed.
func ParseSchedule(caption string, now time.Time) Schedule {
	now = now.UTC()
	out := Schedule{FireAt: now, Caption: strings.TrimSpace(caption), Immediate: true}

	for _, m := range directiveRe.FindAllStringSubmatchIndex(caption, -1) {
		start := m[2]
		verb := strings.ToLower(caption[m[4]:m[5]])
		token := caption[m[6]:m[7]]
		end := m[7]

		var (
			at time.Time
			ok bool
		)
		switch verb {
		case "in":
			at, ok = parseRelative(token, now)
		case "at":
			clock := ""
			if m[8] >= 0 {
				clock = caption[m[8]:m[9]]
			}
			at, ok = parseAbsolute(token, clock)
			if ok && clock != "" {
				end = m[9]
			}
		}
		if !ok {
			out.Ignored = append(out.Ignored, strings.TrimSpace(caption[start:end]))
			continue
		}

		out.Immediate = false
		out.FireAt = at
		if at.Before(now) {
			out.FireAt = now
			out.Clamped = true
		}
		out.Caption = collapseSpaces(caption[:start] + " " + caption[end:])
		return out
	}
	return out
}

func parseRelative(token string, now time.Time) (time.Time, bool) {
	m := relativeRe.FindStringSubmatch(token)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	unit := time.Minute
	if strings.HasPrefix(strings.ToLower(m[2]), "h") {
		unit = time.Hour
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return time.Time{}, false
	}
	at := now.Add(time.Duration(n) * unit)
	if at.Before(now) {
		return time.Time{}, false
	}
	return at, true
}

func parseAbsolute(token, clock string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	if clock != "" {
		for _, layout := range dateTimeLayouts {
			if t, err := time.ParseInLocation(layout, token+" "+clock, time.UTC); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, token); err == nil {
		return t.UTC(), true
	}
	for _, layout := range tokenLayouts {
		if t, err := time.ParseInLocation(layout, token, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// collapseSpaces squeezes runs of blanks on each line and drops the leading
// and trailing blank lines. Line breaks inside the caption are kept.
func collapseSpaces(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
