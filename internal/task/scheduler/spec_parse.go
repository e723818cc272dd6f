package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized housekeeping schedule.
//
// Accepted forms:
//   - cron: "0 4 * * *", "@daily", "@every 6h"
//   - Go duration: "6h", "90m"
//   - HH:MM interval: "06:00" is every six hours
//
// "cron:" forces cron; "interval:" and "every:" force an interval.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // cron, duration or hhmm
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(prefix) {
		case "cron":
			if rest == "" {
				return ParsedSpec{}, fmt.Errorf("cron expression required after %q", "cron:")
			}
			return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
		case "interval", "every":
			return parseInterval(rest)
		}
	}

	if s[0] == '@' || strings.ContainsAny(s, " \t\r\n") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if ps, err := parseInterval(s); err == nil {
		return ps, nil
	} else if reHHMM.MatchString(s) {
		return ParsedSpec{}, err
	}
	if d, err := time.ParseDuration(s); err == nil && d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (cron like '0 4 * * *', HH:MM like '06:00' or duration like '6h')", raw)
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	ps := ParsedSpec{Kind: SpecInterval, Source: "duration"}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		ps.Every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		ps.Source = "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a duration like '6h')", v)
		}
		ps.Every = d
	}
	if ps.Every <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ps, nil
}
