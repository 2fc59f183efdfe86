package probe

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed probe schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 * * * *" (optional seconds), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// "cron:" forces cron parsing; "interval:" or "every:" forces interval parsing.
type Schedule struct {
	Cron   string        // set for cron schedules
	Every  time.Duration // set for interval schedules
	Source string        // "cron" | "duration" | "hhmm"
}

func (s Schedule) IsInterval() bool { return s.Every > 0 }

func (s Schedule) String() string {
	if s.IsInterval() {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule parses raw into a cron expression or a fixed interval.
// Cron expressions are validated here so bad specs fail at config load.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	case strings.HasPrefix(low, "@every "):
		// Kept as an interval so it gets a startup spread.
		return parseInterval(s[len("@every "):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if sch, err := parseInterval(s); err == nil {
		return sch, nil
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Cron: expr, Source: "cron"}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Every: d, Source: "duration"}, nil
}

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first run of an interval schedule by a random
// offset so probes sharing an interval don't fire together after start.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

// cronSchedule builds the robfig schedule for sch. Interval schedules get a
// startup spread in [0, min(every, 30s)).
func cronSchedule(sch Schedule, now time.Time, tag string) (cron.Schedule, error) {
	if !sch.IsInterval() {
		return cronParser.Parse(sch.Cron)
	}
	base := cron.Every(sch.Every)
	spread := min(sch.Every, maxStartupSpread)

	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	seed := now.UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())
	jitter := time.Duration(rand.New(rand.NewSource(seed)).Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(sch.Every + jitter)}, nil
}
