package probe

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		in     string
		every  time.Duration
		cron   string
		source string
		err    bool
	}{
		{name: "cron 5 fields", in: "*/5 * * * *", cron: "*/5 * * * *", source: "cron"},
		{name: "cron with seconds", in: "0 30 * * * *", cron: "0 30 * * * *", source: "cron"},
		{name: "descriptor", in: "@hourly", cron: "@hourly", source: "cron"},
		{name: "at every", in: "@every 55m", every: 55 * time.Minute, source: "duration"},
		{name: "duration", in: "2h30m", every: 150 * time.Minute, source: "duration"},
		{name: "hhmm minutes", in: "00:50", every: 50 * time.Minute, source: "hhmm"},
		{name: "hhmm hours", in: "02:30", every: 150 * time.Minute, source: "hhmm"},
		{name: "cron prefix", in: "cron: 0 * * * *", cron: "0 * * * *", source: "cron"},
		{name: "interval prefix", in: "interval: 10s", every: 10 * time.Second, source: "duration"},
		{name: "every prefix", in: "every:01:00", every: time.Hour, source: "hhmm"},
		{name: "empty", in: "  ", err: true},
		{name: "zero interval", in: "0s", err: true},
		{name: "bad minutes", in: "01:75", err: true},
		{name: "bad cron", in: "61 * * * *", err: true},
		{name: "garbage", in: "soon", err: true},
		{name: "zero hhmm", in: "00:00", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Every != tc.every || got.Cron != tc.cron || got.Source != tc.source {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}

func TestIntervalScheduleSpreadsFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sch, err := cronSchedule(Schedule{Every: time.Minute}, now, "plans")
	if err != nil {
		t.Fatal(err)
	}
	first := sch.Next(now)
	if first.Before(now.Add(time.Minute)) || !first.Before(now.Add(time.Minute+maxStartupSpread)) {
		t.Fatalf("first run %v outside [1m, 1m30s) after start", first.Sub(now))
	}
	if next := sch.Next(first); next.Sub(first) != time.Minute {
		t.Fatalf("steady-state interval = %v, want 1m", next.Sub(first))
	}
}
