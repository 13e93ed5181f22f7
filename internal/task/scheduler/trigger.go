package scheduler

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// cronParser accepts 5- and 6-field specs and descriptors like @hourly.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether cfg's trigger and timezone would be accepted by
// Start. Used to reject a bad config before it is committed.
func Validate(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	_, _, err := parseTrigger(cfg.Trigger)
	return err
}

// parseTrigger turns a trigger string into a cron schedule. Interval forms
// ("30s", "every:1m", "@every 1m") return the interval as well.
//
// Heuristics: a "cron:" prefix, whitespace, or a leading '@' other than
// @every mean cron; otherwise the value is a Go duration.
func parseTrigger(raw string) (cron.Schedule, time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, 0, fmt.Errorf("trigger required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(low, "@every"):
		return parseEvery(strings.TrimSpace(s[len("@every"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	return parseEvery(s)
}

func parseCron(expr string) (cron.Schedule, time.Duration, error) {
	if expr == "" {
		return nil, 0, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid cron trigger %q: %w", expr, err)
	}
	return sched, 0, nil
}

func parseEvery(v string) (cron.Schedule, time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid trigger interval %q (use a duration like '30s' or a cron expression)", v)
	}
	if d < time.Second {
		return nil, 0, fmt.Errorf("trigger interval must be >= 1s")
	}
	return cron.Every(d), d, nil
}

// startupSpreadSchedule overrides the first run time of a base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// withStartupSpread fires the first tick at a random offset in
// [0, min(every, maxStartupSpread)) from now, then follows base.
func withStartupSpread(base cron.Schedule, every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	spreadMax := every
	if spreadMax > maxStartupSpread {
		spreadMax = maxStartupSpread
	}
	if spreadMax <= 0 {
		return base, 0
	}
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	offset := time.Duration(rng.Int63n(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(offset)}, offset
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
