package core

import (
	"strings"
	"time"
)

// StatusUnknown is the status of a tenant that has never been polled successfully.
const StatusUnknown = "unknown"

// NormalizeStatus maps the empty status to StatusUnknown.
func NormalizeStatus(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return StatusUnknown
	}
	return s
}

// Interval is a polling cadence drawn from a fixed set.
type Interval string

const (
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval6h  Interval = "6h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"

	DefaultInterval = Interval1h
)

var intervalDurations = map[Interval]time.Duration{
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
}

// ParseInterval returns the interval for s. Unknown values fall back to DefaultInterval
// and ok=false.
func ParseInterval(s string) (Interval, bool) {
	iv := Interval(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := intervalDurations[iv]; ok {
		return iv, true
	}
	return DefaultInterval, false
}

func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration never returns zero: invalid intervals use DefaultInterval.
func (i Interval) Duration() time.Duration {
	if d, ok := intervalDurations[i]; ok {
		return d
	}
	return intervalDurations[DefaultInterval]
}

// Channel selects how a tenant's owner is notified.
type Channel string

const (
	ChannelNone     Channel = "none"
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelInApp    Channel = "inapp"
)

func ParseChannel(s string) Channel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email":
		return ChannelEmail
	case "telegram", "chat", "bot":
		return ChannelTelegram
	case "inapp", "in-app", "web":
		return ChannelInApp
	default:
		return ChannelNone
	}
}

// ChannelTarget is one (channel, recipient) pair.
type ChannelTarget struct {
	Channel Channel
	Target  string
}

// Tenant is one tracked case.
type Tenant struct {
	ID            string
	OwnerID       string
	ApplicantName string

	Jurisdiction string
	QueryCode    string
	QueryKind    string

	Channel       Channel
	ChannelTarget string
	Locale        string

	Interval Interval
	Active   bool

	LastStatus    string
	LastDetails   string
	LastCheckedAt time.Time
	LastChangedAt time.Time
}

// Targets returns the tenant's notification targets. Channel none yields no targets.
func (t Tenant) Targets() []ChannelTarget {
	switch t.Channel {
	case ChannelEmail, ChannelTelegram:
		if strings.TrimSpace(t.ChannelTarget) == "" {
			return nil
		}
		return []ChannelTarget{{Channel: t.Channel, Target: strings.TrimSpace(t.ChannelTarget)}}
	case ChannelInApp:
		// In-app delivery addresses the owner's live sessions.
		target := strings.TrimSpace(t.ChannelTarget)
		if target == "" {
			target = t.OwnerID
		}
		return []ChannelTarget{{Channel: ChannelInApp, Target: target}}
	default:
		return nil
	}
}

// NextDue is the earliest instant the tenant may be polled again.
// A tenant that has never been checked is due immediately.
func (t Tenant) NextDue() time.Time {
	if t.LastCheckedAt.IsZero() {
		return time.Time{}
	}
	return t.LastCheckedAt.Add(t.Interval.Duration())
}

// Due reports whether now >= LastCheckedAt + Interval.
func (t Tenant) Due(now time.Time) bool {
	if !t.Active {
		return false
	}
	return !now.Before(t.NextDue())
}
