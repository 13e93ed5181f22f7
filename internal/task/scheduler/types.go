package scheduler

import (
	"context"
	"errors"
	"time"

	"casewatch/internal/core"
	"casewatch/internal/plugin"
	"casewatch/internal/poll"
	"casewatch/internal/task/engine"
)

const (
	DefaultTrigger     = "30s"
	DefaultDrainGrace  = 30 * time.Second
	DefaultPollTimeout = 5 * time.Minute
)

var ErrNotRunning = errors.New("scheduler not running")

// Config controls the trigger loop. Execution settings live in engine.Config.
type Config struct {
	// Trigger is the tick cadence: a duration ("30s", "@every 1m") or a cron
	// expression ("*/1 * * * *", "cron:@hourly").
	Trigger string
	// Timezone is the IANA zone cron expressions are evaluated in.
	Timezone string
	// DrainGrace bounds how long Drain lets in-flight polls finish.
	DrainGrace time.Duration
	// PollTimeout bounds one poll-and-notify cycle, jitter included.
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Trigger == "" {
		c.Trigger = DefaultTrigger
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

type Lifecycle string

const (
	Stopped  Lifecycle = "stopped"
	Running  Lifecycle = "running"
	Draining Lifecycle = "draining"
)

// TenantSource lists tenants; storage.Store satisfies it.
type TenantSource interface {
	ActiveTenants(ctx context.Context) ([]core.Tenant, error)
	Tenant(ctx context.Context, id string) (core.Tenant, error)
}

// Poller runs one cycle; *poll.Poller satisfies it.
type Poller interface {
	Poll(ctx context.Context, tenantID string, onPhase poll.PhaseFunc) (poll.Outcome, error)
}

// LimitSource provides per-jurisdiction concurrency caps; *plugin.Registry
// satisfies it.
type LimitSource interface {
	Limits(code string) plugin.Limits
}

// tenantRun is the scheduler's per-tenant bookkeeping. state is handed to
// the engine as the task's exclusivity flag.
type tenantRun struct {
	id           string
	jurisdiction string
	state        engine.RunState

	phase       poll.Phase
	since       time.Time
	lastRun     time.Time
	lastOutcome string
	lastErr     string
}

// TenantState is the diagnostic view of one tenant.
type TenantState struct {
	ID           string     `json:"id"`
	Jurisdiction string     `json:"jurisdiction"`
	Phase        poll.Phase `json:"phase"`
	Since        time.Time  `json:"since"`
	LastRun      time.Time  `json:"last_run,omitempty"`
	LastOutcome  string     `json:"last_outcome,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// TickReport summarises one tick.
type TickReport struct {
	At       time.Time      `json:"at"`
	Active   int            `json:"active"`
	Due      int            `json:"due"`
	Enqueued int            `json:"enqueued"`
	Skipped  map[string]int `json:"skipped,omitempty"`
}

func (r *TickReport) skip(reason string) {
	if r.Skipped == nil {
		r.Skipped = map[string]int{}
	}
	r.Skipped[reason]++
}

type Snapshot struct {
	Lifecycle Lifecycle       `json:"lifecycle"`
	Trigger   string          `json:"trigger"`
	Timezone  string          `json:"timezone"`
	NextTick  time.Time       `json:"next_tick,omitempty"`
	PrevTick  time.Time       `json:"prev_tick,omitempty"`
	LastTick  *TickReport     `json:"last_tick,omitempty"`
	InFlight  []TenantState   `json:"in_flight"`
	Tenants   []TenantState   `json:"tenants"`
	Engine    engine.Snapshot `json:"engine"`
}
