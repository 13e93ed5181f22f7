package storage

import (
	"context"
	"errors"
	"time"

	"casewatch/internal/core"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values: "sqlite", "file", "memory". Empty means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type TenantRepository interface {
	// ActiveTenants returns every tenant with Active set, ordered by ID.
	ActiveTenants(ctx context.Context) ([]core.Tenant, error)
	Tenant(ctx context.Context, id string) (core.Tenant, error)
	// UpdateLastKnownStatus sets the status and check time. LastChangedAt moves
	// only when the status differs from the stored one.
	UpdateLastKnownStatus(ctx context.Context, id, status string, at time.Time) error
}

type PollLogSink interface {
	AppendPoll(ctx context.Context, e core.PollLogEntry) error
}

type NotificationSink interface {
	// CreateNotification stores r and fills in r.ID when empty.
	CreateNotification(ctx context.Context, r *core.NotificationRecord) error
	UpdateNotification(ctx context.Context, r core.NotificationRecord) error
}

// History reads back recent records, newest first.
type History interface {
	RecentPolls(ctx context.Context, tenantID string, limit int) ([]core.PollLogEntry, error)
	RecentNotifications(ctx context.Context, tenantID string, limit int) ([]core.NotificationRecord, error)
}

type Store interface {
	TenantRepository
	PollLogSink
	NotificationSink
	History

	// RecordPoll appends e and advances the tenant in one step: LastCheckedAt
	// always moves to e.At; on success the status and details are replaced;
	// ev != nil also moves LastChangedAt.
	RecordPoll(ctx context.Context, e core.PollLogEntry, ev *core.StatusChangedEvent) error
	UpsertTenant(ctx context.Context, t core.Tenant) error
	Close() error
}
