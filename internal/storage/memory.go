package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"casewatch/internal/core"
)

// Memory is a process-local Store. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	closed  bool
	tenants map[string]core.Tenant
	polls   []core.PollLogEntry
	notes   []core.NotificationRecord
	noteIdx map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		tenants: map[string]core.Tenant{},
		noteIdx: map[string]int{},
	}
}

func (m *Memory) ActiveTenants(ctx context.Context) ([]core.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]core.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Tenant(ctx context.Context, id string) (core.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return core.Tenant{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return core.Tenant{}, ErrClosed
	}
	t, ok := m.tenants[id]
	if !ok {
		return core.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) UpsertTenant(ctx context.Context, t core.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = normalizeTenant(t)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tenants[t.ID] = t
	return nil
}

func (m *Memory) UpdateLastKnownStatus(ctx context.Context, id, status string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	status = core.NormalizeStatus(status)
	if status != core.NormalizeStatus(t.LastStatus) {
		t.LastChangedAt = at
	}
	t.LastStatus = status
	t.LastCheckedAt = at
	m.tenants[id] = t
	return nil
}

func (m *Memory) AppendPoll(ctx context.Context, e core.PollLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.polls = append(m.polls, normalizePoll(e))
	return nil
}

func (m *Memory) RecordPoll(ctx context.Context, e core.PollLogEntry, ev *core.StatusChangedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t, ok := m.tenants[e.TenantID]
	if !ok {
		return ErrNotFound
	}
	e = normalizePoll(e)
	m.polls = append(m.polls, e)
	m.tenants[t.ID] = applyPoll(t, e, ev)
	return nil
}

func (m *Memory) CreateNotification(ctx context.Context, r *core.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	normalizeNotification(r)
	m.noteIdx[r.ID] = len(m.notes)
	m.notes = append(m.notes, *r)
	return nil
}

func (m *Memory) UpdateNotification(ctx context.Context, r core.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	i, ok := m.noteIdx[r.ID]
	if !ok {
		return ErrNotFound
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	m.notes[i] = r
	return nil
}

func (m *Memory) RecentPolls(ctx context.Context, tenantID string, limit int) ([]core.PollLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.PollLogEntry
	for i := len(m.polls) - 1; i >= 0; i-- {
		if tenantID != "" && m.polls[i].TenantID != tenantID {
			continue
		}
		out = append(out, m.polls[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecentNotifications(ctx context.Context, tenantID string, limit int) ([]core.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.NotificationRecord
	for i := len(m.notes) - 1; i >= 0; i-- {
		if tenantID != "" && m.notes[i].TenantID != tenantID {
			continue
		}
		out = append(out, m.notes[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// snapshot copies all tenants (file driver).
func (m *Memory) snapshot() []core.Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeTenant(t core.Tenant) core.Tenant {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = newID()
	}
	t.Jurisdiction = strings.ToUpper(strings.TrimSpace(t.Jurisdiction))
	t.QueryCode = strings.ToUpper(strings.TrimSpace(t.QueryCode))
	t.Interval, _ = core.ParseInterval(string(t.Interval))
	if t.Channel == "" {
		t.Channel = core.ChannelNone
	}
	if strings.TrimSpace(t.Locale) == "" {
		t.Locale = "en"
	}
	t.LastStatus = core.NormalizeStatus(t.LastStatus)
	return t
}

func normalizePoll(e core.PollLogEntry) core.PollLogEntry {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	e.RawResponse = core.TruncateRaw(e.RawResponse)
	return e
}

func normalizeNotification(r *core.NotificationRecord) {
	if r.ID == "" {
		r.ID = newID()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Status == "" {
		r.Status = core.NotificationPending
	}
}

// applyPoll is the tenant transition shared by every driver.
func applyPoll(t core.Tenant, e core.PollLogEntry, ev *core.StatusChangedEvent) core.Tenant {
	t.LastCheckedAt = e.At
	if e.Outcome == core.PollSuccess {
		t.LastStatus = core.NormalizeStatus(e.Status)
		t.LastDetails = e.Details
	}
	if ev != nil {
		t.LastChangedAt = ev.At
	}
	return t
}
