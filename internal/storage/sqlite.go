package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"casewatch/internal/core"
	logx "casewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const tenantColumns = `id, owner_id, applicant_name, jurisdiction, query_code, query_kind, channel, channel_target,
	locale, poll_interval, active, last_status, last_details, last_checked_at, last_changed_at`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(r rowScanner) (core.Tenant, error) {
	var (
		t                  core.Tenant
		channel, interval  string
		active             int
		checked, changedAt sql.NullInt64
	)
	err := r.Scan(&t.ID, &t.OwnerID, &t.ApplicantName, &t.Jurisdiction, &t.QueryCode, &t.QueryKind,
		&channel, &t.ChannelTarget, &t.Locale, &interval, &active, &t.LastStatus, &t.LastDetails,
		&checked, &changedAt)
	if err != nil {
		return core.Tenant{}, err
	}
	t.Channel = core.ParseChannel(channel)
	t.Interval, _ = core.ParseInterval(interval)
	t.Active = active != 0
	t.LastCheckedAt = fromMillis(checked)
	t.LastChangedAt = fromMillis(changedAt)
	return t, nil
}

func (s *sqliteStore) ActiveTenants(ctx context.Context) ([]core.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Tenant(ctx context.Context, id string) (core.Tenant, error) {
	t, err := scanTenant(s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Tenant{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) UpsertTenant(ctx context.Context, t core.Tenant) error {
	t = normalizeTenant(t)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(`+tenantColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, applicant_name=excluded.applicant_name,
		   jurisdiction=excluded.jurisdiction, query_code=excluded.query_code, query_kind=excluded.query_kind,
		   channel=excluded.channel, channel_target=excluded.channel_target, locale=excluded.locale,
		   poll_interval=excluded.poll_interval, active=excluded.active,
		   last_status=excluded.last_status, last_details=excluded.last_details,
		   last_checked_at=excluded.last_checked_at, last_changed_at=excluded.last_changed_at`,
		t.ID, t.OwnerID, t.ApplicantName, t.Jurisdiction, t.QueryCode, t.QueryKind,
		string(t.Channel), t.ChannelTarget, t.Locale, string(t.Interval), boolInt(t.Active),
		t.LastStatus, t.LastDetails, toMillis(t.LastCheckedAt), toMillis(t.LastChangedAt),
	)
	return err
}

func (s *sqliteStore) UpdateLastKnownStatus(ctx context.Context, id, status string, at time.Time) error {
	status = core.NormalizeStatus(status)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET
		   last_changed_at = CASE WHEN last_status <> ? THEN ? ELSE last_changed_at END,
		   last_status = ?, last_checked_at = ?
		 WHERE id = ?`,
		status, at.UnixMilli(), status, at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) AppendPoll(ctx context.Context, e core.PollLogEntry) error {
	return insertPoll(ctx, s.db, normalizePoll(e))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPoll(ctx context.Context, db execer, e core.PollLogEntry) error {
	var lastUpdate any
	if e.LastUpdate != nil {
		lastUpdate = e.LastUpdate.UnixMilli()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO poll_log(id, tenant_id, at, outcome, status, details, last_update, raw_response, err, latency_ms, attempts)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.At.UnixMilli(), string(e.Outcome), e.Status, nullStr(e.Details), lastUpdate,
		nullStr(e.RawResponse), nullStr(e.Error), e.Latency.Milliseconds(), e.Attempts,
	)
	return err
}

func (s *sqliteStore) RecordPoll(ctx context.Context, e core.PollLogEntry, ev *core.StatusChangedEvent) error {
	e = normalizePoll(e)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertPoll(ctx, tx, e); err != nil {
		return err
	}

	var res sql.Result
	if e.Outcome == core.PollSuccess {
		var changedAt any
		if ev != nil {
			changedAt = ev.At.UnixMilli()
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE tenants SET last_checked_at = ?, last_status = ?, last_details = ?,
			   last_changed_at = COALESCE(?, last_changed_at)
			 WHERE id = ?`,
			e.At.UnixMilli(), core.NormalizeStatus(e.Status), e.Details, changedAt, e.TenantID,
		)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE tenants SET last_checked_at = ? WHERE id = ?`, e.At.UnixMilli(), e.TenantID)
	}
	if err != nil {
		return err
	}
	if err := mustAffect(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreateNotification(ctx context.Context, r *core.NotificationRecord) error {
	normalizeNotification(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, tenant_id, channel, recipient, subject, message, status, created_at, updated_at, sent_at, err, retry_count)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TenantID, string(r.Channel), r.Recipient, nullStr(r.Subject), r.Message, string(r.Status),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(), timePtrMillis(r.SentAt), nullStr(r.Error), r.RetryCount,
	)
	return err
}

func (s *sqliteStore) UpdateNotification(ctx context.Context, r core.NotificationRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, updated_at = ?, sent_at = ?, err = ?, retry_count = ?, message = ?, subject = ?
		 WHERE id = ?`,
		string(r.Status), r.UpdatedAt.UnixMilli(), timePtrMillis(r.SentAt), nullStr(r.Error), r.RetryCount,
		r.Message, nullStr(r.Subject), r.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) RecentPolls(ctx context.Context, tenantID string, limit int) ([]core.PollLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, at, outcome, status, details, last_update, raw_response, err, latency_ms, attempts
		 FROM poll_log WHERE (? = '' OR tenant_id = ?) ORDER BY at DESC, rowid DESC LIMIT ?`,
		tenantID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.PollLogEntry
	for rows.Next() {
		var (
			e                  core.PollLogEntry
			at, latency        int64
			outcome            string
			details, raw, perr sql.NullString
			lastUpdate         sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &at, &outcome, &e.Status, &details, &lastUpdate, &raw, &perr, &latency, &e.Attempts); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at).UTC()
		e.Outcome = core.PollOutcome(outcome)
		e.Details, e.RawResponse, e.Error = details.String, raw.String, perr.String
		if lastUpdate.Valid {
			t := time.UnixMilli(lastUpdate.Int64).UTC()
			e.LastUpdate = &t
		}
		e.Latency = time.Duration(latency) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentNotifications(ctx context.Context, tenantID string, limit int) ([]core.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, channel, recipient, subject, message, status, created_at, updated_at, sent_at, err, retry_count
		 FROM notifications WHERE (? = '' OR tenant_id = ?) ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		tenantID, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.NotificationRecord
	for rows.Next() {
		var (
			r                core.NotificationRecord
			channel, status  string
			subject, nerr    sql.NullString
			created, updated int64
			sentAt           sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &channel, &r.Recipient, &subject, &r.Message, &status,
			&created, &updated, &sentAt, &nerr, &r.RetryCount); err != nil {
			return nil, err
		}
		r.Channel = core.Channel(channel)
		r.Status = core.NotificationStatus(status)
		r.Subject, r.Error = subject.String, nerr.String
		r.CreatedAt = time.UnixMilli(created).UTC()
		r.UpdatedAt = time.UnixMilli(updated).UTC()
		if sentAt.Valid {
			t := time.UnixMilli(sentAt.Int64).UTC()
			r.SentAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timePtrMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
